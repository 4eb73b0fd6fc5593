package wallet

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/term"
)

// PassphraseSource 口令来源：环境变量静默读取，或在终端中询问
type PassphraseSource struct {
	envVar      string
	interactive bool
	prompt      func(account common.Address) (string, error)
}

// NewPassphraseSource 创建口令来源
func NewPassphraseSource(envVar string, interactive bool) *PassphraseSource {
	return &PassphraseSource{
		envVar:      strings.TrimSpace(envVar),
		interactive: interactive,
		prompt:      terminalPrompt,
	}
}

// Silent 不与用户交互地读取口令
func (s *PassphraseSource) Silent() (string, bool) {
	if s.envVar == "" {
		return "", false
	}
	value, ok := os.LookupEnv(s.envVar)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// Ask 询问用户，空输入视为拒绝
func (s *PassphraseSource) Ask(account common.Address) (string, error) {
	if !s.interactive {
		return "", fmt.Errorf("未配置口令且不允许交互，请设置 %s", s.envVar)
	}
	return s.prompt(account)
}

func terminalPrompt(account common.Address) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("没有可用的终端")
	}

	fmt.Fprintf(os.Stderr, "解锁账户 %s，请输入口令（直接回车表示拒绝）: ", account.Hex())
	bytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("读取口令失败: %w", err)
	}
	return string(bytes), nil
}
