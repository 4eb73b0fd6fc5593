package models

// SessionStatus 钱包会话状态
type SessionStatus string

const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusWrongNetwork SessionStatus = "wrong_network"
	StatusError        SessionStatus = "error"
)

// Session 会话快照，值类型，整体替换
type Session struct {
	Status      SessionStatus `json:"status"`
	Account     string        `json:"account,omitempty"`    // 仅 Connected 时存在，小写
	NetworkID   uint64        `json:"network_id,omitempty"` // 钱包已接入时存在
	Reason      string        `json:"reason,omitempty"`
	NeedsReload bool          `json:"needs_reload,omitempty"`
}

// Connected 是否已连接
func (s Session) Connected() bool {
	return s.Status == StatusConnected && s.Account != ""
}

// Consistent Account 存在当且仅当 Status 为 Connected
func (s Session) Consistent() bool {
	return (s.Account != "") == (s.Status == StatusConnected)
}

// SessionChange 会话变更通知
type SessionChange struct {
	Old Session `json:"old"`
	New Session `json:"new"`
}

// AccountChanged 账户是否变化
func (c SessionChange) AccountChanged() bool {
	return c.Old.Account != c.New.Account
}

// BecameConnected 是否刚进入 Connected
func (c SessionChange) BecameConnected() bool {
	return c.Old.Status != StatusConnected && c.New.Status == StatusConnected
}
