package models

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DeviceRecord 链上登记的设备记录，ID 为合约分配的索引
type DeviceRecord struct {
	// 登记时写入，之后不再变化
	ID           uint64 `json:"id"`
	Seller       string `json:"seller"`
	Manufacturer string `json:"manufacturer"`
	ModelName    string `json:"model_name"`
	ModelCode    string `json:"model_code"`
	IMEI         string `json:"imei"`

	// 由合约维护，只通过刷新更新
	Price        *big.Int `json:"price"`       // wei
	PriceEther   string   `json:"price_ether"` // 展示用
	IsSold       bool     `json:"is_sold"`
	IsVerified   bool     `json:"is_verified"`
	IsDispatched bool     `json:"is_dispatched"`
	IsReceived   bool     `json:"is_received"`
	Buyer        string   `json:"buyer,omitempty"` // 仅在 IsSold 时存在
}

// ContractPhone getPhone 返回值的原始形态
type ContractPhone struct {
	Seller       common.Address
	Manufacturer string
	ModelName    string
	ModelCode    string
	IMEI         string
	Price        *big.Int
	IsSold       bool
	IsVerified   bool
	IsDispatched bool
	IsReceived   bool
	Buyer        common.Address
}

// FromContract 从合约返回值转换为内部模型
func (d *DeviceRecord) FromContract(id uint64, p *ContractPhone) {
	if p == nil {
		return
	}

	d.ID = id
	d.Seller = NormalizeAddress(p.Seller.Hex())
	d.Manufacturer = p.Manufacturer
	d.ModelName = p.ModelName
	d.ModelCode = p.ModelCode
	d.IMEI = p.IMEI

	d.Price = new(big.Int)
	if p.Price != nil {
		d.Price.Set(p.Price)
	}
	d.PriceEther = FormatEther(d.Price)
	d.IsSold = p.IsSold
	d.IsVerified = p.IsVerified
	d.IsDispatched = p.IsDispatched
	d.IsReceived = p.IsReceived

	// 零地址视为未定义
	d.Buyer = ""
	if p.IsSold && p.Buyer != (common.Address{}) {
		d.Buyer = NormalizeAddress(p.Buyer.Hex())
	}
}

// Clone 深拷贝
func (d *DeviceRecord) Clone() *DeviceRecord {
	if d == nil {
		return nil
	}
	c := *d
	if d.Price != nil {
		c.Price = new(big.Int).Set(d.Price)
	}
	return &c
}

// CanVerify 展示层在发起验证前使用的门控条件
func (d *DeviceRecord) CanVerify() bool {
	return d.IsSold && !d.IsVerified
}

// CheckInvariants 检查记录不变量，返回所有违反项
func CheckInvariants(d *DeviceRecord) []string {
	var violations []string
	if d.IsSold && d.Buyer == "" {
		violations = append(violations, "已售出但缺少买家")
	}
	if !d.IsSold && d.Buyer != "" {
		violations = append(violations, "未售出但存在买家")
	}
	if d.IsVerified && !d.IsSold {
		violations = append(violations, "已验证但未售出")
	}
	if d.Price != nil && d.Price.Sign() < 0 {
		violations = append(violations, "价格为负")
	}
	return violations
}

// NormalizeAddress 地址统一转为小写
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// SameAddress 不区分大小写比较地址
func SameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Snapshot 一次刷新周期的完整结果
type Snapshot struct {
	Seq         uint64          `json:"seq"`
	All         []*DeviceRecord `json:"all"`
	Account     string          `json:"account,omitempty"` // 周期开始时绑定的账户
	OwnedIDs    []uint64        `json:"owned_ids,omitempty"`
	RefreshedAt time.Time       `json:"refreshed_at"`
	Restored    bool            `json:"restored,omitempty"` // 从本地日志恢复，尚未与链上同步
}

// NewSnapshot 构造快照，记录按 ID 升序
func NewSnapshot(seq uint64, records []*DeviceRecord, account string, owned []uint64) *Snapshot {
	all := make([]*DeviceRecord, len(records))
	copy(all, records)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	ids := make([]uint64, len(owned))
	copy(ids, owned)

	return &Snapshot{
		Seq:         seq,
		All:         all,
		Account:     NormalizeAddress(account),
		OwnedIDs:    ids,
		RefreshedAt: time.Now(),
	}
}

// Find 按 ID 查找
func (s *Snapshot) Find(id uint64) (*DeviceRecord, bool) {
	if s == nil {
		return nil, false
	}
	i := sort.Search(len(s.All), func(i int) bool { return s.All[i].ID >= id })
	if i < len(s.All) && s.All[i].ID == id {
		return s.All[i], true
	}
	return nil, false
}

// Mine 当前快照下属于绑定账户的记录
func (s *Snapshot) Mine() []*DeviceRecord {
	if s == nil {
		return nil
	}
	return Mine(s.All, s.Account, s.OwnedIDs)
}

// Mine 卖家为账户，或 ID 在账本的账户索引中
func Mine(all []*DeviceRecord, account string, owned []uint64) []*DeviceRecord {
	if account == "" {
		return []*DeviceRecord{}
	}

	ownedSet := make(map[uint64]struct{}, len(owned))
	for _, id := range owned {
		ownedSet[id] = struct{}{}
	}

	mine := make([]*DeviceRecord, 0)
	for _, d := range all {
		if _, ok := ownedSet[d.ID]; ok || SameAddress(d.Seller, account) {
			mine = append(mine, d)
		}
	}
	return mine
}

// Available 尚未售出的记录
func Available(all []*DeviceRecord) []*DeviceRecord {
	return filter(all, func(d *DeviceRecord) bool { return !d.IsSold })
}

// Selling 账户挂单中且未售出
func Selling(all []*DeviceRecord, account string) []*DeviceRecord {
	return filter(all, func(d *DeviceRecord) bool {
		return !d.IsSold && SameAddress(d.Seller, account)
	})
}

// Completed 已售出且已验证
func Completed(all []*DeviceRecord) []*DeviceRecord {
	return filter(all, func(d *DeviceRecord) bool { return d.IsSold && d.IsVerified })
}

// PendingVerification 账户已购买但尚未验证
func PendingVerification(all []*DeviceRecord, account string) []*DeviceRecord {
	return filter(all, func(d *DeviceRecord) bool {
		return d.CanVerify() && SameAddress(d.Buyer, account)
	})
}

func filter(all []*DeviceRecord, keep func(*DeviceRecord) bool) []*DeviceRecord {
	out := make([]*DeviceRecord, 0)
	for _, d := range all {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// ListingFields 挂单参数
type ListingFields struct {
	Manufacturer string `json:"manufacturer" binding:"required"`
	ModelName    string `json:"model_name" binding:"required"`
	ModelCode    string `json:"model_code" binding:"required"`
	IMEI         string `json:"imei" binding:"required"`
	Price        string `json:"price" binding:"required"` // 以太单位的十进制字符串
}

// String 日志用描述
func (l ListingFields) String() string {
	return fmt.Sprintf("%s %s (%s)", l.Manufacturer, l.ModelName, l.ModelCode)
}
