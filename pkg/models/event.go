package models

import (
	"fmt"
	"time"
)

// EventKind 合约事件类型
type EventKind string

const (
	EventListed     EventKind = "Listed"
	EventSold       EventKind = "Sold"
	EventVerified   EventKind = "Verified"
	EventDispatched EventKind = "Dispatched"
	EventReceived   EventKind = "Received"
)

// AllEventKinds 全部五类事件
var AllEventKinds = []EventKind{EventListed, EventSold, EventVerified, EventDispatched, EventReceived}

// ContractEventName 对应的 ABI 事件名
func (k EventKind) ContractEventName() string {
	return "Phone" + string(k)
}

// ParseEventKind 从 ABI 事件名解析
func ParseEventKind(name string) (EventKind, error) {
	for _, k := range AllEventKinds {
		if k.ContractEventName() == name || string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("未知的事件: %s", name)
}

// ChainEvent 链上事件，只作为刷新触发器使用
type ChainEvent struct {
	Kind        EventKind `json:"kind"`
	DeviceID    uint64    `json:"device_id"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
	Removed     bool      `json:"removed"`
}

// NotificationSource 通知来源
type NotificationSource string

const (
	SourceSession NotificationSource = "session"
	SourceCache   NotificationSource = "cache"
	SourceTx      NotificationSource = "tx"
)

// 通知级别
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Notification 面向用户的通知，失败路径必须携带原因
type Notification struct {
	Time     time.Time          `json:"time"`
	Source   NotificationSource `json:"source"`
	Kind     string             `json:"kind"`
	State    string             `json:"state"`
	Level    string             `json:"level"` // info, warn, error
	Reason   string             `json:"reason,omitempty"`
	TxID     string             `json:"tx_id,omitempty"`
	Handle   string             `json:"handle,omitempty"`
	DeviceID *uint64            `json:"device_id,omitempty"`
}

// NotificationFromStatus 交易状态转通知
func NotificationFromStatus(ev StatusEvent) Notification {
	level := LevelInfo
	switch ev.State {
	case TxRejected:
		level = LevelWarn
	case TxFailed:
		level = LevelError
	}
	return Notification{
		Time:     ev.Time,
		Source:   SourceTx,
		Kind:     string(ev.Kind),
		State:    string(ev.State),
		Level:    level,
		Reason:   ev.Reason,
		TxID:     ev.TxID,
		Handle:   ev.Handle,
		DeviceID: ev.DeviceID,
	}
}
