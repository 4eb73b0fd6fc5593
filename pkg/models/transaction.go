package models

import (
	"time"
)

// TxKind 写操作类型
type TxKind string

const (
	TxList   TxKind = "list"
	TxBuy    TxKind = "buy"
	TxVerify TxKind = "verify"
)

// TxState 写操作生命周期
type TxState string

const (
	TxSubmitting TxState = "submitting"
	TxSubmitted  TxState = "submitted"
	TxConfirmed  TxState = "confirmed"
	TxRejected   TxState = "rejected"
	TxFailed     TxState = "failed"
)

// Terminal 是否终态
func (s TxState) Terminal() bool {
	return s == TxConfirmed || s == TxRejected || s == TxFailed
}

// PendingTransaction 一次写操作，结算后销毁
type PendingTransaction struct {
	ID          string    `json:"id"`
	Kind        TxKind    `json:"kind"`
	State       TxState   `json:"state"`
	Handle      string    `json:"handle,omitempty"` // 交易哈希
	DeviceID    *uint64   `json:"device_id,omitempty"`
	Account     string    `json:"account"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// StatusEvent 交易状态通知
type StatusEvent struct {
	TxID     string    `json:"tx_id"`
	Kind     TxKind    `json:"kind"`
	State    TxState   `json:"state"`
	Handle   string    `json:"handle,omitempty"`
	DeviceID *uint64   `json:"device_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}
