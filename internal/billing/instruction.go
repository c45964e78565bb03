// Package billing keeps the Payment Instruction Ledger: one record per bill,
// keyed by the caller's bill id, moving from pending to completed exactly once.
package billing

import (
	"errors"
	"time"

	"billbridge/internal/amount"
	"billbridge/internal/credentials"
	"billbridge/internal/transfer"
)

var (
	ErrNotFound        = errors.New("bill not found")
	ErrDuplicateBillID = errors.New("bill already completed")
	ErrUnknownBillID   = errors.New("unknown bill id")
	ErrInvalidBill     = errors.New("invalid bill")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Bill is what a caller raises.
type Bill struct {
	ID           string
	TokenRef     string
	PayerAddress string
	PayeeAddress string
	Amount       amount.Subunits
}

// Instruction is the durable record of a requested transfer.
type Instruction struct {
	BillID         string           `json:"billId"`
	PayerAddress   string           `json:"payerAddress"`
	PayeeAddress   string           `json:"payeeAddress"`
	Amount         amount.Subunits  `json:"amountSubunits"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	Status         Status           `json:"status"`
	CredentialRef  credentials.Ref  `json:"credentialRef,omitempty"`
	TransferResult *transfer.Result `json:"transferResult,omitempty"`
}

// Resumable reports whether a pending instruction has a burned, unfinished transfer.
func (i Instruction) Resumable() bool {
	return i.Status == StatusPending &&
		i.TransferResult != nil &&
		i.TransferResult.Resumable &&
		i.CredentialRef != ""
}

// BillRecord is the persisted form. Amounts are decimal strings in JSON.
type BillRecord struct {
	ID                 string          `json:"id"`
	TokenRef           string          `json:"tokenRef"`
	PayerAddress       string          `json:"payerAddress"`
	PayeeAddress       string          `json:"payeeAddress"`
	AmountDecimal      string          `json:"amountDecimal"`
	AmountSubunits     amount.Subunits `json:"amountSubunits"`
	Status             Status          `json:"status"`
	CreatedAt          time.Time       `json:"createdAt"`
	PaymentInstruction Instruction     `json:"paymentInstruction"`
}
