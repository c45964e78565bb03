package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"billbridge/internal/amount"
	"billbridge/internal/credentials"
	"billbridge/internal/transfer"
)

// Ledger owns payment instructions. It never deletes one.
type Ledger struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewLedger(store Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}
}

// Create records a pending instruction for the bill. Raising a bill that is
// already pending returns the existing instruction unchanged; raising one
// that already completed fails with ErrDuplicateBillID.
func (l *Ledger) Create(ctx context.Context, bill Bill) (Instruction, error) {
	if err := validateBill(bill); err != nil {
		return Instruction{}, err
	}

	var out Instruction
	err := l.store.Update(ctx, bill.ID, func(current *BillRecord) (*BillRecord, error) {
		if current != nil {
			if current.PaymentInstruction.Status == StatusCompleted {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateBillID, bill.ID)
			}
			out = current.PaymentInstruction
			return nil, nil
		}

		now := l.now().UTC()
		out = Instruction{
			BillID:       bill.ID,
			PayerAddress: bill.PayerAddress,
			PayeeAddress: bill.PayeeAddress,
			Amount:       bill.Amount,
			CreatedAt:    now,
			UpdatedAt:    now,
			Status:       StatusPending,
		}
		return &BillRecord{
			ID:                 bill.ID,
			TokenRef:           bill.TokenRef,
			PayerAddress:       bill.PayerAddress,
			PayeeAddress:       bill.PayeeAddress,
			AmountDecimal:      amount.ToDecimal(bill.Amount).String(),
			AmountSubunits:     bill.Amount,
			Status:             StatusPending,
			CreatedAt:          now,
			PaymentInstruction: out,
		}, nil
	})
	if err != nil {
		return Instruction{}, err
	}
	l.logger.Info().Str("bill_id", bill.ID).Str("amount", bill.Amount.String()).Msg("payment instruction recorded")
	return out, nil
}

// MarkCompleted attaches a successful result. A repeated signal carrying the
// same outcome is accepted as a no-op.
func (l *Ledger) MarkCompleted(ctx context.Context, billID string, result transfer.Result) error {
	if !result.Success || result.MintTxID == nil {
		return fmt.Errorf("%w: only a successful transfer completes a bill", ErrInvalidBill)
	}
	return l.store.Update(ctx, billID, func(current *BillRecord) (*BillRecord, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBillID, billID)
		}
		inst := current.PaymentInstruction
		if inst.Status == StatusCompleted {
			if inst.TransferResult != nil && inst.TransferResult.SameOutcome(result) {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %s completed with a different transfer", ErrDuplicateBillID, billID)
		}

		next := *current
		res := result
		next.Status = StatusCompleted
		next.PaymentInstruction.Status = StatusCompleted
		next.PaymentInstruction.TransferResult = &res
		next.PaymentInstruction.UpdatedAt = l.now().UTC()
		l.logger.Info().Str("bill_id", billID).Str("tx_hash", result.MintTxID.Hex()).Msg("payment instruction completed")
		return &next, nil
	})
}

// RecordAttempt stores the credential and the latest unsuccessful result on a
// pending instruction so a burned transfer can be resumed later. It is a no-op
// on completed instructions.
func (l *Ledger) RecordAttempt(ctx context.Context, billID string, cred credentials.Ref, result transfer.Result) error {
	return l.store.Update(ctx, billID, func(current *BillRecord) (*BillRecord, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBillID, billID)
		}
		if current.PaymentInstruction.Status == StatusCompleted {
			return nil, nil
		}
		// a run that never reached the burn must not erase an earlier burn
		if prior := current.PaymentInstruction.TransferResult; prior != nil && prior.Burned() && !result.Burned() {
			return nil, nil
		}
		next := *current
		res := result
		next.PaymentInstruction.CredentialRef = cred
		next.PaymentInstruction.TransferResult = &res
		next.PaymentInstruction.UpdatedAt = l.now().UTC()
		return &next, nil
	})
}

func (l *Ledger) Get(ctx context.Context, billID string) (Instruction, error) {
	rec, err := l.Bill(ctx, billID)
	if err != nil {
		return Instruction{}, err
	}
	return rec.PaymentInstruction, nil
}

// Bill returns the full persisted record.
func (l *Ledger) Bill(ctx context.Context, billID string) (BillRecord, error) {
	rec, err := l.store.Get(ctx, billID)
	if err != nil {
		return BillRecord{}, err
	}
	if rec == nil {
		return BillRecord{}, fmt.Errorf("%w: %s", ErrNotFound, billID)
	}
	return *rec, nil
}

// ListResumable returns pending instructions whose transfer burned but never
// minted.
func (l *Ledger) ListResumable(ctx context.Context) ([]Instruction, error) {
	records, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Instruction
	for _, rec := range records {
		if rec.PaymentInstruction.Resumable() {
			out = append(out, rec.PaymentInstruction)
		}
	}
	return out, nil
}

func validateBill(b Bill) error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("%w: bill id is required", ErrInvalidBill)
	}
	if !isAddress(b.PayerAddress) || !isAddress(b.PayeeAddress) {
		return fmt.Errorf("%w: payer and payee must be 0x-prefixed 20-byte addresses", ErrInvalidBill)
	}
	if b.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than zero", amount.ErrInvalidAmount)
	}
	return nil
}

func isAddress(s string) bool {
	return len(s) == 42 && strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}
