// Package payments settles bills: it records payment instructions and runs
// transfers for them, one run per bill at a time.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"billbridge/internal/amount"
	"billbridge/internal/billing"
	"billbridge/internal/credentials"
	"billbridge/internal/events"
	"billbridge/internal/transfer"
)

// ErrNotResumable is returned when a bill has no burned transfer to continue.
var ErrNotResumable = errors.New("bill has no resumable transfer")

// Transferer is satisfied by *transfer.Orchestrator.
type Transferer interface {
	Execute(ctx context.Context, req transfer.Request) transfer.Result
	Resume(ctx context.Context, req transfer.Request, prior transfer.Result) transfer.Result
}

// ExecuteOptions overrides the burn parameters. A nil MaxFee takes the default.
type ExecuteOptions struct {
	MaxFee               *amount.Subunits
	MinFinalityThreshold uint32
}

// Observer is told about every finished run. The HTTP server uses it for metrics.
type Observer func(billID string, res transfer.Result, elapsed time.Duration)

type Service struct {
	ledger    *billing.Ledger
	gate      billing.Gate
	transfers Transferer
	publisher events.Publisher
	logger    zerolog.Logger
	observers []Observer
}

func NewService(ledger *billing.Ledger, gate billing.Gate, transfers Transferer, publisher events.Publisher, logger zerolog.Logger) *Service {
	if gate == nil {
		gate = billing.NewLocalGate()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &Service{
		ledger:    ledger,
		gate:      gate,
		transfers: transfers,
		publisher: publisher,
		logger:    logger.With().Str("component", "payments").Logger(),
	}
}

// Observe registers fn for every finished run. Call before serving traffic.
func (s *Service) Observe(fn Observer) {
	s.observers = append(s.observers, fn)
}

func (s *Service) Ledger() *billing.Ledger { return s.ledger }

// RecordPendingInstruction records a bill for the payer to fulfil later. No
// transfer is started.
func (s *Service) RecordPendingInstruction(ctx context.Context, bill billing.Bill) (billing.Instruction, error) {
	return s.ledger.Create(ctx, bill)
}

// ExecuteTransfer pays a bill with the payer credential the service holds.
// A completed bill returns its stored result. A bill whose earlier run burned
// is resumed instead of burned again.
func (s *Service) ExecuteTransfer(ctx context.Context, billID string, cred credentials.Ref, opts ExecuteOptions) (transfer.Result, error) {
	release, err := s.gate.Acquire(ctx, billID)
	if err != nil {
		return transfer.Result{}, err
	}
	defer release()

	inst, err := s.ledger.Get(ctx, billID)
	if err != nil {
		return transfer.Result{}, err
	}
	if inst.Status == billing.StatusCompleted && inst.TransferResult != nil {
		return *inst.TransferResult, nil
	}

	req := transfer.Request{
		CredentialRef:        cred,
		PayerAddress:         inst.PayerAddress,
		DestinationAddress:   inst.PayeeAddress,
		Amount:               inst.Amount,
		MaxFee:               opts.MaxFee,
		MinFinalityThreshold: opts.MinFinalityThreshold,
		Checkpoint:           s.checkpointer(ctx, billID, cred),
	}

	log := s.logger.With().Str("bill_id", billID).Logger()
	start := time.Now()
	var res transfer.Result
	if prior := inst.TransferResult; prior != nil && prior.Burned() {
		log.Info().Str("tx_hash", prior.BurnTxID.Hex()).Msg("bill already burned, resuming")
		res = s.transfers.Resume(ctx, req, *prior)
	} else {
		log.Info().Str("amount", inst.Amount.String()).Msg("executing transfer")
		res = s.transfers.Execute(ctx, req)
	}
	return res, s.settle(ctx, billID, cred, res, time.Since(start))
}

// Resume continues a burned transfer with the credential stored on the bill.
func (s *Service) Resume(ctx context.Context, billID string) (transfer.Result, error) {
	release, err := s.gate.Acquire(ctx, billID)
	if err != nil {
		return transfer.Result{}, err
	}
	defer release()

	inst, err := s.ledger.Get(ctx, billID)
	if err != nil {
		return transfer.Result{}, err
	}
	if inst.Status == billing.StatusCompleted && inst.TransferResult != nil {
		return *inst.TransferResult, nil
	}
	prior := inst.TransferResult
	if prior == nil || !prior.Burned() || inst.CredentialRef == "" {
		return transfer.Result{}, fmt.Errorf("%w: %s", ErrNotResumable, billID)
	}

	req := transfer.Request{
		CredentialRef:      inst.CredentialRef,
		PayerAddress:       inst.PayerAddress,
		DestinationAddress: inst.PayeeAddress,
		Amount:             inst.Amount,
		Checkpoint:         s.checkpointer(ctx, billID, inst.CredentialRef),
	}
	start := time.Now()
	res := s.transfers.Resume(ctx, req, *prior)
	return res, s.settle(ctx, billID, inst.CredentialRef, res, time.Since(start))
}

// ResumeAll resumes every resumable bill not already being worked on and
// returns how many runs it started.
func (s *Service) ResumeAll(ctx context.Context) (int, error) {
	pending, err := s.ledger.ListResumable(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, inst := range pending {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		_, err := s.Resume(ctx, inst.BillID)
		switch {
		case errors.Is(err, billing.ErrBillBusy):
			continue
		case err != nil:
			s.logger.Warn().Err(err).Str("bill_id", inst.BillID).Msg("resume failed")
		}
		started++
	}
	return started, nil
}

// checkpointer records in-flight progress on the instruction so a burn
// survives a crash before the run returns.
func (s *Service) checkpointer(ctx context.Context, billID string, cred credentials.Ref) func(transfer.Result) {
	return func(res transfer.Result) {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.ledger.RecordAttempt(persistCtx, billID, cred, res); err != nil {
			s.logger.Error().Err(err).Str("bill_id", billID).Str("run_id", res.RunID).Str("state", string(res.State)).Msg("persist transfer checkpoint")
		}
	}
}

// settle persists the run. It ignores cancellation of ctx so a burned transfer
// is always recorded.
func (s *Service) settle(ctx context.Context, billID string, cred credentials.Ref, res transfer.Result, elapsed time.Duration) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	if res.Success {
		err = s.ledger.MarkCompleted(persistCtx, billID, res)
	} else {
		err = s.ledger.RecordAttempt(persistCtx, billID, cred, res)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("bill_id", billID).Str("run_id", res.RunID).Msg("persist transfer result")
		err = fmt.Errorf("persist transfer result for %s: %w", billID, err)
	}

	if pubErr := s.publisher.PublishTransfer(persistCtx, events.NewTransferEvent(billID, res)); pubErr != nil {
		s.logger.Warn().Err(pubErr).Str("bill_id", billID).Msg("publish transfer event")
	}
	for _, fn := range s.observers {
		fn(billID, res, elapsed)
	}
	return err
}
