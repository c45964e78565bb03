// Package transfer drives a USDC burn-and-mint transfer between two chains:
// approve, burn, wait for the attestation, mint.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"billbridge/internal/amount"
	"billbridge/internal/attestation"
	"billbridge/internal/chain"
	"billbridge/internal/contracts"
)

// ErrMessageReceived means the destination already consumed the burn message
// through a mint this service cannot account for.
var ErrMessageReceived = errors.New("message already received on destination")

const (
	DefaultMaxFee               = 500
	DefaultMinFinalityThreshold = 1000
	// DefaultApprovalCeiling is 10,000 USDC in subunits.
	DefaultApprovalCeiling = 10_000_000_000
)

type Config struct {
	SourceDomain       uint32
	DestinationDomain  uint32
	BurnToken          common.Address
	TokenMessenger     common.Address
	MessageTransmitter common.Address

	ApprovalCeiling amount.Subunits
	// MaxFee is the default burn fee cap. Nil means DefaultMaxFee.
	MaxFee               *amount.Subunits
	MinFinalityThreshold uint32

	PollInterval time.Duration
	MaxWait      time.Duration
	// SubmitTimeout bounds a submission, which runs detached from the caller's
	// cancellation so a transaction is never abandoned half-sent.
	SubmitTimeout time.Duration
}

// AttestationSource is satisfied by *attestation.Poller.
type AttestationSource interface {
	Poll(ctx context.Context, burnTx common.Hash, pollInterval, maxWait time.Duration) (attestation.Attestation, error)
}

// Orchestrator holds no per-transfer state; each Execute or Resume call is
// independent.
type Orchestrator struct {
	cfg          Config
	source       chain.Client
	destination  chain.Client
	attestations AttestationSource
	logger       zerolog.Logger
	now          func() time.Time
}

func New(cfg Config, source, destination chain.Client, attestations AttestationSource, logger zerolog.Logger) (*Orchestrator, error) {
	if source == nil || destination == nil || attestations == nil {
		return nil, errors.New("transfer: source, destination and attestation source are required")
	}
	zero := common.Address{}
	if cfg.BurnToken == zero || cfg.TokenMessenger == zero || cfg.MessageTransmitter == zero {
		return nil, errors.New("transfer: burn token, token messenger and message transmitter addresses are required")
	}
	if cfg.ApprovalCeiling.IsZero() {
		cfg.ApprovalCeiling = amount.NewSubunits(DefaultApprovalCeiling)
	}
	if cfg.MaxFee == nil {
		fee := amount.NewSubunits(DefaultMaxFee)
		cfg.MaxFee = &fee
	}
	if cfg.MinFinalityThreshold == 0 {
		cfg.MinFinalityThreshold = DefaultMinFinalityThreshold
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		cfg:          cfg,
		source:       source,
		destination:  destination,
		attestations: attestations,
		logger:       logger.With().Str("component", "orchestrator").Logger(),
		now:          time.Now,
	}, nil
}

// run is the mutable state of one Execute or Resume call.
type run struct {
	o      *Orchestrator
	req    Request
	params burnRequest
	res    Result
	log    zerolog.Logger
}

type burnRequest struct {
	recipient common.Address
	maxFee    amount.Subunits
	finality  uint32
}

func (o *Orchestrator) newRun(req Request, log zerolog.Logger) *run {
	r := &run{o: o, req: req}
	r.res.RunID = uuid.NewString()
	r.log = log.With().Str("run_id", r.res.RunID).Logger()
	return r
}

// Execute runs a transfer from the start. It never returns a Go error: every
// failure is reported on the Result with its kind and the last confirmed step.
func (o *Orchestrator) Execute(ctx context.Context, req Request) Result {
	r := o.newRun(req, o.logger)
	r.advance(StateCreated)
	if err := r.validate(); err != nil {
		return r.fail(KindInvalidRequest, err)
	}
	if ctx.Err() != nil {
		return r.fail(KindCancelled, ctx.Err())
	}

	r.advance(StateApproving)
	approve, err := contracts.PackApprove(o.cfg.TokenMessenger, o.cfg.ApprovalCeiling.Big())
	if err != nil {
		return r.fail(KindApprovalFailed, err)
	}
	approvalTx, err := r.submit(ctx, o.source, o.cfg.BurnToken, approve)
	if err != nil {
		return r.fail(KindApprovalFailed, err)
	}
	r.res.ApprovalTxID = hashPtr(approvalTx)
	if _, err := o.source.WaitForConfirmation(ctx, approvalTx); err != nil {
		return r.failStep(ctx, KindApprovalFailed, fmt.Errorf("confirm approval %s: %w", approvalTx.Hex(), err))
	}

	r.advance(StateBurning)
	burn, err := contracts.PackDepositForBurn(contracts.BurnParams{
		Amount:               req.Amount.Big(),
		DestinationDomain:    o.cfg.DestinationDomain,
		MintRecipient:        r.params.recipient,
		BurnToken:            o.cfg.BurnToken,
		MaxFee:               r.params.maxFee.Big(),
		MinFinalityThreshold: r.params.finality,
	})
	if err != nil {
		return r.fail(KindBurnFailed, err)
	}
	burnTx, err := r.submit(ctx, o.source, o.cfg.TokenMessenger, burn)
	if err != nil {
		return r.fail(KindBurnFailed, err)
	}
	r.res.BurnTxID = hashPtr(burnTx)
	r.log.Info().Str("tx_hash", burnTx.Hex()).Msg("burn submitted")
	r.checkpoint()

	return r.fromBurn(ctx)
}

// Resume continues a transfer whose burn was already submitted. It mints from
// the stored attestation when there is one and otherwise confirms the burn and
// polls for it. The burn is never resubmitted.
func (o *Orchestrator) Resume(ctx context.Context, req Request, prior Result) Result {
	if prior.Success {
		return prior
	}
	r := o.newRun(req, o.logger)
	r.res.State = prior.LastConfirmedStep
	r.res.LastConfirmedStep = prior.LastConfirmedStep
	r.res.ApprovalTxID = prior.ApprovalTxID
	r.res.BurnTxID = prior.BurnTxID
	r.res.Attestation = prior.Attestation
	r.res.MintTxID = prior.MintTxID
	r.res.MintTxIDs = append([]common.Hash(nil), prior.MintTxIDs...)
	r.res.Audit = append([]Event(nil), prior.Audit...)
	r.record("resumed")

	if err := r.validate(); err != nil {
		return r.fail(KindInvalidRequest, err)
	}
	if prior.BurnTxID == nil {
		return r.fail(KindInvalidRequest, errors.New("nothing to resume: no burn was recorded"))
	}
	r.log.Info().Str("tx_hash", prior.BurnTxID.Hex()).Str("from", string(prior.LastConfirmedStep)).Msg("resuming transfer")

	if prior.Attestation != nil && prior.Attestation.Status == attestation.StatusComplete {
		r.advance(StateAwaitingAttestation)
		return r.mint(ctx)
	}
	return r.fromBurn(ctx)
}

func (r *run) fromBurn(ctx context.Context) Result {
	o := r.o
	burnTx := *r.res.BurnTxID
	if _, err := o.source.WaitForConfirmation(ctx, burnTx); err != nil {
		return r.failStep(ctx, KindBurnFailed, fmt.Errorf("confirm burn %s: %w", burnTx.Hex(), err))
	}
	r.advance(StateAwaitingAttestation)

	att, err := o.attestations.Poll(ctx, burnTx, o.cfg.PollInterval, o.cfg.MaxWait)
	if err != nil {
		return r.failStep(ctx, KindAttestationTimeout, err)
	}
	r.res.Attestation = &att
	r.checkpoint()
	return r.mint(ctx)
}

func (r *run) mint(ctx context.Context) Result {
	o := r.o
	r.advance(StateMinting)

	// A mint from an earlier run may have landed after that run gave up on it.
	if r.landedMint(ctx) {
		return r.complete()
	}
	if ctx.Err() != nil {
		return r.failStep(ctx, KindMintFailed, ctx.Err())
	}
	received, err := r.messageReceived(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("could not check whether the message was received")
	}
	if received {
		return r.fail(KindMintFailed, ErrMessageReceived)
	}

	payload, err := contracts.PackReceiveMessage(r.res.Attestation.Message, r.res.Attestation.Proof)
	if err != nil {
		return r.fail(KindMintFailed, err)
	}
	mintTx, err := r.submit(ctx, o.destination, o.cfg.MessageTransmitter, payload)
	if err != nil {
		return r.failStep(ctx, KindMintFailed, err)
	}
	r.res.MintTxID = hashPtr(mintTx)
	r.res.MintTxIDs = append(r.res.MintTxIDs, mintTx)
	r.checkpoint()

	_, err = o.destination.WaitForConfirmation(ctx, mintTx)
	if err == nil {
		return r.complete()
	}
	// a revert usually means an earlier mint consumed the message
	if errors.Is(err, chain.ErrReverted) && r.landedMint(ctx) {
		return r.complete()
	}
	return r.failStep(ctx, KindMintFailed, fmt.Errorf("confirm mint %s: %w", mintTx.Hex(), err))
}

// landedMint checks every mint submitted so far and points MintTxID at the
// one that confirmed, if any.
func (r *run) landedMint(ctx context.Context) bool {
	candidates := r.res.MintTxIDs
	if last := r.res.MintTxID; last != nil && !containsHash(candidates, *last) {
		candidates = append(append([]common.Hash(nil), candidates...), *last)
	}
	for _, txID := range candidates {
		if ctx.Err() != nil {
			return false
		}
		_, err := r.o.destination.WaitForConfirmation(ctx, txID)
		if err == nil {
			r.res.MintTxID = hashPtr(txID)
			return true
		}
		r.log.Debug().Err(err).Str("tx_hash", txID.Hex()).Msg("earlier mint not confirmed")
	}
	return false
}

// messageReceived asks the destination transmitter whether the message nonce
// is already used. Clients without read access report false.
func (r *run) messageReceived(ctx context.Context) (bool, error) {
	caller, ok := r.o.destination.(chain.Caller)
	if !ok {
		return false, nil
	}
	nonce, err := contracts.MessageNonce(r.res.Attestation.Message)
	if err != nil {
		return false, err
	}
	data, err := contracts.PackUsedNonces(nonce)
	if err != nil {
		return false, err
	}
	out, err := caller.CallContract(ctx, r.o.cfg.MessageTransmitter, data)
	if err != nil {
		return false, err
	}
	return contracts.UnpackUsedNonces(out)
}

func containsHash(hashes []common.Hash, h common.Hash) bool {
	for _, x := range hashes {
		if x == h {
			return true
		}
	}
	return false
}

// checkpoint hands the caller a resumable snapshot of the run so far.
func (r *run) checkpoint() {
	if r.req.Checkpoint == nil {
		return
	}
	snap := r.res.clone()
	snap.Resumable = snap.Burned()
	r.req.Checkpoint(snap)
}

func (r *run) submit(ctx context.Context, client chain.Client, to common.Address, payload []byte) (common.Hash, error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.SubmitTimeout)
	defer cancel()
	return client.SendTransaction(sendCtx, r.req.CredentialRef, to, payload)
}

func (r *run) validate() error {
	req := r.req
	if strings.TrimSpace(string(req.CredentialRef)) == "" {
		return errors.New("credential reference is required")
	}
	from, err := r.o.source.DeriveAddress(req.CredentialRef)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	if req.PayerAddress != "" {
		if !isHexAddress(req.PayerAddress) {
			return fmt.Errorf("payer address %q is not a 0x-prefixed 20-byte hex address", req.PayerAddress)
		}
		if common.HexToAddress(req.PayerAddress) != from {
			return fmt.Errorf("credential %s signs as %s, not payer %s", req.CredentialRef, from.Hex(), req.PayerAddress)
		}
	}
	if !isHexAddress(req.DestinationAddress) {
		return fmt.Errorf("destination address %q is not a 0x-prefixed 20-byte hex address", req.DestinationAddress)
	}
	if req.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than zero", amount.ErrInvalidAmount)
	}
	if req.Amount.Cmp(r.o.cfg.ApprovalCeiling) > 0 {
		return fmt.Errorf("amount %s exceeds approval ceiling %s", req.Amount, r.o.cfg.ApprovalCeiling)
	}

	maxFee := *r.o.cfg.MaxFee
	if req.MaxFee != nil {
		maxFee = *req.MaxFee
	}
	if maxFee.Cmp(req.Amount) >= 0 {
		return fmt.Errorf("max fee %s must be less than amount %s", maxFee, req.Amount)
	}
	finality := req.MinFinalityThreshold
	if finality == 0 {
		finality = r.o.cfg.MinFinalityThreshold
	}

	r.params = burnRequest{
		recipient: common.HexToAddress(req.DestinationAddress),
		maxFee:    maxFee,
		finality:  finality,
	}
	return nil
}

func isHexAddress(s string) bool {
	return len(s) == 42 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) && common.IsHexAddress(s)
}

func (r *run) record(label string) {
	r.res.Audit = append(r.res.Audit, Event{Label: label, At: r.o.now()})
}

func (r *run) advance(s State) {
	r.res.State = s
	r.res.LastConfirmedStep = s
	r.record(string(s))
	r.log.Debug().Str("state", string(s)).Msg("transfer state")
}

func (r *run) complete() Result {
	r.advance(StateCompleted)
	r.res.Success = true
	r.res.Resumable = false
	r.log.Info().Str("tx_hash", r.res.MintTxID.Hex()).Msg("transfer completed")
	return r.res
}

// failStep classifies a failure at a suspension point. Cancellation before the
// burn was submitted is a plain cancel; after it, the run is paused.
func (r *run) failStep(ctx context.Context, kind ErrorKind, err error) Result {
	if ctx.Err() != nil {
		if r.res.Burned() {
			return r.fail(KindPaused, err)
		}
		return r.fail(KindCancelled, err)
	}
	return r.fail(kind, err)
}

func (r *run) fail(kind ErrorKind, err error) Result {
	r.res.State = StateFailed
	r.res.Success = false
	r.res.ErrorKind = kind
	r.res.Error = err.Error()
	r.res.Resumable = resumable(kind, r.res, err)

	ev := r.log.Warn()
	if kind == KindInvalidRequest {
		ev = r.log.Info()
	}
	ev.Err(err).
		Str("kind", string(kind)).
		Str("state", string(r.res.LastConfirmedStep)).
		Bool("resumable", r.res.Resumable).
		Msg("transfer failed")
	return r.res
}

func resumable(kind ErrorKind, res Result, err error) bool {
	if !res.Burned() {
		return false
	}
	switch kind {
	case KindMintFailed:
		return !errors.Is(err, ErrMessageReceived)
	case KindAttestationTimeout, KindPaused:
		return true
	case KindBurnFailed:
		// a burn that timed out may still land; a reverted one never will
		return !errors.Is(err, chain.ErrReverted)
	}
	return false
}
