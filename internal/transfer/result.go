package transfer

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"billbridge/internal/amount"
	"billbridge/internal/attestation"
	"billbridge/internal/credentials"
)

type State string

const (
	StateCreated             State = "created"
	StateApproving           State = "approving"
	StateBurning             State = "burning"
	StateAwaitingAttestation State = "awaiting_attestation"
	StateMinting             State = "minting"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindApprovalFailed     ErrorKind = "approval_failed"
	KindBurnFailed         ErrorKind = "burn_failed"
	KindAttestationTimeout ErrorKind = "attestation_timeout"
	KindMintFailed         ErrorKind = "mint_failed"
	// KindPaused is a run cancelled after the burn was submitted. It resumes
	// from the recorded burn.
	KindPaused ErrorKind = "paused"
	// KindCancelled is a run cancelled before anything irreversible happened.
	KindCancelled ErrorKind = "cancelled"
)

// Request is one transfer from a payer credential to a destination address.
// A nil MaxFee and a zero MinFinalityThreshold take the orchestrator defaults.
type Request struct {
	CredentialRef credentials.Ref
	// PayerAddress, when set, must be the address the credential derives.
	PayerAddress         string
	DestinationAddress   string
	Amount               amount.Subunits
	MaxFee               *amount.Subunits
	MinFinalityThreshold uint32
	// Checkpoint receives a resumable snapshot after each irreversible step:
	// the burn submission, the attestation, every mint submission.
	Checkpoint func(Result)
}

type Event struct {
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// Result is what a run produced. On completion either Success is true with
// MintTxID set, or ErrorKind is set.
type Result struct {
	RunID             string                   `json:"runId"`
	State             State                    `json:"state"`
	LastConfirmedStep State                    `json:"lastConfirmedStep"`
	Success           bool                     `json:"success"`
	ErrorKind         ErrorKind                `json:"errorKind,omitempty"`
	Error             string                   `json:"error,omitempty"`
	Resumable         bool                     `json:"resumable"`
	ApprovalTxID      *common.Hash             `json:"approvalTxId,omitempty"`
	BurnTxID          *common.Hash             `json:"burnTxId,omitempty"`
	Attestation       *attestation.Attestation `json:"attestation,omitempty"`
	MintTxID          *common.Hash             `json:"mintTxId,omitempty"`
	MintTxIDs         []common.Hash            `json:"mintTxIds,omitempty"` // every mint submitted, oldest first
	Audit             []Event                  `json:"audit,omitempty"`
}

// SameOutcome reports whether two results describe the same on-chain transfer.
// Run ids and audit timestamps are ignored so a repeated completion signal
// compares equal.
func (r Result) SameOutcome(other Result) bool {
	return r.Success == other.Success &&
		r.ErrorKind == other.ErrorKind &&
		sameHash(r.BurnTxID, other.BurnTxID) &&
		sameHash(r.MintTxID, other.MintTxID)
}

// Burned reports whether the source side of the transfer may be irreversible.
func (r Result) Burned() bool { return r.BurnTxID != nil }

// clone copies r so later changes to the run do not leak into it.
func (r Result) clone() Result {
	out := r
	out.MintTxIDs = append([]common.Hash(nil), r.MintTxIDs...)
	out.Audit = append([]Event(nil), r.Audit...)
	if r.Attestation != nil {
		att := *r.Attestation
		out.Attestation = &att
	}
	return out
}

func sameHash(a, b *common.Hash) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func hashPtr(h common.Hash) *common.Hash { return &h }
