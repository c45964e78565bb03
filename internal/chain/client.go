package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"billbridge/internal/credentials"
)

var (
	// ErrConfirmationTimeout means the transaction was submitted but no receipt
	// arrived in time. It may still land.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrReverted means the transaction was mined with a failed status.
	ErrReverted = errors.New("transaction reverted")
)

// Client abstracts one chain. Source and destination ledgers each get their own.
type Client interface {
	SendTransaction(ctx context.Context, cred credentials.Ref, to common.Address, payload []byte) (common.Hash, error)
	WaitForConfirmation(ctx context.Context, txID common.Hash) (Receipt, error)
	DeriveAddress(cred credentials.Ref) (common.Address, error)
}

// HealthChecker is implemented by clients that can probe their RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Caller is implemented by clients that can run read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

type Receipt struct {
	TxID        common.Hash
	BlockNumber uint64
	GasUsed     uint64
}
