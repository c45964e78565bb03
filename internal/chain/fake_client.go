package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"billbridge/internal/credentials"
)

// FakeClient emulates a chain in memory with deterministic hashes.
// Every submitted transaction confirms unless a hook says otherwise.
type FakeClient struct {
	Name string
	// Keyring, when set, derives real addresses; otherwise the address is a
	// hash of the credential reference.
	Keyring credentials.Keyring
	// SendHook can fail a submission before it is recorded.
	SendHook func(to common.Address, payload []byte) error
	// ConfirmHook can fail or block a confirmation.
	ConfirmHook func(ctx context.Context, txID common.Hash) error
	// CallHook answers read-only calls. Without it every call returns a zero word.
	CallHook func(to common.Address, data []byte) ([]byte, error)

	mu    sync.Mutex
	nonce uint64
	sent  []SentTx
	known map[common.Hash]int
}

type SentTx struct {
	Hash    common.Hash
	From    common.Address
	To      common.Address
	Payload []byte
}

func NewFakeClient(name string) *FakeClient {
	return &FakeClient{Name: name}
}

func (f *FakeClient) DeriveAddress(cred credentials.Ref) (common.Address, error) {
	if f.Keyring != nil {
		return credentials.Address(f.Keyring, cred)
	}
	if cred == "" {
		return common.Address{}, fmt.Errorf("%w: empty reference", credentials.ErrUnknownCredential)
	}
	return common.BytesToAddress(crypto.Keccak256([]byte(cred))[12:]), nil
}

func (f *FakeClient) SendTransaction(_ context.Context, cred credentials.Ref, to common.Address, payload []byte) (common.Hash, error) {
	from, err := f.DeriveAddress(cred)
	if err != nil {
		return common.Hash{}, err
	}
	if f.SendHook != nil {
		if err := f.SendHook(to, payload); err != nil {
			return common.Hash{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], f.nonce)
	f.nonce++
	hash := crypto.Keccak256Hash([]byte(f.Name), nonce[:], from.Bytes(), to.Bytes(), payload)

	if f.known == nil {
		f.known = make(map[common.Hash]int)
	}
	f.known[hash] = len(f.sent)
	f.sent = append(f.sent, SentTx{
		Hash:    hash,
		From:    from,
		To:      to,
		Payload: append([]byte(nil), payload...),
	})
	return hash, nil
}

func (f *FakeClient) WaitForConfirmation(ctx context.Context, txID common.Hash) (Receipt, error) {
	if f.ConfirmHook != nil {
		if err := f.ConfirmHook(ctx, txID); err != nil {
			return Receipt{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	f.mu.Lock()
	idx, ok := f.known[txID]
	f.mu.Unlock()
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s never submitted to %s", ErrConfirmationTimeout, txID.Hex(), f.Name)
	}
	return Receipt{TxID: txID, BlockNumber: uint64(idx) + 1, GasUsed: 21_000}, nil
}

func (f *FakeClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.CallHook != nil {
		return f.CallHook(to, data)
	}
	return make([]byte, 32), nil
}

// Sent returns the submitted transactions in order.
func (f *FakeClient) Sent() []SentTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentTx, len(f.sent))
	copy(out, f.sent)
	return out
}
