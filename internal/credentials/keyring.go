// Package credentials resolves opaque credential references into signing keys.
// Nothing outside this package sees key material except the chain clients.
package credentials

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Ref names a signing credential without carrying it.
type Ref string

var ErrUnknownCredential = errors.New("unknown credential")

type Keyring interface {
	PrivateKey(ref Ref) (*ecdsa.PrivateKey, error)
}

// Address derives the account address a credential signs for.
func Address(k Keyring, ref Ref) (common.Address, error) {
	key, err := k.PrivateKey(ref)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// StaticKeyring holds keys in memory. Used by tests and local runs.
type StaticKeyring struct {
	mu   sync.RWMutex
	keys map[Ref]*ecdsa.PrivateKey
}

func NewStaticKeyring() *StaticKeyring {
	return &StaticKeyring{keys: make(map[Ref]*ecdsa.PrivateKey)}
}

// AddHex registers a hex-encoded secp256k1 key under ref.
func (s *StaticKeyring) AddHex(ref Ref, hexKey string) error {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return err
	}
	s.Add(ref, key)
	return nil
}

func (s *StaticKeyring) Add(ref Ref, key *ecdsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[ref] = key
}

func (s *StaticKeyring) PrivateKey(ref Ref) (*ecdsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCredential, ref)
	}
	return key, nil
}

// KeystoreKeyring reads encrypted V3 keystore files named <ref>.json from Dir.
// Decrypted keys are cached for the life of the process.
type KeystoreKeyring struct {
	Dir        string
	Passphrase func(ref Ref) (string, error)

	mu    sync.Mutex
	cache map[Ref]*ecdsa.PrivateKey
}

func (k *KeystoreKeyring) PrivateKey(ref Ref) (*ecdsa.PrivateKey, error) {
	if strings.ContainsAny(string(ref), `/\`) || ref == "" {
		return nil, fmt.Errorf("%w: invalid reference %q", ErrUnknownCredential, ref)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.cache[ref]; ok {
		return key, nil
	}

	blob, err := os.ReadFile(filepath.Join(k.Dir, string(ref)+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCredential, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read keystore %s: %w", ref, err)
	}

	pass := ""
	if k.Passphrase != nil {
		if pass, err = k.Passphrase(ref); err != nil {
			return nil, fmt.Errorf("passphrase for %s: %w", ref, err)
		}
	}
	key, err := keystore.DecryptKey(blob, pass)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore %s: %w", ref, err)
	}

	if k.cache == nil {
		k.cache = make(map[Ref]*ecdsa.PrivateKey)
	}
	k.cache[ref] = key.PrivateKey
	return key.PrivateKey, nil
}

func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
