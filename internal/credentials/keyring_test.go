package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

// Well-known development key; never funded on a real network.
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestStaticKeyringAddress(t *testing.T) {
	ring := NewStaticKeyring()
	if err := ring.AddHex("payer", devKey); err != nil {
		t.Fatalf("add key: %v", err)
	}

	addr, err := Address(ring, "payer")
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	if addr.Hex() != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Fatalf("unexpected address %s", addr.Hex())
	}

	if _, err := ring.PrivateKey("missing"); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("expected ErrUnknownCredential, got %v", err)
	}
}

func TestKeystoreKeyringDecrypts(t *testing.T) {
	key, err := ParsePrivateKey(devKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	dir := t.TempDir()
	ks := &keystore.Key{
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}
	blob, err := keystore.EncryptKey(ks, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "payer.json"), blob, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ring := &KeystoreKeyring{
		Dir:        dir,
		Passphrase: func(Ref) (string, error) { return "hunter2", nil },
	}
	got, err := ring.PrivateKey("payer")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if crypto.PubkeyToAddress(got.PublicKey) != ks.Address {
		t.Fatalf("decrypted key does not match")
	}

	if _, err := ring.PrivateKey("../payer"); !errors.Is(err, ErrUnknownCredential) {
		t.Fatalf("expected path traversal to be rejected, got %v", err)
	}
}
