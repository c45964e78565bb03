package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleNetworks = `{
  "service": {"httpPort": 8088, "hmacSecret": "s3cret"},
  "source": {"name": "sepolia", "rpcUrl": "https://rpc.sepolia.example", "chainId": 11155111, "domain": 0},
  "destination": {"name": "fuji", "chainId": 43113, "domain": 1},
  "attestation": {"pollInterval": "3s", "maxWait": "2m"},
  "store": {"driver": "sqlite", "path": "/tmp/bills.db"}
}`

func writeNetworks(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "networks.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write networks: %v", err)
	}
	return path
}

func TestLoadFileReadsNetworks(t *testing.T) {
	cfg, err := LoadFile(writeNetworks(t, sampleNetworks))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 8088 || cfg.Service.HMACSecret != "s3cret" {
		t.Fatalf("unexpected service config: %+v", cfg.Service)
	}
	if cfg.Attestation.PollInterval != 3*time.Second || cfg.Attestation.MaxWait != 2*time.Minute {
		t.Fatalf("durations not decoded: %+v", cfg.Attestation)
	}
	if cfg.Source.RPCURL != "https://rpc.sepolia.example" {
		t.Fatalf("unexpected rpc url %q", cfg.Source.RPCURL)
	}
	// defaults fill what the file leaves out
	if cfg.Source.TokenMessenger != "0x8fe6b999dc680ccfdd5bf7eb0974218be2542daa" {
		t.Fatalf("default token messenger missing: %q", cfg.Source.TokenMessenger)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("unexpected store driver %q", cfg.Store.Driver)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("BILLBRIDGE_SERVICE_HTTPPORT", "9099")
	t.Setenv("BILLBRIDGE_ATTESTATION_POLLINTERVAL", "7s")

	cfg, err := LoadFile(writeNetworks(t, sampleNetworks))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 9099 {
		t.Fatalf("expected env port, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Attestation.PollInterval != 7*time.Second {
		t.Fatalf("expected env poll interval, got %s", cfg.Attestation.PollInterval)
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Attestation.BaseURL != "https://iris-api-sandbox.circle.com" {
		t.Fatalf("unexpected base url %q", cfg.Attestation.BaseURL)
	}
	if cfg.Attestation.PollInterval != 5*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.Attestation.PollInterval)
	}

	tc, err := cfg.TransferSettings()
	if err != nil {
		t.Fatalf("transfer settings: %v", err)
	}
	if tc.ApprovalCeiling.String() != "10000000000" || tc.MaxFee.String() != "500" || tc.MinFinalityThreshold != 1000 {
		t.Fatalf("unexpected transfer settings: %+v", tc)
	}
	if tc.SourceDomain != 0 || tc.DestinationDomain != 1 {
		t.Fatalf("unexpected domains: %d -> %d", tc.SourceDomain, tc.DestinationDomain)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	body := `{"source": {"domain": 1}, "destination": {"domain": 1}, "store": {"driver": "mongo"}}`
	if _, err := LoadFile(writeNetworks(t, body)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateRejectsGateShorterThanRun(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.RunBudget(); got != 41*time.Minute {
		t.Fatalf("unexpected run budget %s", got)
	}
	if cfg.Redis.GateTTL < cfg.RunBudget() {
		t.Fatalf("default gate ttl %s does not cover a run", cfg.Redis.GateTTL)
	}

	body := `{"redis": {"url": "redis://localhost:6379/0", "gateTtl": "10m"}}`
	_, err = LoadFile(writeNetworks(t, body))
	if err == nil || !strings.Contains(err.Error(), "redis.gateTtl") {
		t.Fatalf("expected gateTtl rejection, got %v", err)
	}
}
