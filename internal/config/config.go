// Package config loads service settings from networks.json with BILLBRIDGE_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"billbridge/internal/amount"
	"billbridge/internal/attestation"
	"billbridge/internal/transfer"
)

const (
	envPrefix          = "BILLBRIDGE"
	defaultNetworksRel = "networks.json"
)

type AppConfig struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Source      ChainConfig       `mapstructure:"source"`
	Destination ChainConfig       `mapstructure:"destination"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Transfer    TransferConfig    `mapstructure:"transfer"`
	Store       StoreConfig       `mapstructure:"store"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Keystore    KeystoreConfig    `mapstructure:"keystore"`
	Resumer     ResumerConfig     `mapstructure:"resumer"`
}

type ServiceConfig struct {
	HTTPPort        int           `mapstructure:"httpPort"`
	HMACSecret      string        `mapstructure:"hmacSecret"`
	HMACClockSkew   time.Duration `mapstructure:"hmacClockSkew"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	LogLevel        string        `mapstructure:"logLevel"`
	CORSOrigins     []string      `mapstructure:"corsOrigins"`
}

// ChainConfig describes one side of the transfer. Source chains set USDC and
// TokenMessenger; destination chains set MessageTransmitter.
type ChainConfig struct {
	Name                string        `mapstructure:"name"`
	RPCURL              string        `mapstructure:"rpcUrl"`
	ChainID             int64         `mapstructure:"chainId"`
	Domain              uint32        `mapstructure:"domain"`
	USDC                string        `mapstructure:"usdc"`
	TokenMessenger      string        `mapstructure:"tokenMessenger"`
	MessageTransmitter  string        `mapstructure:"messageTransmitter"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmationTimeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receiptPollInterval"`
}

type AttestationConfig struct {
	BaseURL           string        `mapstructure:"baseUrl"`
	PollInterval      time.Duration `mapstructure:"pollInterval"`
	MaxWait           time.Duration `mapstructure:"maxWait"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	RequestTimeout    time.Duration `mapstructure:"requestTimeout"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond"`
}

type TransferConfig struct {
	ApprovalCeiling      string        `mapstructure:"approvalCeiling"` // display units, e.g. "10000"
	MaxFeeSubunits       string        `mapstructure:"maxFeeSubunits"`
	MinFinalityThreshold uint32        `mapstructure:"minFinalityThreshold"`
	SubmitTimeout        time.Duration `mapstructure:"submitTimeout"`
}

// StoreConfig selects the ledger backend: memory, file, sqlite, badger or postgres.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type BrokerConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type RedisConfig struct {
	URL     string        `mapstructure:"url"`
	GateTTL time.Duration `mapstructure:"gateTtl"`
}

// KeystoreConfig points at encrypted key files. DevPrivateKey, when set, is
// registered under DevRef for local runs.
type KeystoreConfig struct {
	Dir           string `mapstructure:"dir"`
	Passphrase    string `mapstructure:"passphrase"`
	DevPrivateKey string `mapstructure:"devPrivateKey"`
	DevRef        string `mapstructure:"devRef"`
}

type ResumerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.httpPort", 3000)
	v.SetDefault("service.hmacSecret", "")
	v.SetDefault("service.hmacClockSkew", "60s")
	v.SetDefault("service.shutdownTimeout", "30s")
	v.SetDefault("service.logLevel", "info")
	v.SetDefault("service.corsOrigins", []string{"*"})

	v.SetDefault("source.name", "sepolia")
	v.SetDefault("source.rpcUrl", "")
	v.SetDefault("source.chainId", 11155111)
	v.SetDefault("source.domain", 0)
	v.SetDefault("source.usdc", "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	v.SetDefault("source.tokenMessenger", "0x8fe6b999dc680ccfdd5bf7eb0974218be2542daa")
	v.SetDefault("source.messageTransmitter", "")
	v.SetDefault("source.confirmationTimeout", "5m")
	v.SetDefault("source.receiptPollInterval", "2s")

	v.SetDefault("destination.name", "fuji")
	v.SetDefault("destination.rpcUrl", "")
	v.SetDefault("destination.chainId", 43113)
	v.SetDefault("destination.domain", 1)
	v.SetDefault("destination.usdc", "")
	v.SetDefault("destination.tokenMessenger", "")
	v.SetDefault("destination.messageTransmitter", "0xe737e5cebeeba77efe34d4aa090756590b1ce275")
	v.SetDefault("destination.confirmationTimeout", "5m")
	v.SetDefault("destination.receiptPollInterval", "2s")

	v.SetDefault("attestation.baseUrl", "https://iris-api-sandbox.circle.com")
	v.SetDefault("attestation.pollInterval", "5s")
	v.SetDefault("attestation.maxWait", "20m")
	v.SetDefault("attestation.cooldown", "0s")
	v.SetDefault("attestation.requestTimeout", "10s")
	v.SetDefault("attestation.requestsPerSecond", 2.0)

	v.SetDefault("transfer.approvalCeiling", "10000")
	v.SetDefault("transfer.maxFeeSubunits", "500")
	v.SetDefault("transfer.minFinalityThreshold", 1000)
	v.SetDefault("transfer.submitTimeout", "2m")

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", filepath.Join(os.TempDir(), "billbridge-bills.json"))
	v.SetDefault("store.dsn", "")

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.exchange", "billbridge_events")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.gateTtl", "1h")

	v.SetDefault("keystore.dir", "")
	v.SetDefault("keystore.passphrase", "")
	v.SetDefault("keystore.devPrivateKey", "")
	v.SetDefault("keystore.devRef", "dev")

	v.SetDefault("resumer.enabled", true)
	v.SetDefault("resumer.schedule", "@every 1m")
	v.SetDefault("resumer.timeout", "30m")
}

// Load reads the networks file named by BILLBRIDGE_NETWORKS_PATH (default
// ./networks.json). A missing file leaves the built-in testnet defaults.
func Load() (*AppConfig, error) {
	path := os.Getenv(envPrefix + "_NETWORKS_PATH")
	if path == "" {
		path = defaultNetworksRel
	}
	return LoadFile(path)
}

func LoadFile(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	var errs []error
	check := func(field, value string) {
		if !common.IsHexAddress(value) {
			errs = append(errs, fmt.Errorf("%s: %q is not an address", field, value))
		}
	}
	check("source.usdc", c.Source.USDC)
	check("source.tokenMessenger", c.Source.TokenMessenger)
	check("destination.messageTransmitter", c.Destination.MessageTransmitter)

	if c.Attestation.BaseURL == "" {
		errs = append(errs, errors.New("attestation.baseUrl is required"))
	}
	if c.Attestation.PollInterval <= 0 || c.Attestation.MaxWait <= 0 {
		errs = append(errs, errors.New("attestation.pollInterval and attestation.maxWait must be positive"))
	}
	if c.Source.Domain == c.Destination.Domain {
		errs = append(errs, fmt.Errorf("source and destination share domain %d", c.Source.Domain))
	}
	switch c.Store.Driver {
	case "memory", "file", "sqlite", "badger", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if _, err := c.TransferSettings(); err != nil {
		errs = append(errs, err)
	}
	if c.Redis.GateTTL < c.RunBudget() {
		errs = append(errs, fmt.Errorf("redis.gateTtl %s is shorter than one transfer run (%s)", c.Redis.GateTTL, c.RunBudget()))
	}
	return errors.Join(errs...)
}

// RunBudget is the longest a single transfer run may take: approve and burn on
// the source, the attestation poll, and the mint on the destination.
func (c *AppConfig) RunBudget() time.Duration {
	return 3*c.Transfer.SubmitTimeout +
		2*c.Source.ConfirmationTimeout +
		c.Attestation.MaxWait +
		c.Destination.ConfirmationTimeout
}

// TransferSettings converts the raw settings into the orchestrator's config.
func (c *AppConfig) TransferSettings() (transfer.Config, error) {
	ceiling, err := amount.ParseDecimal(c.Transfer.ApprovalCeiling)
	if err != nil {
		return transfer.Config{}, fmt.Errorf("transfer.approvalCeiling: %w", err)
	}
	maxFee, err := amount.ParseSubunits(c.Transfer.MaxFeeSubunits)
	if err != nil {
		return transfer.Config{}, fmt.Errorf("transfer.maxFeeSubunits: %w", err)
	}
	return transfer.Config{
		SourceDomain:         c.Source.Domain,
		DestinationDomain:    c.Destination.Domain,
		BurnToken:            common.HexToAddress(c.Source.USDC),
		TokenMessenger:       common.HexToAddress(c.Source.TokenMessenger),
		MessageTransmitter:   common.HexToAddress(c.Destination.MessageTransmitter),
		ApprovalCeiling:      ceiling,
		MaxFee:               &maxFee,
		MinFinalityThreshold: c.Transfer.MinFinalityThreshold,
		PollInterval:         c.Attestation.PollInterval,
		MaxWait:              c.Attestation.MaxWait,
		SubmitTimeout:        c.Transfer.SubmitTimeout,
	}, nil
}

func (c *AppConfig) PollerSettings() attestation.Config {
	return attestation.Config{
		BaseURL:        c.Attestation.BaseURL,
		SourceDomain:   c.Source.Domain,
		PollInterval:   c.Attestation.PollInterval,
		MaxWait:        c.Attestation.MaxWait,
		Cooldown:       c.Attestation.Cooldown,
		RequestTimeout: c.Attestation.RequestTimeout,
	}
}
