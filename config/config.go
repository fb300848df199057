// Package config loads courierd settings from YAML or TOML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"courierchain/contracts/logistics"
)

type Config struct {
	Listen    string          `yaml:"listen" toml:"listen"`
	Env       string          `yaml:"env" toml:"env"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Contract  ContractConfig  `yaml:"contract" toml:"contract"`
	Wallets   WalletsConfig   `yaml:"wallets" toml:"wallets"`
	Amounts   AmountsConfig   `yaml:"amounts" toml:"amounts"`
	Orders    OrdersConfig    `yaml:"orders" toml:"orders"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Stores    []StoreSeed     `yaml:"stores" toml:"stores"`
}

// Default returns a configuration that runs entirely in-process: a SQLite file
// next to the working directory and the memory ledger.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		Env:      "local",
		Logging:  LoggingConfig{Level: "info"},
		Database: DatabaseConfig{DSN: "./courier-data/courier.db"},
		Ledger: LedgerConfig{
			Mode:            "memory",
			ChainID:         296,
			OperatorKeyEnv:  "COURIER_OPERATOR_KEY",
			ReceiptTimeout:  Duration{60 * time.Second},
			PollInterval:    Duration{time.Second},
			OperatorGenesis: "1000000000000000000000000",
		},
		Contract: ContractConfig{Gas: logistics.DefaultGasLimits()},
		Wallets: WalletsConfig{
			InitialBalance: "10000000000000000000",
			PassphraseEnv:  "COURIER_WALLET_PASSPHRASE",
		},
		Amounts:   AmountsConfig{UnitsPerMinor: "100000000000000"},
		Orders:    OrdersConfig{VerifyAttempts: 3, VerifyBackoff: Duration{500 * time.Millisecond}},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
	}
}

// Load reads path, choosing the codec by extension (.toml, otherwise YAML).
// A missing file is created with Default settings.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if isTOML(path) {
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	cfg.Contract.Gas = cfg.Contract.Gas.WithDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isTOML(path) {
		return toml.NewEncoder(f).Encode(cfg)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
