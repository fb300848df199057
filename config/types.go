package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"courierchain/contracts/logistics"
)

// Duration wraps time.Duration so YAML and TOML files can use strings such as "60s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// LoggingConfig selects the log level and an optional rotating log file.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// DatabaseConfig points at the order store. postgres:// URLs select Postgres,
// anything else is treated as a SQLite path or DSN.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

// LedgerConfig selects and tunes the ledger transport.
type LedgerConfig struct {
	// Mode is "evm" for a JSON-RPC endpoint or "memory" for the in-process ledger.
	Mode             string `yaml:"mode" toml:"mode"`
	RPCURL           string `yaml:"rpc_url" toml:"rpc_url"`
	ChainID          int64  `yaml:"chain_id" toml:"chain_id"`
	OperatorKeyEnv   string `yaml:"operator_key_env" toml:"operator_key_env"`
	OperatorKeystore string `yaml:"operator_keystore" toml:"operator_keystore"`

	// OperatorPassphraseEnv names the variable holding the keystore passphrase.
	// When unset and stdin is a terminal, the passphrase is prompted for.
	OperatorPassphraseEnv string   `yaml:"operator_passphrase_env" toml:"operator_passphrase_env"`
	ReceiptTimeout        Duration `yaml:"receipt_timeout" toml:"receipt_timeout"`
	PollInterval          Duration `yaml:"poll_interval" toml:"poll_interval"`
	RequestsPerSecond     float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst                 int      `yaml:"burst" toml:"burst"`

	// TxFee and OperatorGenesis only apply to the memory ledger, in base units.
	TxFee           string `yaml:"tx_fee" toml:"tx_fee"`
	OperatorGenesis string `yaml:"operator_genesis" toml:"operator_genesis"`
}

// ContractConfig locates the escrow bytecode and caps gas per operation.
type ContractConfig struct {
	BytecodePath string              `yaml:"bytecode_path" toml:"bytecode_path"`
	Gas          logistics.GasLimits `yaml:"gas" toml:"gas"`
}

// WalletsConfig controls provisioning of user accounts.
type WalletsConfig struct {
	// InitialBalance is credited to every new account, in base units.
	InitialBalance string `yaml:"initial_balance" toml:"initial_balance"`
	PassphraseEnv  string `yaml:"passphrase_env" toml:"passphrase_env"`
	LightScrypt    bool   `yaml:"light_scrypt" toml:"light_scrypt"`
}

// AmountsConfig converts order cents into ledger base units.
type AmountsConfig struct {
	UnitsPerMinor string `yaml:"units_per_minor" toml:"units_per_minor"`
}

// OrdersConfig tunes post-call verification.
type OrdersConfig struct {
	VerifyAttempts int      `yaml:"verify_attempts" toml:"verify_attempts"`
	VerifyBackoff  Duration `yaml:"verify_backoff" toml:"verify_backoff"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// RateLimitConfig throttles API clients.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// StoreSeed registers a store and its owner at startup.
type StoreSeed struct {
	ID      string `yaml:"id" toml:"id"`
	OwnerID string `yaml:"owner_id" toml:"owner_id"`
	Name    string `yaml:"name" toml:"name"`
}
