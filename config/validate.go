package config

import (
	"fmt"
	"math/big"
	"strings"
)

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("listen: address required")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database: dsn required")
	}
	switch cfg.Ledger.Mode {
	case "memory":
		if _, err := cfg.OperatorGenesis(); err != nil {
			return err
		}
		if _, err := cfg.TxFee(); err != nil {
			return err
		}
	case "evm":
		if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
			return fmt.Errorf("ledger: rpc_url required in evm mode")
		}
		if cfg.Ledger.ChainID <= 0 {
			return fmt.Errorf("ledger: chain_id must be positive")
		}
		if cfg.Ledger.OperatorKeyEnv == "" && cfg.Ledger.OperatorKeystore == "" {
			return fmt.Errorf("ledger: operator_key_env or operator_keystore required")
		}
		if strings.TrimSpace(cfg.Contract.BytecodePath) == "" {
			return fmt.Errorf("contract: bytecode_path required in evm mode")
		}
	default:
		return fmt.Errorf("ledger: unknown mode %q", cfg.Ledger.Mode)
	}
	if cfg.Ledger.ReceiptTimeout.Duration < 0 || cfg.Ledger.PollInterval.Duration < 0 {
		return fmt.Errorf("ledger: durations must not be negative")
	}
	if cfg.Ledger.RequestsPerSecond < 0 || cfg.Ledger.Burst < 0 {
		return fmt.Errorf("ledger: rate limits must not be negative")
	}
	if _, err := cfg.InitialBalance(); err != nil {
		return err
	}
	if _, err := cfg.UnitsPerMinor(); err != nil {
		return err
	}
	if cfg.Orders.VerifyAttempts < 0 {
		return fmt.Errorf("orders: verify_attempts must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	seen := make(map[string]struct{}, len(cfg.Stores))
	for i, s := range cfg.Stores {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.OwnerID) == "" {
			return fmt.Errorf("stores[%d]: id and owner_id required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("stores[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// InitialBalance parses wallets.initial_balance, which must be positive.
func (c *Config) InitialBalance() (*big.Int, error) {
	v, err := parseUintAmount(c.Wallets.InitialBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid wallets.initial_balance: %w", err)
	}
	if v.Sign() == 0 {
		return nil, fmt.Errorf("invalid wallets.initial_balance: must be positive")
	}
	return v, nil
}

// UnitsPerMinor parses amounts.units_per_minor, defaulting to one.
func (c *Config) UnitsPerMinor() (*big.Int, error) {
	if strings.TrimSpace(c.Amounts.UnitsPerMinor) == "" {
		return big.NewInt(1), nil
	}
	v, err := parseUintAmount(c.Amounts.UnitsPerMinor)
	if err != nil {
		return nil, fmt.Errorf("invalid amounts.units_per_minor: %w", err)
	}
	if v.Sign() == 0 {
		return nil, fmt.Errorf("invalid amounts.units_per_minor: must be positive")
	}
	return v, nil
}

// TxFee parses ledger.tx_fee. Empty means no fee.
func (c *Config) TxFee() (*big.Int, error) {
	if strings.TrimSpace(c.Ledger.TxFee) == "" {
		return new(big.Int), nil
	}
	v, err := parseUintAmount(c.Ledger.TxFee)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger.tx_fee: %w", err)
	}
	return v, nil
}

// OperatorGenesis parses ledger.operator_genesis for the memory ledger.
func (c *Config) OperatorGenesis() (*big.Int, error) {
	v, err := parseUintAmount(c.Ledger.OperatorGenesis)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger.operator_genesis: %w", err)
	}
	return v, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, "_", ""))
	if trimmed == "" {
		return nil, fmt.Errorf("value required")
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("must not be negative")
	}
	return v, nil
}
