package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	for _, name := range []string{"courier.yaml", "courier.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg, err := Load(path)
			require.NoError(t, err)
			require.Equal(t, "memory", cfg.Ledger.Mode)
			require.FileExists(t, path)

			again, err := Load(path)
			require.NoError(t, err)
			require.Equal(t, cfg.Listen, again.Listen)
			require.Equal(t, 60*time.Second, again.Ledger.ReceiptTimeout.Duration)
			require.Equal(t, uint64(2_000_000), again.Contract.Gas.Create)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	contents := `listen: ":9090"
env: staging
database:
  dsn: "postgres://courier@localhost/courier"
ledger:
  mode: evm
  rpc_url: "https://testnet.hashio.io/api"
  chain_id: 296
  operator_key_env: HEDERA_OPERATOR_KEY
  receipt_timeout: 90s
  poll_interval: 2s
  requests_per_second: 5
  burst: 2
contract:
  bytecode_path: ./LogisticsContract.bin
  gas:
    deliver: 1200000
wallets:
  initial_balance: "10_000_000_000_000_000_000"
orders:
  verify_attempts: 5
  verify_backoff: 250ms
stores:
  - id: s1
    owner_id: owner-1
    name: Corner Shop
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, "evm", cfg.Ledger.Mode)
	require.Equal(t, 90*time.Second, cfg.Ledger.ReceiptTimeout.Duration)
	require.Equal(t, 250*time.Millisecond, cfg.Orders.VerifyBackoff.Duration)
	require.Equal(t, uint64(1_200_000), cfg.Contract.Gas.Deliver)
	require.Equal(t, uint64(400_000), cfg.Contract.Gas.Fund, "unset gas falls back to defaults")
	require.Len(t, cfg.Stores, 1)

	balance, err := cfg.InitialBalance()
	require.NoError(t, err)
	require.Equal(t, "10000000000000000000", balance.String())
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.toml")
	contents := `listen = ":7070"

[ledger]
mode = "memory"
operator_genesis = "5000000"
tx_fee = "10"

[wallets]
initial_balance = "1000"

[amounts]
units_per_minor = "1"

[[stores]]
id = "s1"
owner_id = "owner-1"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	fee, err := cfg.TxFee()
	require.NoError(t, err)
	require.Equal(t, int64(10), fee.Int64())
	units, err := cfg.UnitsPerMinor()
	require.NoError(t, err)
	require.Equal(t, int64(1), units.Int64())
	require.Equal(t, "owner-1", cfg.Stores[0].OwnerID)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("listen: \":1\"\nlistne: typo\n"), 0o600))
	_, err := Load(yamlPath)
	require.Error(t, err)

	tomlPath := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("listne = \"typo\"\n"), 0o600))
	_, err = Load(tomlPath)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "listne"))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown mode":        func(c *Config) { c.Ledger.Mode = "carrier-pigeon" },
		"evm without rpc":     func(c *Config) { c.Ledger.Mode = "evm"; c.Contract.BytecodePath = "x.bin" },
		"evm without code":    func(c *Config) { c.Ledger.Mode = "evm"; c.Ledger.RPCURL = "http://node" },
		"zero balance":        func(c *Config) { c.Wallets.InitialBalance = "0" },
		"bad units":           func(c *Config) { c.Amounts.UnitsPerMinor = "ten" },
		"sample ratio":        func(c *Config) { c.Telemetry.SampleRatio = 2 },
		"store without owner": func(c *Config) { c.Stores = []StoreSeed{{ID: "s1"}} },
		"duplicate store": func(c *Config) {
			c.Stores = []StoreSeed{{ID: "s1", OwnerID: "a"}, {ID: "s1", OwnerID: "b"}}
		},
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	require.NoError(t, Validate(Default()))
}
