package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/term"

	"courierchain/config"
	"courierchain/crypto"
	"courierchain/escrow"
	"courierchain/gateway"
	"courierchain/gateway/middleware"
	"courierchain/ledger"
	"courierchain/ledger/evm"
	"courierchain/ledger/memledger"
	"courierchain/observability"
	"courierchain/observability/logging"
	"courierchain/orders"
	"courierchain/storage/sqlstore"
	"courierchain/wallet"
)

// memoryBytecode stands in for the compiled program on the memory ledger,
// which only reads the constructor arguments appended after it.
var memoryBytecode = []byte{0x60, 0x80, 0x60, 0x40, 0x52}

type app struct {
	store    *sqlstore.Store
	engine   *orders.Engine
	handler  http.Handler
	operator common.Address
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if !strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlstore.Open(dsn)
	if err != nil {
		return nil, err
	}
	for _, seed := range cfg.Stores {
		if err := store.UpsertStore(ctx, seed.ID, seed.OwnerID, seed.Name); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed store %s: %w", seed.ID, err)
		}
	}
	return store, nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, getenv func(string) string) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	operatorKey, err := loadOperator(cfg, getenv, logger)
	if err != nil {
		return nil, err
	}
	operator := ledger.NewSigner(operatorKey.PrivateKey)
	a.operator = operator.Address

	transport, bytecode, ready, err := openLedger(cfg, operator, a)
	if err != nil {
		return nil, err
	}

	metrics := observability.Escrow()
	client, err := ledger.NewClient(transport, operator, ledger.WithLogger(logger), ledger.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	switcher, err := ledger.NewSwitcher(client)
	if err != nil {
		return nil, err
	}

	initial, err := cfg.InitialBalance()
	if err != nil {
		return nil, err
	}
	scrypt := crypto.StandardScrypt
	if cfg.Wallets.LightScrypt {
		scrypt = crypto.LightScrypt
	}
	registry, err := wallet.NewRegistry(wallet.Config{
		Switcher:       switcher,
		Operator:       operator,
		Store:          store,
		InitialBalance: initial,
		Passphrase:     envValue(getenv, cfg.Wallets.PassphraseEnv),
		Scrypt:         scrypt,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return nil, err
	}
	manager, err := escrow.NewManager(escrow.Config{
		Switcher: switcher,
		Bytecode: bytecode,
		Gas:      cfg.Contract.Gas,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	units, err := cfg.UnitsPerMinor()
	if err != nil {
		return nil, err
	}
	engine, err := orders.NewEngine(orders.Config{
		Store:          store,
		Directory:      store,
		Wallets:        registry,
		Contracts:      manager,
		Audit:          store,
		UnitsPerMinor:  units,
		VerifyAttempts: cfg.Orders.VerifyAttempts,
		VerifyBackoff:  cfg.Orders.VerifyBackoff.Duration,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return nil, err
	}
	a.engine = engine

	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"api": {
			RatePerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:         cfg.RateLimit.Burst,
			DefaultTokens: 1,
			// Order mutations hit the ledger; reads are cheap.
			Tokens: map[string]int{"POST /api": 2},
		},
	}, logger)
	srv, err := gateway.New(gateway.Config{
		Orders:        engine,
		Logger:        logger,
		RateLimiter:   limiter,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "courierd", LogRequests: true}, logger),
		Ready:         ready,
	})
	if err != nil {
		return nil, err
	}
	a.handler = srv.Handler()
	ok = true
	return a, nil
}

// openLedger returns the transport, the bytecode source and an optional readiness probe.
func openLedger(cfg *config.Config, operator ledger.Signer, a *app) (ledger.Transport, escrow.BytecodeSource, func(context.Context) error, error) {
	switch cfg.Ledger.Mode {
	case "evm":
		rpc, err := evm.Dial(cfg.Ledger.RPCURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dial ledger %s: %w", logging.MaskURL(cfg.Ledger.RPCURL), err)
		}
		a.closers = append(a.closers, rpc.Close)
		transport, err := evm.New(rpc, evm.Config{
			ChainID:           big.NewInt(cfg.Ledger.ChainID),
			ReceiptTimeout:    cfg.Ledger.ReceiptTimeout.Duration,
			PollInterval:      cfg.Ledger.PollInterval.Duration,
			RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
			Burst:             cfg.Ledger.Burst,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		ready := func(ctx context.Context) error {
			_, err := transport.Balance(ctx, operator.Address)
			return err
		}
		return transport, escrow.BytecodeFile(cfg.Contract.BytecodePath), ready, nil
	case "memory":
		genesis, err := cfg.OperatorGenesis()
		if err != nil {
			return nil, nil, nil, err
		}
		fee, err := cfg.TxFee()
		if err != nil {
			return nil, nil, nil, err
		}
		mem := memledger.New(memledger.WithGenesis(operator.Address, genesis), memledger.WithTxFee(fee))
		bytecode := escrow.StaticBytecode(memoryBytecode)
		if path := strings.TrimSpace(cfg.Contract.BytecodePath); path != "" {
			bytecode = escrow.BytecodeFile(path)
		}
		return mem, bytecode, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown ledger mode %q", cfg.Ledger.Mode)
	}
}

// loadOperator reads the operator key from the configured environment variable
// or keystore. The memory ledger falls back to an ephemeral key.
func loadOperator(cfg *config.Config, getenv func(string) string, logger *slog.Logger) (*crypto.PrivateKey, error) {
	if raw := envValue(getenv, cfg.Ledger.OperatorKeyEnv); raw != "" {
		key, err := crypto.PrivateKeyFromHex(raw)
		if err != nil {
			return nil, fmt.Errorf("decode operator key from %s: %w", cfg.Ledger.OperatorKeyEnv, err)
		}
		return key, nil
	}
	if path := strings.TrimSpace(cfg.Ledger.OperatorKeystore); path != "" {
		passphrase, err := operatorPassphrase(cfg, getenv)
		if err != nil {
			return nil, err
		}
		key, err := crypto.LoadFromKeystore(path, passphrase)
		if err != nil {
			return nil, fmt.Errorf("load operator keystore: %w", err)
		}
		return key, nil
	}
	if cfg.Ledger.Mode != "memory" {
		return nil, errors.New("operator key required: set the key env var or a keystore path")
	}
	logger.Warn("no operator key configured, using an ephemeral key for the memory ledger")
	return crypto.GeneratePrivateKey()
}

func operatorPassphrase(cfg *config.Config, getenv func(string) string) (string, error) {
	if cfg.Ledger.OperatorPassphraseEnv != "" {
		if v := getenv(cfg.Ledger.OperatorPassphraseEnv); v != "" {
			return v, nil
		}
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("operator keystore passphrase not provided and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Operator keystore passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(pass), nil
}

func envValue(getenv func(string) string, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(getenv(name))
}
