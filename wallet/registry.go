// Package wallet maps application users onto ledger accounts.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"courierchain/crypto"
	"courierchain/internal/keylock"
	"courierchain/ledger"
	"courierchain/observability"
)

var (
	// ErrProvisioning wraps every failure to create, fund or load a ledger account.
	ErrProvisioning = errors.New("wallet: account provisioning failed")
	// ErrInvalidUser is returned for blank user identifiers.
	ErrInvalidUser = errors.New("wallet: user id required")
)

// Wallet is a user's ledger account and its signing key.
type Wallet struct {
	UserID  string
	Address common.Address
	key     *crypto.PrivateKey
}

// Signer returns the identity used to act as the wallet's owner.
func (w *Wallet) Signer() ledger.Signer {
	if w == nil || w.key == nil {
		return ledger.Signer{}
	}
	return ledger.Signer{Address: w.Address, Key: w.key.PrivateKey}
}

// Config wires a Registry.
type Config struct {
	Switcher *ledger.Switcher
	// Operator funds new accounts.
	Operator       ledger.Signer
	Store          Store
	InitialBalance *big.Int
	Passphrase     string
	Scrypt         crypto.ScryptParams
	Logger         *slog.Logger
	Metrics        *observability.EscrowMetrics
	Now            func() time.Time
}

// Registry provisions at most one wallet per user.
type Registry struct {
	switcher       *ledger.Switcher
	operator       ledger.Signer
	store          Store
	initialBalance *big.Int
	passphrase     string
	scrypt         crypto.ScryptParams
	logger         *slog.Logger
	metrics        *observability.EscrowMetrics
	nowFn          func() time.Time

	locks *keylock.Locker
	mu    sync.RWMutex
	cache map[string]*Wallet
}

// NewRegistry validates cfg and builds a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Switcher == nil {
		return nil, errors.New("wallet: switcher required")
	}
	if !cfg.Operator.Valid() {
		return nil, errors.New("wallet: operator signer required")
	}
	if cfg.InitialBalance == nil || cfg.InitialBalance.Sign() <= 0 {
		return nil, errors.New("wallet: initial balance must be positive")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Scrypt.N <= 0 || cfg.Scrypt.P <= 0 {
		cfg.Scrypt = crypto.StandardScrypt
	}
	return &Registry{
		switcher:       cfg.Switcher,
		operator:       cfg.Operator,
		store:          cfg.Store,
		initialBalance: new(big.Int).Set(cfg.InitialBalance),
		passphrase:     cfg.Passphrase,
		scrypt:         cfg.Scrypt,
		logger:         cfg.Logger.With(slog.String("component", "wallet")),
		metrics:        cfg.Metrics,
		nowFn:          cfg.Now,
		locks:          keylock.New(),
		cache:          make(map[string]*Wallet),
	}, nil
}

// GetOrCreate returns the user's wallet, provisioning and funding a new ledger
// account on first use. The generated key is persisted before funding so a
// retry after a partial failure re-checks the same account instead of minting
// a second one.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if w := r.cached(userID); w != nil {
		return w, nil
	}
	unlock := r.locks.Lock(userID)
	defer unlock()
	if w := r.cached(userID); w != nil {
		return w, nil
	}

	rec, err := r.store.GetWallet(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		rec, err = r.createRecord(ctx, userID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: load %s: %w", ErrProvisioning, userID, err)
	}

	w, err := r.decode(rec)
	if err != nil {
		return nil, err
	}
	if !rec.Funded {
		if err := r.ensureFunded(ctx, w); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	r.cache[userID] = w
	r.mu.Unlock()
	return w, nil
}

// Lookup returns an existing wallet without provisioning one.
func (r *Registry) Lookup(ctx context.Context, userID string) (*Wallet, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, false, ErrInvalidUser
	}
	if w := r.cached(userID); w != nil {
		return w, true, nil
	}
	rec, err := r.store.GetWallet(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: load %s: %w", ErrProvisioning, userID, err)
	}
	if !rec.Funded {
		return nil, false, nil
	}
	w, err := r.decode(rec)
	if err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	r.cache[userID] = w
	r.mu.Unlock()
	return w, true, nil
}

func (r *Registry) cached(userID string) *Wallet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[userID]
}

func (r *Registry) createRecord(ctx context.Context, userID string) (*Record, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %w", ErrProvisioning, err)
	}
	encrypted, err := crypto.EncryptKey(key, r.passphrase, r.scrypt)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt key: %w", ErrProvisioning, err)
	}
	rec := &Record{
		UserID:       userID,
		Address:      key.Address().Hex(),
		EncryptedKey: encrypted,
		CreatedAt:    r.nowFn().UTC(),
	}
	if err := r.store.CreateWallet(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: persist %s: %w", ErrProvisioning, userID, err)
	}
	r.logger.Info("wallet key generated", slog.String("user_id", userID), slog.String("address", rec.Address))
	return rec, nil
}

func (r *Registry) decode(rec *Record) (*Wallet, error) {
	key, err := crypto.DecryptKey(rec.EncryptedKey, r.passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt key for %s: %w", ErrProvisioning, rec.UserID, err)
	}
	address, err := crypto.ParseAddress(rec.Address)
	if err != nil || address != key.Address() {
		return nil, fmt.Errorf("%w: stored address mismatch for %s", ErrProvisioning, rec.UserID)
	}
	return &Wallet{UserID: rec.UserID, Address: address, key: key}, nil
}

// ensureFunded re-queries the ledger before funding so an account that was
// funded by an attempt whose outcome got lost is not funded twice.
func (r *Registry) ensureFunded(ctx context.Context, w *Wallet) error {
	client := r.switcher.Client()
	balance, err := client.Balance(ctx, w.Address)
	if err != nil {
		return fmt.Errorf("%w: query balance for %s: %w", ErrProvisioning, w.UserID, err)
	}
	if balance.Sign() > 0 {
		return r.markFunded(ctx, w, "")
	}

	var receipt *ledger.Receipt
	err = r.switcher.Do(ctx, r.operator, func(ctx context.Context, c *ledger.Client) error {
		var createErr error
		receipt, createErr = c.CreateAccount(ctx, w.Address, r.initialBalance)
		return createErr
	})
	if errors.Is(err, ledger.ErrTimeout) {
		if bal, balErr := client.Balance(ctx, w.Address); balErr == nil && bal.Sign() > 0 {
			return r.markFunded(ctx, w, "")
		}
	}
	if err != nil {
		return fmt.Errorf("%w: fund %s: %w", ErrProvisioning, w.UserID, err)
	}
	r.metrics.RecordWalletCreated()
	return r.markFunded(ctx, w, receipt.TxHash.Hex())
}

func (r *Registry) markFunded(ctx context.Context, w *Wallet, txHash string) error {
	if err := r.store.MarkWalletFunded(ctx, w.UserID, txHash, r.nowFn().UTC()); err != nil {
		return fmt.Errorf("%w: mark %s funded: %w", ErrProvisioning, w.UserID, err)
	}
	r.logger.Info("wallet funded",
		slog.String("user_id", w.UserID),
		slog.String("address", w.Address.Hex()),
		slog.String("tx_hash", txHash),
	)
	return nil
}
