package wallet

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no wallet is persisted for a user.
	ErrNotFound = errors.New("wallet: not found")
	// ErrExists is returned when a create would overwrite a persisted wallet.
	ErrExists = errors.New("wallet: already exists")
)

// Record is the persisted form of a wallet. The key is kept as an encrypted
// keystore document so the store never sees it in the clear.
type Record struct {
	UserID       string
	Address      string
	EncryptedKey []byte
	Funded       bool
	FundingTx    string
	CreatedAt    time.Time
	FundedAt     *time.Time
}

// Store persists wallet records.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*Record, error)
	CreateWallet(ctx context.Context, rec *Record) error
	MarkWalletFunded(ctx context.Context, userID, txHash string, at time.Time) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.EncryptedKey = append([]byte(nil), rec.EncryptedKey...)
	return &rec, nil
}

func (s *MemoryStore) CreateWallet(_ context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("wallet: nil record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.UserID]; ok {
		return ErrExists
	}
	copyRec := *rec
	copyRec.EncryptedKey = append([]byte(nil), rec.EncryptedKey...)
	s.records[rec.UserID] = copyRec
	return nil
}

func (s *MemoryStore) MarkWalletFunded(_ context.Context, userID, txHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return ErrNotFound
	}
	rec.Funded = true
	rec.FundingTx = txHash
	fundedAt := at
	rec.FundedAt = &fundedAt
	s.records[userID] = rec
	return nil
}
