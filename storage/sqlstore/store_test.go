package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"courierchain/orders"
	"courierchain/wallet"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleOrder(id string, created time.Time) *orders.Order {
	return &orders.Order{
		ID:          id,
		UserID:      "u1",
		StoreID:     "s1",
		TotalPrice:  5000,
		DeliveryFee: 500,
		Status:      orders.StatusPending,
		ContractID:  "contract-" + id,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestWriteIsCreateOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Write(ctx, sampleOrder("o1", now)))
	err := store.Write(ctx, sampleOrder("o1", now))
	require.ErrorIs(t, err, orders.ErrExists)

	got, err := store.Read(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, orders.Amount(5000), got.TotalPrice)
	require.Equal(t, orders.StatusPending, got.Status)
	require.True(t, got.CreatedAt.Equal(now))

	_, err = store.Read(ctx, "missing")
	require.ErrorIs(t, err, orders.ErrNotFound)
}

func TestWriteKeepsContractsUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Write(ctx, sampleOrder("o1", now)))
	second := sampleOrder("o2", now)
	second.ContractID = "contract-o1"
	require.ErrorIs(t, store.Write(ctx, second), orders.ErrContractTaken)

	_, err := store.Read(ctx, "o2")
	require.ErrorIs(t, err, orders.ErrNotFound)

	// Orders without a contract do not collide with each other.
	for _, id := range []string{"legacy-1", "legacy-2"} {
		o := sampleOrder(id, now)
		o.ContractID = ""
		require.NoError(t, store.Write(ctx, o))
		got, err := store.Read(ctx, id)
		require.NoError(t, err)
		require.Empty(t, got.ContractID)
	}

	holders, err := store.Query(ctx, orders.Filter{ContractID: "contract-o1"})
	require.NoError(t, err)
	require.Len(t, holders, 1)
	require.Equal(t, "o1", holders[0].ID)

	// The unique index backs the check for writers that bypass Write.
	dup := toRecord(sampleOrder("o3", now))
	dup.ContractID = nullable("contract-o1")
	require.Error(t, store.DB().Create(&dup).Error)
}

func TestUpdateChecksVersion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Write(ctx, sampleOrder("o1", now)))

	first, err := store.Read(ctx, "o1")
	require.NoError(t, err)
	stale := first.Clone()

	first.Status = orders.StatusAssigned
	first.DeliveryAgentID = "a1"
	assigned := now.Add(time.Minute)
	first.AssignedAt = &assigned
	require.NoError(t, store.Update(ctx, first))
	require.Equal(t, int64(1), first.Version)

	stale.Status = orders.StatusCancelled
	require.ErrorIs(t, store.Update(ctx, stale), orders.ErrConflict)

	got, err := store.Read(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, orders.StatusAssigned, got.Status)
	require.Equal(t, "a1", got.DeliveryAgentID)
	require.NotNil(t, got.AssignedAt)
	require.True(t, got.AssignedAt.Equal(assigned))

	ghost := sampleOrder("ghost", now)
	require.ErrorIs(t, store.Update(ctx, ghost), orders.ErrNotFound)
}

func TestQueryFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		o := sampleOrder(fmt.Sprintf("o%d", i), base.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			o.UserID = "u2"
			o.StoreID = "s2"
		}
		if i == 3 {
			o.Status = orders.StatusAssigned
			o.DeliveryAgentID = "a1"
		}
		require.NoError(t, store.Write(ctx, o))
	}

	byUser, err := store.Query(ctx, orders.Filter{UserID: "u2", NewestFirst: true})
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	require.Equal(t, "o3", byUser[0].ID)

	pending, err := store.Query(ctx, orders.Filter{Status: orders.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "o0", pending[0].ID)

	agent, err := store.Query(ctx, orders.Filter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, agent, 1)

	others, err := store.Query(ctx, orders.Filter{ExcludeAgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, others, 3)

	recent, err := store.Query(ctx, orders.Filter{Limit: 2, NewestFirst: true})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "o3", recent[0].ID)
	require.Equal(t, "o2", recent[1].ID)
}

func TestAuditTrailOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, ev := range []orders.Event{orders.EventCreate, orders.EventSelect, orders.EventAccept} {
		require.NoError(t, store.AppendAudit(ctx, orders.AuditEntry{
			ID: uuid.NewString(), OrderID: "o1", Event: ev, At: at,
		}))
	}
	trail, err := store.AuditTrail(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	require.Equal(t, orders.EventAccept, trail[2].Event)
}

func TestDirectory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.StoreOwner(ctx, "s1")
	require.ErrorIs(t, err, orders.ErrNotFound)

	require.NoError(t, store.UpsertStore(ctx, "s1", "owner-1", "Corner Shop"))
	owner, err := store.StoreOwner(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "owner-1", owner)

	require.NoError(t, store.UpsertStore(ctx, "s1", "owner-2", "Corner Shop"))
	owns, err := store.OwnsStore(ctx, "owner-1", "s1")
	require.NoError(t, err)
	require.False(t, owns)
	owns, err = store.OwnsStore(ctx, "owner-2", "s1")
	require.NoError(t, err)
	require.True(t, owns)
}

func TestWalletStore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.GetWallet(ctx, "u1")
	if !errors.Is(err, wallet.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	rec := &wallet.Record{
		UserID:       "u1",
		Address:      "0x00000000000000000000000000000000000000b1",
		EncryptedKey: []byte(`{"version":3}`),
		CreatedAt:    created,
	}
	require.NoError(t, store.CreateWallet(ctx, rec))
	require.ErrorIs(t, store.CreateWallet(ctx, rec), wallet.ErrExists)

	require.NoError(t, store.MarkWalletFunded(ctx, "u1", "0xfeed", created.Add(time.Second)))
	got, err := store.GetWallet(ctx, "u1")
	require.NoError(t, err)
	require.True(t, got.Funded)
	require.Equal(t, "0xfeed", got.FundingTx)
	require.Equal(t, rec.EncryptedKey, got.EncryptedKey)
	require.NotNil(t, got.FundedAt)

	require.ErrorIs(t, store.MarkWalletFunded(ctx, "nobody", "0x", created), wallet.ErrNotFound)
}

func TestDriver(t *testing.T) {
	require.Equal(t, "postgres", Driver("postgres://u:p@db/orders"))
	require.Equal(t, "postgres", Driver(" postgresql://db/orders"))
	require.Equal(t, "sqlite", Driver("file:orders.db?cache=shared"))
	require.Equal(t, "sqlite", Driver("/var/lib/courierd/orders.db"))
}
