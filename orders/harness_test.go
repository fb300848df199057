package orders_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"courierchain/crypto"
	"courierchain/escrow"
	"courierchain/ledger"
	"courierchain/ledger/memledger"
	"courierchain/orders"
	"courierchain/storage/sqlstore"
	"courierchain/wallet"
)

const (
	customerID = "u1"
	storeID    = "s1"
	ownerID    = "owner-1"
	agentID    = "a1"
	startFunds = 1_000_000
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// flakyStore fails the next failUpdates calls to Update.
type flakyStore struct {
	*sqlstore.Store
	mu          sync.Mutex
	failUpdates int
}

func (s *flakyStore) Update(ctx context.Context, o *orders.Order) error {
	s.mu.Lock()
	if s.failUpdates > 0 {
		s.failUpdates--
		s.mu.Unlock()
		return fmt.Errorf("injected update failure")
	}
	s.mu.Unlock()
	return s.Store.Update(ctx, o)
}

type harness struct {
	engine   *orders.Engine
	store    *flakyStore
	sql      *sqlstore.Store
	mem      *memledger.Ledger
	registry *wallet.Registry
	manager  *escrow.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sql, err := sqlstore.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sql.Close() })
	require.NoError(t, sql.UpsertStore(ctx, storeID, ownerID, "Corner Shop"))

	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	operator := ledger.NewSigner(key)
	mem := memledger.New(memledger.WithGenesis(operator.Address, big.NewInt(1_000_000_000)))
	client, err := ledger.NewClient(mem, operator)
	require.NoError(t, err)
	sw, err := ledger.NewSwitcher(client)
	require.NoError(t, err)

	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	registry, err := wallet.NewRegistry(wallet.Config{
		Switcher:       sw,
		Operator:       operator,
		Store:          sql,
		InitialBalance: big.NewInt(startFunds),
		Passphrase:     "test-pass",
		Scrypt:         crypto.LightScrypt,
		Now:            clk.Now,
	})
	require.NoError(t, err)
	manager, err := escrow.NewManager(escrow.Config{
		Switcher: sw,
		Bytecode: escrow.StaticBytecode([]byte{0x60, 0x80, 0x60, 0x40}),
	})
	require.NoError(t, err)

	store := &flakyStore{Store: sql}
	engine, err := orders.NewEngine(orders.Config{
		Store:          store,
		Directory:      sql,
		Wallets:        registry,
		Contracts:      manager,
		Audit:          sql,
		VerifyAttempts: 2,
		Now:            clk.Now,
	})
	require.NoError(t, err)
	return &harness{engine: engine, store: store, sql: sql, mem: mem, registry: registry, manager: manager}
}

func (h *harness) create(t *testing.T) *orders.Result {
	t.Helper()
	res, err := h.engine.CreateOrder(context.Background(), orders.CreateParams{
		UserID:      customerID,
		StoreID:     storeID,
		TotalPrice:  5000,
		DeliveryFee: 500,
	})
	require.NoError(t, err)
	return res
}

// advance creates an order and drives it to status through the engine.
func (h *harness) advance(t *testing.T, status orders.Status) *orders.Order {
	t.Helper()
	ctx := context.Background()
	order := h.create(t).Order
	steps := []struct {
		reach orders.Status
		run   func() (*orders.Result, error)
	}{
		{orders.StatusAssigned, func() (*orders.Result, error) { return h.engine.SelectContract(ctx, agentID, order.ID) }},
		{orders.StatusInDelivery, func() (*orders.Result, error) { return h.engine.AcceptDelivery(ctx, order.ID, agentID) }},
		{orders.StatusInTransit, func() (*orders.Result, error) { return h.engine.ConfirmPickup(ctx, order.ID, ownerID) }},
		{orders.StatusDelivered, func() (*orders.Result, error) { return h.engine.ConfirmDelivery(ctx, order.ID, agentID) }},
	}
	if status == orders.StatusCancelled {
		res, err := h.engine.CancelOrder(ctx, order.ID, customerID)
		require.NoError(t, err)
		return res.Order
	}
	for _, step := range steps {
		if order.Status == status {
			break
		}
		res, err := step.run()
		require.NoError(t, err, "reaching %s", step.reach)
		require.Equal(t, step.reach, res.Order.Status)
		order = res.Order
	}
	require.Equal(t, status, order.Status)
	return order
}

func (h *harness) address(t *testing.T, userID string) common.Address {
	t.Helper()
	w, ok, err := h.registry.Lookup(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok, "wallet for %s", userID)
	return w.Address
}

func (h *harness) wallet(t *testing.T, userID string) *wallet.Wallet {
	t.Helper()
	w, err := h.registry.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	return w
}

func (h *harness) stored(t *testing.T, orderID string) *orders.Order {
	t.Helper()
	o, err := h.sql.Read(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

func mustAmount(t *testing.T, raw string) orders.Amount {
	t.Helper()
	a, err := orders.ParseAmount(raw)
	require.NoError(t, err)
	return a
}
