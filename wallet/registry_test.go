package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"courierchain/crypto"
	"courierchain/ledger"
	"courierchain/ledger/memledger"
)

type fixture struct {
	registry *Registry
	store    *MemoryStore
	mem      *memledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate operator key: %v", err)
	}
	operator := ledger.NewSigner(key)
	mem := memledger.New(memledger.WithGenesis(operator.Address, big.NewInt(1_000_000)))
	client, err := ledger.NewClient(mem, operator)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	sw, err := ledger.NewSwitcher(client)
	if err != nil {
		t.Fatalf("switcher: %v", err)
	}
	store := NewMemoryStore()
	registry, err := NewRegistry(Config{
		Switcher:       sw,
		Operator:       operator,
		Store:          store,
		InitialBalance: big.NewInt(1_000),
		Passphrase:     "test-pass",
		Scrypt:         crypto.LightScrypt,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return &fixture{registry: registry, store: store, mem: mem}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.registry.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := f.registry.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.Address != second.Address {
		t.Fatalf("address changed: %s vs %s", first.Address, second.Address)
	}
	if got := f.mem.Calls("transfer"); got != 1 {
		t.Fatalf("expected exactly one account creation, got %d", got)
	}
	if got := f.mem.BalanceOf(first.Address).Int64(); got != 1_000 {
		t.Fatalf("unexpected starting balance %d", got)
	}
	if !first.Signer().Valid() {
		t.Fatalf("wallet signer should be usable")
	}
}

func TestConcurrentGetOrCreateMintsOneWallet(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	addresses := make([]string, 8)
	for i := range addresses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := f.registry.GetOrCreate(context.Background(), "agent-7")
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			addresses[i] = w.Address.Hex()
		}(i)
	}
	wg.Wait()
	for _, addr := range addresses {
		if addr != addresses[0] {
			t.Fatalf("concurrent callers observed different wallets: %v", addresses)
		}
	}
	if got := f.mem.Calls("transfer"); got != 1 {
		t.Fatalf("expected one creation, got %d", got)
	}
}

func TestFundingFailureKeepsKeyAndRetriesSameAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mem.InjectFault("transfer", memledger.FaultReject)

	if _, err := f.registry.GetOrCreate(ctx, "u2"); !errors.Is(err, ErrProvisioning) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
	rec, err := f.store.GetWallet(ctx, "u2")
	if err != nil {
		t.Fatalf("expected key to be persisted before funding: %v", err)
	}
	if rec.Funded {
		t.Fatalf("record should not be funded after a rejected transfer")
	}

	w, err := f.registry.GetOrCreate(ctx, "u2")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if w.Address.Hex() != rec.Address {
		t.Fatalf("retry minted a new account %s, want %s", w.Address.Hex(), rec.Address)
	}
	rec, _ = f.store.GetWallet(ctx, "u2")
	if !rec.Funded || rec.FundingTx == "" {
		t.Fatalf("expected funded record with tx hash, got %+v", rec)
	}
}

func TestFundingTimeoutResolvedByBalanceQuery(t *testing.T) {
	f := newFixture(t)
	f.mem.InjectFault("transfer", memledger.FaultTimeoutAfterCommit)

	w, err := f.registry.GetOrCreate(context.Background(), "u3")
	if err != nil {
		t.Fatalf("expected committed-but-timed-out funding to resolve, got %v", err)
	}
	if got := f.mem.Calls("transfer"); got != 1 {
		t.Fatalf("funding must not be resubmitted, saw %d transfers", got)
	}
	if f.mem.BalanceOf(w.Address).Sign() == 0 {
		t.Fatalf("expected funded account")
	}
}

func TestDroppedFundingIsResubmittedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mem.InjectFault("transfer", memledger.FaultTimeoutBeforeCommit)
	if _, err := f.registry.GetOrCreate(ctx, "u4"); !errors.Is(err, ledger.ErrTimeout) {
		t.Fatalf("expected wrapped timeout, got %v", err)
	}
	if _, err := f.registry.GetOrCreate(ctx, "u4"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := f.registry.GetOrCreate(ctx, "u4"); err != nil {
		t.Fatalf("cached call: %v", err)
	}
	if got := f.mem.Calls("transfer"); got != 2 {
		t.Fatalf("expected one dropped and one applied transfer, got %d", got)
	}
}

func TestLookupDoesNotProvision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, ok, err := f.registry.Lookup(ctx, "nobody"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if f.mem.Calls("transfer") != 0 {
		t.Fatalf("lookup must not create accounts")
	}
	created, err := f.registry.GetOrCreate(ctx, "somebody")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	found, ok, err := f.registry.Lookup(ctx, "somebody")
	if err != nil || !ok || found.Address != created.Address {
		t.Fatalf("lookup after create: ok=%v err=%v", ok, err)
	}
	if _, err := f.registry.GetOrCreate(ctx, "  "); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}
