package liquidation_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"lendmirror/internal/liquidation"
	"lendmirror/internal/observability"
	"lendmirror/internal/store"
	"lendmirror/internal/testutil"
)

var metrics = observability.NewMetrics()

var (
	alice = common.HexToAddress("0x1111000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x2222000000000000000000000000000000000002")
	weth  = common.HexToAddress("0x3333000000000000000000000000000000000003")
)

func setup(t *testing.T) (*liquidation.Recalculator, *testutil.MemoryStore, *testutil.FakeChain, *testutil.CapturePublisher) {
	t.Helper()
	st := testutil.NewMemoryStore()
	ch := testutil.NewFakeChain()
	pub := &testutil.CapturePublisher{}
	return liquidation.NewRecalculator(ch, st, pub, metrics), st, ch, pub
}

func borrowerPosition(t *testing.T, st *testutil.MemoryStore, account common.Address) {
	t.Helper()
	ctx := context.Background()
	if err := st.EnsureAccount(ctx, account); err != nil {
		t.Fatal(err)
	}
	if err := st.EnsureAsset(ctx, store.Asset{Address: weth, Symbol: "WETH", Decimals: 18}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertAccountAsset(ctx, account, weth, big.NewInt(0), big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
}

func TestRun_PublishesOnlyOnMembershipChange(t *testing.T) {
	recalc, st, ch, pub := setup(t)
	ctx := context.Background()

	borrowerPosition(t, st, alice)
	borrowerPosition(t, st, bob)
	ch.Shortfalls[alice] = big.NewInt(5)
	ch.Height = 900

	if err := recalc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if pub.Count() != 1 {
		t.Fatalf("publishes = %d, want 1", pub.Count())
	}
	if got := pub.Last(); len(got) != 1 || got[0] != alice {
		t.Fatalf("published set = %v, want [alice]", got)
	}
	if pub.Heights[0] != 900 {
		t.Errorf("published height = %d, want 900", pub.Heights[0])
	}
	if recalc.LastHeight() != 900 {
		t.Errorf("LastHeight = %d, want 900", recalc.LastHeight())
	}

	// Same membership: no new publish.
	if err := recalc.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if pub.Count() != 1 {
		t.Errorf("publishes = %d after unchanged run, want 1", pub.Count())
	}

	// Bob slips under water: one more publish with the full new set.
	ch.Shortfalls[bob] = big.NewInt(1)
	if err := recalc.Run(ctx); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if pub.Count() != 2 {
		t.Fatalf("publishes = %d, want 2", pub.Count())
	}
	if got := pub.Last(); len(got) != 2 {
		t.Fatalf("published set = %v, want [alice, bob]", got)
	}
}

func TestRun_SetIsSorted(t *testing.T) {
	recalc, st, ch, pub := setup(t)
	ctx := context.Background()

	borrowerPosition(t, st, bob)
	borrowerPosition(t, st, alice)
	ch.Shortfalls[alice] = big.NewInt(1)
	ch.Shortfalls[bob] = big.NewInt(1)

	if err := recalc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := pub.Last()
	if len(got) != 2 || got[0] != alice || got[1] != bob {
		t.Errorf("published set = %v, want sorted [alice, bob]", got)
	}

	current := recalc.Current()
	if len(current) != 2 || current[0] != alice || current[1] != bob {
		t.Errorf("Current() = %v, want sorted [alice, bob]", current)
	}
}

func TestRun_RecoveryRemovesAccount(t *testing.T) {
	recalc, st, ch, pub := setup(t)
	ctx := context.Background()

	borrowerPosition(t, st, alice)
	ch.Shortfalls[alice] = big.NewInt(9)
	if err := recalc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	ch.Shortfalls[alice] = big.NewInt(0)
	if err := recalc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if pub.Count() != 2 {
		t.Fatalf("publishes = %d, want 2", pub.Count())
	}
	if got := pub.Last(); len(got) != 0 {
		t.Errorf("published set = %v, want empty", got)
	}
	acct, err := st.GetAccount(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Liquidatable {
		t.Error("stored flag not cleared after recovery")
	}
}

func TestRun_RPCErrorKeepsPreviousClassification(t *testing.T) {
	recalc, st, ch, pub := setup(t)
	ctx := context.Background()

	borrowerPosition(t, st, alice)
	ch.Shortfalls[alice] = big.NewInt(3)
	if err := recalc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The node flakes for alice: she must not flap out of the set.
	ch.ShortfallErr[alice] = errors.New("rpc: timeout")
	if err := recalc.Run(ctx); err != nil {
		t.Fatalf("run with rpc error: %v", err)
	}

	if pub.Count() != 1 {
		t.Errorf("publishes = %d, want 1 (no change)", pub.Count())
	}
	if got := recalc.Current(); len(got) != 1 || got[0] != alice {
		t.Errorf("Current() = %v, want [alice]", got)
	}
}

// A cron tick racing a forced recheck must not both diff against the same
// stale set: one publish per membership change, no matter how many callers.
func TestRun_ConcurrentCallsPublishOnce(t *testing.T) {
	recalc, st, ch, pub := setup(t)
	ctx := context.Background()

	borrowerPosition(t, st, alice)
	ch.Shortfalls[alice] = big.NewInt(4)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recalc.Run(ctx); err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	wg.Wait()

	if pub.Count() != 1 {
		t.Errorf("publishes = %d, want 1", pub.Count())
	}
	if got := recalc.Current(); len(got) != 1 || got[0] != alice {
		t.Errorf("Current() = %v, want [alice]", got)
	}
}

func TestPrime_SuppressesRedundantPublishAfterRestart(t *testing.T) {
	recalc, st, ch, pub := setup(t)
	ctx := context.Background()

	// State persisted by a previous process.
	borrowerPosition(t, st, alice)
	if err := st.SetLiquidatable(ctx, alice, true); err != nil {
		t.Fatal(err)
	}
	ch.Shortfalls[alice] = big.NewInt(2)

	if err := recalc.Prime(ctx); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if err := recalc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if pub.Count() != 0 {
		t.Errorf("publishes = %d, want 0 for unchanged set after restart", pub.Count())
	}
}
