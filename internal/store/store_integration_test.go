package store_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendmirror/internal/store"
	"lendmirror/internal/testutil"
)

var (
	alice = common.HexToAddress("0x1111000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x2222000000000000000000000000000000000002")
	weth  = common.HexToAddress("0x3333000000000000000000000000000000000003")
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	if err := store.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st, err := store.Open(ctx, testutil.TestPostgresDSN())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAccounts_EnsureIsIdempotent(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.EnsureAccount(ctx, alice); err != nil {
		t.Fatal(err)
	}
	first, err := st.GetAccount(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}

	if err := st.EnsureAccount(ctx, alice); err != nil {
		t.Fatal(err)
	}
	second, err := st.GetAccount(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Error("re-ensure changed created_at")
	}

	if _, err := st.GetAccount(ctx, bob); err != store.ErrNotFound {
		t.Errorf("unknown account err = %v, want ErrNotFound", err)
	}
}

func TestAssets_Lifecycle(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.SupportAsset(ctx, store.Asset{
		Address: weth, Name: "Wrapped Ether", Symbol: "WETH", Decimals: 18,
	}); err != nil {
		t.Fatal(err)
	}
	deposits, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	if err := st.SetAssetTotals(ctx, weth, deposits, big.NewInt(7)); err != nil {
		t.Fatal(err)
	}

	a, err := st.GetAsset(ctx, weth)
	if err != nil {
		t.Fatal(err)
	}
	if a.TotalDeposits.Cmp(deposits) != 0 {
		t.Errorf("total deposits = %s, uint256 max did not survive the column", a.TotalDeposits)
	}

	if err := st.UnsupportAsset(ctx, weth); err != nil {
		t.Fatal(err)
	}
	listed, err := st.ListAssets(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 0 {
		t.Errorf("supported assets after unsupport = %v", listed)
	}

	if err := st.UnsupportAsset(ctx, bob); err != store.ErrNotFound {
		t.Errorf("unsupport of unknown asset err = %v, want ErrNotFound", err)
	}

	if err := st.DeleteAsset(ctx, weth); err != nil {
		t.Fatalf("delete asset: %v", err)
	}
	if err := st.DeleteAsset(ctx, weth); err != store.ErrNotFound {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

// Positions reference accounts and assets; an asset first seen through a
// balance event gets an unsupported placeholder row so the reference holds.
func TestAccountAssets_EnsureAssetSatisfiesReference(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.EnsureAccount(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertAccountAsset(ctx, alice, weth, big.NewInt(1), big.NewInt(0)); err == nil {
		t.Fatal("upsert against an unknown asset must fail the reference")
	}

	if err := st.EnsureAsset(ctx, store.Asset{Address: weth, Symbol: "WETH", Decimals: 18}); err != nil {
		t.Fatal(err)
	}
	a, err := st.GetAsset(ctx, weth)
	if err != nil {
		t.Fatal(err)
	}
	if a.Supported {
		t.Error("ensured asset must start unsupported")
	}
	if err := st.UpsertAccountAsset(ctx, alice, weth, big.NewInt(1), big.NewInt(0)); err != nil {
		t.Fatalf("upsert after ensure: %v", err)
	}

	// Re-ensuring leaves the existing row untouched.
	if err := st.EnsureAsset(ctx, store.Asset{Address: weth, Symbol: "XXX", Decimals: 8}); err != nil {
		t.Fatal(err)
	}
	a, _ = st.GetAsset(ctx, weth)
	if a.Symbol != "WETH" || a.Decimals != 18 {
		t.Errorf("metadata = %q/%d, re-ensure must keep WETH/18", a.Symbol, a.Decimals)
	}
}

func TestAccountAssets_SetOnMissingRow(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.EnsureAccount(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if err := st.SupportAsset(ctx, store.Asset{Address: weth, Symbol: "WETH", Decimals: 18}); err != nil {
		t.Fatal(err)
	}

	updated, err := st.SetDeposited(ctx, alice, weth, big.NewInt(10))
	if err != nil {
		t.Fatal(err)
	}
	if updated {
		t.Error("SetDeposited reported update for missing position")
	}

	if err := st.UpsertAccountAsset(ctx, alice, weth, big.NewInt(10), big.NewInt(4)); err != nil {
		t.Fatal(err)
	}
	updated, err = st.SetBorrowed(ctx, alice, weth, big.NewInt(5))
	if err != nil {
		t.Fatal(err)
	}
	if !updated {
		t.Error("SetBorrowed missed existing position")
	}

	p, err := st.GetAccountAsset(ctx, alice, weth)
	if err != nil {
		t.Fatal(err)
	}
	if p.Deposited.Int64() != 10 || p.Borrowed.Int64() != 5 {
		t.Errorf("position = %s/%s", p.Deposited, p.Borrowed)
	}

	borrowers, err := st.ListBorrowers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(borrowers) != 1 || borrowers[0] != alice {
		t.Errorf("borrowers = %v", borrowers)
	}

	if err := st.DeleteAccountAsset(ctx, alice, weth); err != nil {
		t.Fatalf("delete position: %v", err)
	}
	if _, err := st.GetAccountAsset(ctx, alice, weth); err != store.ErrNotFound {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
}

func TestTransactions_DedupAndFilter(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if err := st.EnsureAccount(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if err := st.SupportAsset(ctx, store.Asset{Address: weth, Symbol: "WETH", Decimals: 18}); err != nil {
		t.Fatal(err)
	}

	acct := alice
	tx := store.Transaction{
		TxHash:      common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001"),
		Kind:        store.TxDeposit,
		Account:     &acct,
		Asset:       weth,
		Amount:      big.NewInt(1000),
		BlockNumber: 42,
		LogIndex:    1,
		OccurredAt:  time.Unix(1700000000, 0).UTC(),
	}
	inserted, err := st.InsertTransaction(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first insert reported duplicate")
	}
	inserted, err = st.InsertTransaction(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("replayed insert was not deduplicated")
	}

	has, err := st.HasTransaction(ctx, tx.TxHash)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("HasTransaction = false for stored hash")
	}

	latest, err := st.LatestBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest != 42 {
		t.Errorf("latest block = %d, want 42", latest)
	}

	txs, err := st.ListTransactions(ctx, store.TxFilter{Account: &acct, Kind: store.TxDeposit})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].Amount.Int64() != 1000 {
		t.Errorf("filtered transactions = %v", txs)
	}

	// Strict create surfaces the duplicate instead of swallowing it.
	if err := st.CreateTransaction(ctx, tx); err != store.ErrAlreadyExists {
		t.Errorf("strict create err = %v, want ErrAlreadyExists", err)
	}

	accounts, err := st.ListAccounts(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].Address != alice {
		t.Errorf("accounts = %v", accounts)
	}

	if err := st.DeleteTransaction(ctx, tx.TxHash); err != nil {
		t.Fatalf("delete transaction: %v", err)
	}
	if _, err := st.GetTransaction(ctx, tx.TxHash); err != store.ErrNotFound {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
}
