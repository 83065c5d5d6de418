package projector_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"lendmirror/internal/chain"
	"lendmirror/internal/event"
	"lendmirror/internal/observability"
	"lendmirror/internal/projector"
	"lendmirror/internal/store"
	"lendmirror/internal/testutil"
)

// Shared across the package: promauto registers into the default registry,
// so metrics are created once.
var metrics = observability.NewMetrics()

var (
	alice = common.HexToAddress("0xaaa1000000000000000000000000000000000001")
	weth  = common.HexToAddress("0xeee2000000000000000000000000000000000002")
)

func hashN(n byte) common.Hash {
	var h common.Hash
	h[31] = n
	return h
}

func depositEvent(n byte, amount int64) *event.Deposit {
	return &event.Deposit{
		Meta:    event.Meta{Hash: hashN(n), Block: uint64(100 + n), Index: 0},
		Account: alice,
		Asset:   weth,
		Amount:  big.NewInt(amount),
	}
}

func setup() (*projector.Projector, *testutil.MemoryStore, *testutil.FakeChain) {
	st := testutil.NewMemoryStore()
	ch := testutil.NewFakeChain()
	return projector.New(ch, st, metrics, 16), st, ch
}

func TestApply_DepositCreatesPosition(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.SetSupply(alice, weth, big.NewInt(500))

	if err := proj.Apply(ctx, depositEvent(1, 500)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pos, err := st.GetAccountAsset(ctx, alice, weth)
	if err != nil {
		t.Fatalf("position not created: %v", err)
	}
	if pos.Deposited.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("deposited = %s, want 500", pos.Deposited)
	}
	if _, err := st.GetAccount(ctx, alice); err != nil {
		t.Errorf("account not created: %v", err)
	}
	tx, err := st.GetTransaction(ctx, hashN(1))
	if err != nil {
		t.Fatalf("transaction not recorded: %v", err)
	}
	if tx.Kind != store.TxDeposit {
		t.Errorf("kind = %q, want deposit", tx.Kind)
	}
	if tx.BlockNumber != 101 {
		t.Errorf("block = %d, want 101", tx.BlockNumber)
	}
}

// The chain read is authoritative: a payload amount that disagrees with the
// chain balance must never leak into the mirror.
func TestApply_BalanceIsChainReadNotDelta(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.SetSupply(alice, weth, big.NewInt(9999))

	if err := proj.Apply(ctx, depositEvent(2, 50)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pos, _ := st.GetAccountAsset(ctx, alice, weth)
	if pos.Deposited.Cmp(big.NewInt(9999)) != 0 {
		t.Errorf("deposited = %s, want chain value 9999", pos.Deposited)
	}
}

func TestApply_DuplicateTxHashSkipped(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.SetSupply(alice, weth, big.NewInt(100))
	ev := depositEvent(3, 100)

	if err := proj.Apply(ctx, ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	ch.SetSupply(alice, weth, big.NewInt(100))
	if err := proj.Apply(ctx, ev); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if got := len(st.Transactions); got != 1 {
		t.Errorf("got %d transactions, want 1", got)
	}
}

// A fresh projector has an empty LRU; the duplicate must still be caught by
// the transaction log.
func TestApply_DuplicateCaughtAcrossRestart(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.SetSupply(alice, weth, big.NewInt(100))
	ev := depositEvent(4, 100)
	if err := proj.Apply(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	restarted := projector.New(ch, st, metrics, 16)
	if err := restarted.Apply(ctx, ev); err != nil {
		t.Fatalf("apply after restart: %v", err)
	}
	if got := len(st.Transactions); got != 1 {
		t.Errorf("got %d transactions, want 1", got)
	}
}

func TestApply_WithdrawWithoutPositionSkips(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.SetSupply(alice, weth, big.NewInt(0))
	ev := &event.Withdraw{
		Meta:    event.Meta{Hash: hashN(5), Block: 110},
		Account: alice,
		Asset:   weth,
		Amount:  big.NewInt(10),
	}
	if err := proj.Apply(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, err := st.GetAccountAsset(ctx, alice, weth); err != store.ErrNotFound {
		t.Error("withdraw must not create a position")
	}
	if _, err := st.GetTransaction(ctx, hashN(5)); err != nil {
		t.Errorf("transaction still recorded: %v", err)
	}
}

func TestApply_BorrowAndRepay(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.SetBorrow(alice, weth, big.NewInt(700))
	borrow := &event.Borrow{
		Meta:    event.Meta{Hash: hashN(6), Block: 111},
		Account: alice,
		Asset:   weth,
		Amount:  big.NewInt(700),
	}
	if err := proj.Apply(ctx, borrow); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	pos, err := st.GetAccountAsset(ctx, alice, weth)
	if err != nil {
		t.Fatalf("position not created: %v", err)
	}
	if pos.Borrowed.Cmp(big.NewInt(700)) != 0 {
		t.Errorf("borrowed = %s, want 700", pos.Borrowed)
	}

	// Repay includes accrued interest: chain reports the remaining debt.
	ch.SetBorrow(alice, weth, big.NewInt(250))
	repay := &event.Repay{
		Meta:    event.Meta{Hash: hashN(7), Block: 112},
		Account: alice,
		Asset:   weth,
		Amount:  big.NewInt(500),
	}
	if err := proj.Apply(ctx, repay); err != nil {
		t.Fatalf("repay: %v", err)
	}
	pos, _ = st.GetAccountAsset(ctx, alice, weth)
	if pos.Borrowed.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("borrowed = %s, want 250", pos.Borrowed)
	}
}

func TestApply_CollateralSeizedOverwritesDeposit(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.SetSupply(alice, weth, big.NewInt(1000))
	if err := proj.Apply(ctx, depositEvent(8, 1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	ch.SetSupply(alice, weth, big.NewInt(400))
	seize := &event.CollateralSeized{
		Meta:    event.Meta{Hash: hashN(9), Block: 115},
		Account: alice,
		Asset:   weth,
		Amount:  big.NewInt(600),
	}
	if err := proj.Apply(ctx, seize); err != nil {
		t.Fatalf("seize: %v", err)
	}

	pos, _ := st.GetAccountAsset(ctx, alice, weth)
	if pos.Deposited.Cmp(big.NewInt(400)) != 0 {
		t.Errorf("deposited = %s, want 400", pos.Deposited)
	}
	tx, err := st.GetTransaction(ctx, hashN(9))
	if err != nil {
		t.Fatalf("transaction not recorded: %v", err)
	}
	if tx.Kind != store.TxLiquidated {
		t.Errorf("kind = %q, want liquidated", tx.Kind)
	}
}

// A bounded backfill can start after a market's listing event, so a balance
// event may be the first mention of its asset. The market row is created
// unsupported rather than failing the reference.
func TestApply_DepositToUnlistedMarket(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.Tokens[weth] = chain.TokenMetadata{Name: "Wrapped Ether", Symbol: "WETH", Decimals: 18}
	ch.SetSupply(alice, weth, big.NewInt(777))

	if err := proj.Apply(ctx, depositEvent(20, 777)); err != nil {
		t.Fatalf("deposit to unlisted market: %v", err)
	}

	a, err := st.GetAsset(ctx, weth)
	if err != nil {
		t.Fatalf("asset row not created: %v", err)
	}
	if a.Supported {
		t.Error("asset must stay unsupported until the pool lists it")
	}
	if a.Symbol != "WETH" {
		t.Errorf("symbol = %q, want WETH", a.Symbol)
	}
	pos, err := st.GetAccountAsset(ctx, alice, weth)
	if err != nil {
		t.Fatalf("position not created: %v", err)
	}
	if pos.Deposited.Cmp(big.NewInt(777)) != 0 {
		t.Errorf("deposited = %s, want 777", pos.Deposited)
	}

	// The listing arrives later and only flips the flag.
	supported := &event.MarketSupported{Meta: event.Meta{Hash: hashN(21), Block: 150}, Asset: weth}
	if err := proj.Apply(ctx, supported); err != nil {
		t.Fatalf("support: %v", err)
	}
	a, _ = st.GetAsset(ctx, weth)
	if !a.Supported {
		t.Error("asset should be supported after the listing")
	}
}

func TestApply_AccrueSetsTotalsFromPayload(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.Tokens[weth] = chain.TokenMetadata{Name: "Wrapped Ether", Symbol: "WETH", Decimals: 18}
	supported := &event.MarketSupported{Meta: event.Meta{Hash: hashN(10), Block: 90}, Asset: weth}
	if err := proj.Apply(ctx, supported); err != nil {
		t.Fatalf("support: %v", err)
	}

	accrue := &event.Accrue{
		Meta:          event.Meta{Hash: hashN(11), Block: 120},
		Asset:         weth,
		TotalDeposits: big.NewInt(123456),
		TotalBorrows:  big.NewInt(654),
	}
	if err := proj.Apply(ctx, accrue); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	a, err := st.GetAsset(ctx, weth)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if a.TotalDeposits.Cmp(big.NewInt(123456)) != 0 {
		t.Errorf("total deposits = %s, want 123456", a.TotalDeposits)
	}
	if a.TotalBorrows.Cmp(big.NewInt(654)) != 0 {
		t.Errorf("total borrows = %s, want 654", a.TotalBorrows)
	}
}

func TestApply_AccrueUnknownMarketIsSkipped(t *testing.T) {
	proj, st, _ := setup()
	ctx := context.Background()

	accrue := &event.Accrue{
		Meta:          event.Meta{Hash: hashN(12), Block: 121},
		Asset:         weth,
		TotalDeposits: big.NewInt(1),
		TotalBorrows:  big.NewInt(1),
	}
	if err := proj.Apply(ctx, accrue); err != nil {
		t.Fatalf("accrue for unknown market must not fail: %v", err)
	}
	// Accrue is an aggregate checkpoint, not an account movement: no row.
	if _, err := st.GetTransaction(ctx, hashN(12)); err != store.ErrNotFound {
		t.Errorf("get transaction err = %v, want ErrNotFound", err)
	}
}

func TestApply_MarketLifecycle(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.Tokens[weth] = chain.TokenMetadata{Name: "Wrapped Ether", Symbol: "WETH", Decimals: 18}
	if err := proj.Apply(ctx, &event.MarketSupported{Meta: event.Meta{Hash: hashN(13), Block: 130}, Asset: weth}); err != nil {
		t.Fatalf("support: %v", err)
	}

	a, err := st.GetAsset(ctx, weth)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if !a.Supported {
		t.Error("asset should be supported")
	}
	if a.Symbol != "WETH" || a.Decimals != 18 {
		t.Errorf("metadata = %q/%d, want WETH/18", a.Symbol, a.Decimals)
	}

	if err := proj.Apply(ctx, &event.MarketUnsupported{Meta: event.Meta{Hash: hashN(14), Block: 131}, Asset: weth}); err != nil {
		t.Fatalf("unsupport: %v", err)
	}
	a, _ = st.GetAsset(ctx, weth)
	if a.Supported {
		t.Error("asset should be delisted")
	}

	// Re-listing a known market flips the flag without re-reading metadata.
	ch.Tokens[weth] = chain.TokenMetadata{Name: "Renamed", Symbol: "XXX", Decimals: 8}
	if err := proj.Apply(ctx, &event.MarketSupported{Meta: event.Meta{Hash: hashN(18), Block: 132}, Asset: weth}); err != nil {
		t.Fatalf("re-support: %v", err)
	}
	a, _ = st.GetAsset(ctx, weth)
	if !a.Supported {
		t.Error("asset should be supported again")
	}
	if a.Symbol != "WETH" || a.Decimals != 18 {
		t.Errorf("metadata = %q/%d, re-support must keep the original WETH/18", a.Symbol, a.Decimals)
	}
}

func TestApply_UnsupportUnknownMarketIsSkipped(t *testing.T) {
	proj, _, _ := setup()
	ev := &event.MarketUnsupported{Meta: event.Meta{Hash: hashN(15), Block: 132}, Asset: weth}
	if err := proj.Apply(context.Background(), ev); err != nil {
		t.Fatalf("unsupport unknown market must not fail: %v", err)
	}
}

func TestApply_USDValuation(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	ch.Tokens[weth] = chain.TokenMetadata{Name: "Wrapped Ether", Symbol: "WETH", Decimals: 18}
	if err := proj.Apply(ctx, &event.MarketSupported{Meta: event.Meta{Hash: hashN(16), Block: 140}, Asset: weth}); err != nil {
		t.Fatalf("support: %v", err)
	}

	// 3 WETH at $2000.
	amount, _ := new(big.Int).SetString("3000000000000000000", 10)
	price, _ := new(big.Int).SetString("2000000000000000000000", 10)
	ch.Prices[weth] = price
	ch.SetSupply(alice, weth, amount)

	ev := &event.Deposit{
		Meta:    event.Meta{Hash: hashN(17), Block: 141},
		Account: alice,
		Asset:   weth,
		Amount:  amount,
	}
	if err := proj.Apply(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}

	tx, _ := st.GetTransaction(ctx, hashN(17))
	if got := tx.AmountUSD.String(); got != "6000" {
		t.Errorf("amount usd = %s, want 6000", got)
	}
}

func TestApply_OracleFailureRecordsZeroUSD(t *testing.T) {
	proj, st, ch := setup()
	ctx := context.Background()

	// No price configured for weth.
	ch.SetSupply(alice, weth, big.NewInt(100))
	if err := proj.Apply(ctx, depositEvent(18, 100)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	tx, _ := st.GetTransaction(ctx, hashN(18))
	if !tx.AmountUSD.IsZero() {
		t.Errorf("amount usd = %s, want 0", tx.AmountUSD)
	}
}
