package projector

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"lendmirror/internal/chain"
	"lendmirror/internal/event"
	"lendmirror/internal/observability"
	"lendmirror/internal/store"
)

// ChainReader is the subset of chain reads the projector depends on. Every
// balance written to the mirror comes from one of these calls, never from an
// event payload delta.
type ChainReader interface {
	SupplyBalance(ctx context.Context, account, asset common.Address) (*big.Int, error)
	BorrowBalance(ctx context.Context, account, asset common.Address) (*big.Int, error)
	AssetPriceUSD(ctx context.Context, asset common.Address) (*big.Int, error)
	Metadata(ctx context.Context, asset common.Address) (chain.TokenMetadata, error)
	BlockTimestamp(ctx context.Context, height uint64) (time.Time, error)
}

// StateStore is the persistence surface the projector writes through.
type StateStore interface {
	EnsureAccount(ctx context.Context, addr common.Address) error
	EnsureAsset(ctx context.Context, a store.Asset) error
	InsertTransaction(ctx context.Context, t store.Transaction) (bool, error)
	HasTransaction(ctx context.Context, hash common.Hash) (bool, error)
	SetDeposited(ctx context.Context, account, asset common.Address, deposited *big.Int) (bool, error)
	SetBorrowed(ctx context.Context, account, asset common.Address, borrowed *big.Int) (bool, error)
	UpsertAccountAsset(ctx context.Context, account, asset common.Address, deposited, borrowed *big.Int) error
	SetAssetTotals(ctx context.Context, addr common.Address, deposits, borrows *big.Int) error
	SupportAsset(ctx context.Context, a store.Asset) error
	UnsupportAsset(ctx context.Context, addr common.Address) error
	GetAsset(ctx context.Context, addr common.Address) (store.Asset, error)
}

// Projector applies decoded events to the mirror. Processing one event means
// recording its transaction exactly once and overwriting the affected
// balances with fresh chain reads, so replaying any block range converges to
// the same state.
type Projector struct {
	chain   ChainReader
	store   StateStore
	seen    *seenLRU
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(chainReader ChainReader, st StateStore, metrics *observability.Metrics, lruCapacity int) *Projector {
	if lruCapacity <= 0 {
		lruCapacity = 4096
	}
	return &Projector{
		chain:   chainReader,
		store:   st,
		seen:    newSeenLRU(lruCapacity),
		log:     observability.NewLogger("projector"),
		metrics: metrics,
	}
}

// Apply processes one event end to end. Duplicate tx hashes are detected in
// two tiers (LRU, then the transaction log) and skipped without touching
// state. The transaction row is written after the state mutation so a crash
// between the two leaves the event retryable. Aggregate and market lifecycle
// events leave no transaction row: their handlers are pure overwrites, so
// replays converge without a dedup record.
func (p *Projector) Apply(ctx context.Context, ev event.Event) error {
	start := time.Now()
	kind := ev.Kind().String()
	txKind, records := transactionKind(ev.Kind())

	if p.seen.Contains(ev.TxHash()) {
		p.metrics.DedupDuplicates.WithLabelValues(kind, "lru").Inc()
		p.metrics.EventsSkipped.WithLabelValues(kind, "duplicate").Inc()
		return nil
	}
	if records {
		recorded, err := p.store.HasTransaction(ctx, ev.TxHash())
		if err != nil {
			return err
		}
		if recorded {
			p.metrics.DedupDuplicates.WithLabelValues(kind, "postgres").Inc()
			p.metrics.EventsSkipped.WithLabelValues(kind, "duplicate").Inc()
			p.seen.Add(ev.TxHash())
			return nil
		}
	}

	if err := p.apply(ctx, ev); err != nil {
		return fmt.Errorf("apply %s %s: %w", kind, ev.TxHash().Hex(), err)
	}

	if records {
		if _, err := p.store.InsertTransaction(ctx, p.transactionRow(ctx, ev, txKind)); err != nil {
			return err
		}
	}
	p.seen.Add(ev.TxHash())
	p.metrics.DedupLRUSize.Set(float64(p.seen.Size()))
	p.metrics.EventsProcessed.WithLabelValues(kind).Inc()
	p.metrics.EventApplyDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return nil
}

// apply dispatches on the concrete event type. The switch is exhaustive over
// the event vocabulary; an unknown type is a programming error upstream.
func (p *Projector) apply(ctx context.Context, ev event.Event) error {
	switch e := ev.(type) {
	case *event.Deposit:
		return p.applySupplySide(ctx, e.Account, e.Asset, true)
	case *event.Withdraw:
		return p.applySupplySide(ctx, e.Account, e.Asset, false)
	case *event.Borrow:
		return p.applyBorrowSide(ctx, e.Account, e.Asset, true)
	case *event.Repay:
		return p.applyBorrowSide(ctx, e.Account, e.Asset, false)
	case *event.CollateralSeized:
		return p.applySupplySide(ctx, e.Account, e.Asset, false)
	case *event.Accrue:
		return p.applyAccrue(ctx, e)
	case *event.MarketSupported:
		return p.applyMarketSupported(ctx, e)
	case *event.MarketUnsupported:
		return p.applyMarketUnsupported(ctx, e)
	default:
		return fmt.Errorf("unhandled event type %T", ev)
	}
}

// applySupplySide refreshes the account's deposited balance from the chain.
// createRow controls behavior when the position does not exist yet: Deposit
// creates it, Withdraw and CollateralSeized skip with a warning since a
// missing position means there is nothing to reduce.
func (p *Projector) applySupplySide(ctx context.Context, account, asset common.Address, createRow bool) error {
	if err := p.store.EnsureAccount(ctx, account); err != nil {
		return err
	}

	deposited, err := p.chain.SupplyBalance(ctx, account, asset)
	if err != nil {
		p.metrics.RPCErrors.WithLabelValues("getSupplyBalance").Inc()
		return err
	}

	updated, err := p.store.SetDeposited(ctx, account, asset, deposited)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}
	if !createRow {
		p.log.Warn().
			Str("account", account.Hex()).
			Str("asset", asset.Hex()).
			Msg("supply-side event for unknown position, skipping balance update")
		p.metrics.EventsSkipped.WithLabelValues("", "missing_position").Inc()
		return nil
	}

	borrowed, err := p.chain.BorrowBalance(ctx, account, asset)
	if err != nil {
		p.metrics.RPCErrors.WithLabelValues("getBorrowBalance").Inc()
		return err
	}
	if err := p.ensureAsset(ctx, asset); err != nil {
		return err
	}
	return p.store.UpsertAccountAsset(ctx, account, asset, deposited, borrowed)
}

// applyBorrowSide refreshes the account's borrowed balance from the chain.
// Borrow creates the position when absent; Repay skips it.
func (p *Projector) applyBorrowSide(ctx context.Context, account, asset common.Address, createRow bool) error {
	if err := p.store.EnsureAccount(ctx, account); err != nil {
		return err
	}

	borrowed, err := p.chain.BorrowBalance(ctx, account, asset)
	if err != nil {
		p.metrics.RPCErrors.WithLabelValues("getBorrowBalance").Inc()
		return err
	}

	updated, err := p.store.SetBorrowed(ctx, account, asset, borrowed)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}
	if !createRow {
		p.log.Warn().
			Str("account", account.Hex()).
			Str("asset", asset.Hex()).
			Msg("borrow-side event for unknown position, skipping balance update")
		p.metrics.EventsSkipped.WithLabelValues("", "missing_position").Inc()
		return nil
	}

	deposited, err := p.chain.SupplyBalance(ctx, account, asset)
	if err != nil {
		p.metrics.RPCErrors.WithLabelValues("getSupplyBalance").Inc()
		return err
	}
	if err := p.ensureAsset(ctx, asset); err != nil {
		return err
	}
	return p.store.UpsertAccountAsset(ctx, account, asset, deposited, borrowed)
}

// ensureAsset creates the market row for an asset first seen through a
// balance event, before any MarketSupported for it was observed (a bounded
// backfill can start after the listing). The market stays unsupported until
// the pool lists it.
func (p *Projector) ensureAsset(ctx context.Context, asset common.Address) error {
	_, err := p.store.GetAsset(ctx, asset)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}
	md := p.readMetadata(ctx, asset)
	return p.store.EnsureAsset(ctx, store.Asset{
		Address:  asset,
		Name:     md.Name,
		Symbol:   md.Symbol,
		Decimals: md.Decimals,
	})
}

// applyAccrue overwrites the market totals with the values the pool emitted.
// The payload carries the post-accrual totals, so no chain read is needed.
func (p *Projector) applyAccrue(ctx context.Context, e *event.Accrue) error {
	err := p.store.SetAssetTotals(ctx, e.Asset, e.TotalDeposits, e.TotalBorrows)
	if err == store.ErrNotFound {
		p.log.Warn().
			Str("asset", e.Asset.Hex()).
			Msg("accrue for unknown market, skipping")
		p.metrics.EventsSkipped.WithLabelValues(event.KindAccrue.String(), "unknown_market").Inc()
		return nil
	}
	return err
}

// applyMarketSupported lists the market. Token metadata is read once, when
// the market is first seen; re-supporting a known market only flips the flag.
func (p *Projector) applyMarketSupported(ctx context.Context, e *event.MarketSupported) error {
	existing, err := p.store.GetAsset(ctx, e.Asset)
	if err == nil {
		return p.store.SupportAsset(ctx, existing)
	}
	if err != store.ErrNotFound {
		return err
	}

	md := p.readMetadata(ctx, e.Asset)
	return p.store.SupportAsset(ctx, store.Asset{
		Address:  e.Asset,
		Name:     md.Name,
		Symbol:   md.Symbol,
		Decimals: md.Decimals,
	})
}

// readMetadata fetches token metadata best effort, falling back to the
// conventional 18 decimals when the token contract is unreadable.
func (p *Projector) readMetadata(ctx context.Context, asset common.Address) chain.TokenMetadata {
	md, err := p.chain.Metadata(ctx, asset)
	if err != nil {
		p.metrics.RPCErrors.WithLabelValues("metadata").Inc()
		p.log.Warn().Err(err).
			Str("asset", asset.Hex()).
			Msg("token metadata unavailable, using defaults")
		return chain.TokenMetadata{Decimals: 18}
	}
	return md
}

func (p *Projector) applyMarketUnsupported(ctx context.Context, e *event.MarketUnsupported) error {
	err := p.store.UnsupportAsset(ctx, e.Asset)
	if err == store.ErrNotFound {
		p.log.Warn().
			Str("asset", e.Asset.Hex()).
			Msg("unsupport for unknown market, skipping")
		p.metrics.EventsSkipped.WithLabelValues(event.KindMarketUnsupported.String(), "unknown_market").Inc()
		return nil
	}
	return err
}

// transactionKind maps an event kind to the kind recorded on its
// transaction row. Accrue and the market lifecycle events report false:
// they carry no per-account movement and leave no row.
func transactionKind(k event.Kind) (string, bool) {
	switch k {
	case event.KindDeposit:
		return store.TxDeposit, true
	case event.KindWithdraw:
		return store.TxWithdraw, true
	case event.KindBorrow:
		return store.TxBorrow, true
	case event.KindRepay:
		return store.TxRepay, true
	case event.KindCollateralSeized:
		return store.TxLiquidated, true
	default:
		return "", false
	}
}

// transactionRow builds the permanent record for the event. USD valuation
// and the block timestamp are best effort: an unreachable oracle yields a
// zero USD value, a missing header falls back to the current time.
func (p *Projector) transactionRow(ctx context.Context, ev event.Event, kind string) store.Transaction {
	t := store.Transaction{
		TxHash:      ev.TxHash(),
		Kind:        kind,
		BlockNumber: ev.BlockNumber(),
		LogIndex:    ev.LogIndex(),
	}

	occurredAt, err := p.chain.BlockTimestamp(ctx, ev.BlockNumber())
	if err != nil {
		p.metrics.RPCErrors.WithLabelValues("blockTimestamp").Inc()
		p.log.Warn().Err(err).
			Uint64("block", ev.BlockNumber()).
			Msg("block timestamp unavailable, using wall clock")
		occurredAt = time.Now().UTC()
	}
	t.OccurredAt = occurredAt

	switch e := ev.(type) {
	case *event.Deposit:
		t.Account, t.Asset, t.Amount = addrPtr(e.Account), e.Asset, e.Amount
	case *event.Withdraw:
		t.Account, t.Asset, t.Amount = addrPtr(e.Account), e.Asset, e.Amount
	case *event.Borrow:
		t.Account, t.Asset, t.Amount = addrPtr(e.Account), e.Asset, e.Amount
	case *event.Repay:
		t.Account, t.Asset, t.Amount = addrPtr(e.Account), e.Asset, e.Amount
	case *event.CollateralSeized:
		t.Account, t.Asset, t.Amount = addrPtr(e.Account), e.Asset, e.Amount
	}

	if t.Amount != nil && t.Amount.Sign() > 0 {
		t.AmountUSD = p.usdValue(ctx, t.Asset, t.Amount)
	}
	return t
}

func addrPtr(a common.Address) *common.Address {
	return &a
}
