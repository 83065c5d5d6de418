package liquidation

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"lendmirror/internal/observability"
)

// RiskReader reads account risk from the chain.
type RiskReader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	AccountShortfall(ctx context.Context, account common.Address) (*big.Int, error)
}

// BorrowerStore provides the borrower universe and persists risk flags.
type BorrowerStore interface {
	ListBorrowers(ctx context.Context) ([]common.Address, error)
	ListLiquidatable(ctx context.Context) ([]common.Address, error)
	SetLiquidatable(ctx context.Context, addr common.Address, flag bool) error
}

// Publisher delivers the new liquidatable set to subscribers.
type Publisher interface {
	PublishLiquidatable(ctx context.Context, accounts []common.Address, height uint64) error
}

// Recalculator maintains the set of accounts whose chain-reported shortfall
// is positive. A recomputation publishes only when membership actually
// changes; the set is kept sorted so comparison is order-independent.
type Recalculator struct {
	chain     RiskReader
	store     BorrowerStore
	publisher Publisher
	log       zerolog.Logger
	metrics   *observability.Metrics

	// runMu serializes recomputations: a cron tick racing a forced recheck
	// must not both diff against the same stale set and double-publish.
	runMu sync.Mutex

	mu         sync.RWMutex
	current    []common.Address
	lastHeight uint64
}

func NewRecalculator(chain RiskReader, store BorrowerStore, publisher Publisher, metrics *observability.Metrics) *Recalculator {
	return &Recalculator{
		chain:     chain,
		store:     store,
		publisher: publisher,
		log:       observability.NewLogger("liquidation"),
		metrics:   metrics,
	}
}

// Prime loads the persisted set so a restart does not publish a spurious
// change for an unchanged set.
func (r *Recalculator) Prime(ctx context.Context) error {
	persisted, err := r.store.ListLiquidatable(ctx)
	if err != nil {
		return err
	}
	sortAddresses(persisted)
	r.mu.Lock()
	r.current = persisted
	r.mu.Unlock()
	return nil
}

// Current returns the last computed liquidatable set, sorted.
func (r *Recalculator) Current() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, len(r.current))
	copy(out, r.current)
	return out
}

// LastHeight returns the chain height of the last completed recomputation.
func (r *Recalculator) LastHeight() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHeight
}

// Run recomputes the set over every account with outstanding debt. An RPC
// failure for one account keeps that account's previous classification
// rather than flapping it. Concurrent calls run one at a time.
func (r *Recalculator) Run(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	r.metrics.LiquidationChecks.Inc()

	borrowers, err := r.store.ListBorrowers(ctx)
	if err != nil {
		return err
	}

	height, err := r.chain.CurrentHeight(ctx)
	if err != nil {
		r.metrics.RPCErrors.WithLabelValues("blockNumber").Inc()
		r.log.Warn().Err(err).Msg("head query failed, reporting previous height")
		height = r.LastHeight()
	}

	prev := r.Current()
	prevSet := make(map[common.Address]bool, len(prev))
	for _, a := range prev {
		prevSet[a] = true
	}

	var next []common.Address
	for _, account := range borrowers {
		if err := ctx.Err(); err != nil {
			return err
		}
		shortfall, err := r.chain.AccountShortfall(ctx, account)
		if err != nil {
			r.metrics.RPCErrors.WithLabelValues("getAccountLiquidity").Inc()
			r.log.Warn().Err(err).
				Str("account", account.Hex()).
				Msg("shortfall read failed, keeping previous classification")
			if prevSet[account] {
				next = append(next, account)
			}
			continue
		}
		if shortfall.Sign() > 0 {
			next = append(next, account)
		}
	}
	sortAddresses(next)

	r.metrics.LiquidationCheckDur.Observe(time.Since(start).Seconds())
	r.metrics.LiquidatableAccounts.Set(float64(len(next)))

	if equalSets(prev, next) {
		r.mu.Lock()
		r.lastHeight = height
		r.mu.Unlock()
		r.log.Debug().Int("accounts", len(next)).Msg("liquidatable set unchanged")
		return nil
	}

	if err := r.persistDiff(ctx, prevSet, next); err != nil {
		return err
	}

	r.mu.Lock()
	r.current = next
	r.lastHeight = height
	r.mu.Unlock()

	r.metrics.LiquidationPublishes.Inc()
	r.log.Info().
		Int("accounts", len(next)).
		Int("previous", len(prev)).
		Uint64("height", height).
		Msg("liquidatable set changed, publishing")
	return r.publisher.PublishLiquidatable(ctx, next, height)
}

// persistDiff flips the stored flag for every account that entered or left
// the set.
func (r *Recalculator) persistDiff(ctx context.Context, prevSet map[common.Address]bool, next []common.Address) error {
	nextSet := make(map[common.Address]bool, len(next))
	for _, a := range next {
		nextSet[a] = true
		if !prevSet[a] {
			if err := r.store.SetLiquidatable(ctx, a, true); err != nil {
				return err
			}
		}
	}
	for a := range prevSet {
		if !nextSet[a] {
			if err := r.store.SetLiquidatable(ctx, a, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].Hex() < addrs[j].Hex()
	})
}

// equalSets compares two sorted address slices.
func equalSets(a, b []common.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
