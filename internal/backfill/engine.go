package backfill

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"lendmirror/internal/event"
	"lendmirror/internal/observability"
)

// DefaultBatchSize is the block span fetched per filter query. Node
// providers commonly cap getLogs ranges, so batches stay well under those
// limits.
const DefaultBatchSize = 1000

// EventSource provides historical event queries.
type EventSource interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, kind event.Kind, from, to uint64) ([]event.Event, error)
}

// Applier processes one decoded event.
type Applier interface {
	Apply(ctx context.Context, ev event.Event) error
}

// ProgressStore reports how far a previous sync got.
type ProgressStore interface {
	LatestBlock(ctx context.Context) (uint64, error)
}

// KindFailure records one kind whose fetch failed for a block range. The
// remaining kinds in the batch still sync; the caller re-runs the range to
// fill the gap.
type KindFailure struct {
	Kind event.Kind
	From uint64
	To   uint64
	Err  error
}

// Report summarizes one sync run.
type Report struct {
	FromBlock   uint64
	ToBlock     uint64
	Events      int
	ApplyErrors int
	Failures    []KindFailure
}

// Engine replays historical pool events through the applier in fixed block
// batches. Re-running any range is safe: the applier deduplicates by tx hash
// and balance writes are overwrites.
type Engine struct {
	source    EventSource
	applier   Applier
	progress  ProgressStore
	batchSize uint64
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewEngine(source EventSource, applier Applier, progress ProgressStore, metrics *observability.Metrics) *Engine {
	return &Engine{
		source:    source,
		applier:   applier,
		progress:  progress,
		batchSize: DefaultBatchSize,
		log:       observability.NewLogger("backfill"),
		metrics:   metrics,
	}
}

// SetBatchSize overrides the block span per filter query.
func (e *Engine) SetBatchSize(n uint64) {
	if n > 0 {
		e.batchSize = n
	}
}

// ResolveRange turns the requested bounds into concrete block numbers. A
// zero from resumes at the last synced block (re-scanning it is harmless), a
// zero to means the chain head.
func (e *Engine) ResolveRange(ctx context.Context, from, to uint64) (uint64, uint64, error) {
	if from == 0 {
		last, err := e.progress.LatestBlock(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("backfill: resolve start: %w", err)
		}
		from = last
	}
	if to == 0 {
		head, err := e.source.CurrentHeight(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("backfill: resolve end: %w", err)
		}
		to = head
	}
	if from > to {
		return 0, 0, fmt.Errorf("backfill: invalid range [%d, %d]", from, to)
	}
	return from, to, nil
}

// SyncRange replays all events in the inclusive block range [from, to]. Each
// batch fetches every kind independently so one failing filter query cannot
// stall the others; failures are collected in the report for a follow-up run.
func (e *Engine) SyncRange(ctx context.Context, from, to uint64) (Report, error) {
	report := Report{FromBlock: from, ToBlock: to}

	e.log.Info().
		Uint64("from", from).
		Uint64("to", to).
		Uint64("batch_size", e.batchSize).
		Msg("historical sync starting")

	for batchFrom := from; batchFrom <= to; batchFrom += e.batchSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batchTo := batchFrom + e.batchSize - 1
		if batchTo > to {
			batchTo = to
		}

		start := time.Now()
		events, failures := e.fetchBatch(ctx, batchFrom, batchTo)
		report.Failures = append(report.Failures, failures...)

		for _, ev := range events {
			if err := e.applier.Apply(ctx, ev); err != nil {
				report.ApplyErrors++
				e.log.Error().Err(err).
					Str("tx", ev.TxHash().Hex()).
					Uint64("block", ev.BlockNumber()).
					Msg("event apply failed")
				continue
			}
			report.Events++
		}

		e.metrics.SyncBatchDuration.Observe(time.Since(start).Seconds())
		e.metrics.SyncLastBlock.Set(float64(batchTo))
		e.log.Info().
			Uint64("from", batchFrom).
			Uint64("to", batchTo).
			Int("events", len(events)).
			Msg("batch synced")
	}

	e.log.Info().
		Uint64("from", from).
		Uint64("to", to).
		Int("events", report.Events).
		Int("apply_errors", report.ApplyErrors).
		Int("fetch_failures", len(report.Failures)).
		Msg("historical sync finished")
	return report, nil
}

// fetchBatch queries every kind for the range and merges the results back
// into chain order.
func (e *Engine) fetchBatch(ctx context.Context, from, to uint64) ([]event.Event, []KindFailure) {
	var (
		events   []event.Event
		failures []KindFailure
	)
	for _, kind := range event.Kinds() {
		evs, err := e.source.FilterEvents(ctx, kind, from, to)
		if err != nil {
			e.metrics.SyncBatches.WithLabelValues(kind.String(), "error").Inc()
			e.log.Error().Err(err).
				Stringer("kind", kind).
				Uint64("from", from).
				Uint64("to", to).
				Msg("filter query failed, other kinds continue")
			failures = append(failures, KindFailure{Kind: kind, From: from, To: to, Err: err})
			continue
		}
		e.metrics.SyncBatches.WithLabelValues(kind.String(), "ok").Inc()
		events = append(events, evs...)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber() != events[j].BlockNumber() {
			return events[i].BlockNumber() < events[j].BlockNumber()
		}
		return events[i].LogIndex() < events[j].LogIndex()
	})
	return events, failures
}
