package live

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"

	"lendmirror/internal/event"
	"lendmirror/internal/observability"
)

// Tracking mode names reported by Status.
const (
	ModeStopped = "stopped"
	ModePush    = "push"
	ModePoll    = "poll"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
	backoffFactor  = 2.0
	jitterFactor   = 0.2
)

// EventSource provides live event delivery plus the pull queries used for
// catch-up and polling.
type EventSource interface {
	PushCapable() bool
	CurrentHeight(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, kind event.Kind, from, to uint64) ([]event.Event, error)
	SubscribeEvents(ctx context.Context, kind event.Kind, out chan<- event.Event) (ethereum.Subscription, error)
}

// Applier processes one decoded event.
type Applier interface {
	Apply(ctx context.Context, ev event.Event) error
}

// Status is a snapshot of the listener's tracking state.
type Status struct {
	Running   bool     `json:"running"`
	Mode      string   `json:"mode"`
	Kinds     []string `json:"kinds,omitempty"`
	LastBlock uint64   `json:"last_block"`
	Events    uint64   `json:"events"`
}

// Listener tracks new pool events as they land. On push-capable connections
// it subscribes per kind and reconnects with exponential backoff; otherwise
// it polls fixed ranges of new blocks. All events funnel through a single
// apply goroutine so dedup state needs no locking.
type Listener struct {
	source       EventSource
	applier      Applier
	pollInterval time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics

	mu      sync.Mutex
	running bool
	mode    string
	cancel  context.CancelFunc
	done    chan struct{}

	// cursors tracks, per kind, the highest block whose events are known to
	// be applied. Touched only by the worker goroutine.
	cursors map[event.Kind]uint64

	lastBlock atomic.Uint64
	events    atomic.Uint64
}

func NewListener(source EventSource, applier Applier, pollInterval time.Duration, metrics *observability.Metrics) *Listener {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Listener{
		source:       source,
		applier:      applier,
		pollInterval: pollInterval,
		log:          observability.NewLogger("live"),
		metrics:      metrics,
		mode:         ModeStopped,
	}
}

// Start begins tracking from the block after fromBlock. A zero fromBlock
// starts at the current chain head. Calling Start on an active listener is a
// logged no-op, mirroring Stop on an idle one.
func (l *Listener) Start(ctx context.Context, fromBlock uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.log.Warn().Msg("start ignored, listener already running")
		return nil
	}

	if fromBlock == 0 {
		head, err := l.source.CurrentHeight(ctx)
		if err != nil {
			return err
		}
		fromBlock = head
	}
	l.cursors = make(map[event.Kind]uint64, len(event.Kinds()))
	for _, kind := range event.Kinds() {
		l.cursors[kind] = fromBlock
	}
	l.lastBlock.Store(fromBlock)

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	if l.source.PushCapable() {
		l.mode = ModePush
		l.metrics.LivePushMode.Set(1)
		go l.runPush(runCtx)
	} else {
		l.mode = ModePoll
		l.metrics.LivePushMode.Set(0)
		go l.runPoll(runCtx)
	}

	l.log.Info().
		Str("mode", l.mode).
		Uint64("from_block", fromBlock).
		Msg("live tracking started")
	return nil
}

// Stop cancels tracking and waits for the worker to drain.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done

	l.mu.Lock()
	l.running = false
	l.mode = ModeStopped
	l.mu.Unlock()
	l.log.Info().Msg("live tracking stopped")
}

// Status reports the current tracking state.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		Running:   l.running,
		Mode:      l.mode,
		LastBlock: l.lastBlock.Load(),
		Events:    l.events.Load(),
	}
	if l.running {
		for _, kind := range event.Kinds() {
			st.Kinds = append(st.Kinds, kind.String())
		}
	}
	return st
}

// runPush maintains one subscription per kind, replaying missed blocks after
// every (re)connect so subscription gaps cannot lose events.
func (l *Listener) runPush(ctx context.Context) {
	defer close(l.done)

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		l.catchUp(ctx)

		err := l.trackPush(ctx)
		if ctx.Err() != nil {
			return
		}
		l.metrics.LiveReconnects.Inc()
		l.log.Warn().Err(err).
			Dur("backoff", backoff).
			Msg("subscription lost, reconnecting")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// trackPush subscribes to every kind and applies events until any
// subscription fails or ctx is cancelled.
func (l *Listener) trackPush(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan event.Event, 256)
	errs := make(chan error, len(event.Kinds()))

	var subs []ethereum.Subscription
	for _, kind := range event.Kinds() {
		sub, err := l.source.SubscribeEvents(subCtx, kind, out)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return err
		}
		subs = append(subs, sub)
		go func(s ethereum.Subscription) {
			if err := <-s.Err(); err != nil {
				select {
				case errs <- err:
				default:
				}
			}
		}(sub)
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case ev := <-out:
			l.handle(ctx, ev)
		}
	}
}

// runPoll fetches new blocks on a fixed interval.
func (l *Listener) runPoll(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.catchUp(ctx)
		}
	}
}

// catchUp pulls each kind from its own cursor up to the current head and
// applies the merged result in chain order. A kind whose filter fails keeps
// its cursor, so the same range is retried on the next pass; re-applying
// events another kind already covered is safe because every apply is
// idempotent.
func (l *Listener) catchUp(ctx context.Context) {
	head, err := l.source.CurrentHeight(ctx)
	if err != nil {
		l.metrics.RPCErrors.WithLabelValues("blockNumber").Inc()
		l.log.Warn().Err(err).Msg("head query failed")
		return
	}

	var events []event.Event
	for _, kind := range event.Kinds() {
		from := l.cursors[kind] + 1
		if head < from {
			continue
		}
		evs, err := l.source.FilterEvents(ctx, kind, from, head)
		if err != nil {
			l.log.Warn().Err(err).
				Stringer("kind", kind).
				Uint64("from", from).
				Uint64("to", head).
				Msg("catch-up filter failed, kind retries next pass")
			continue
		}
		events = append(events, evs...)
		l.cursors[kind] = head
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber() != events[j].BlockNumber() {
			return events[i].BlockNumber() < events[j].BlockNumber()
		}
		return events[i].LogIndex() < events[j].LogIndex()
	})

	for _, ev := range events {
		l.handle(ctx, ev)
	}
	l.lastBlock.Store(l.minCursor())
}

// minCursor is the block every kind is synced through.
func (l *Listener) minCursor() uint64 {
	first := true
	var min uint64
	for _, c := range l.cursors {
		if first || c < min {
			min, first = c, false
		}
	}
	return min
}

func (l *Listener) handle(ctx context.Context, ev event.Event) {
	l.metrics.LiveEventsReceived.WithLabelValues(ev.Kind().String()).Inc()
	if err := l.applier.Apply(ctx, ev); err != nil {
		l.log.Error().Err(err).
			Str("tx", ev.TxHash().Hex()).
			Uint64("block", ev.BlockNumber()).
			Msg("event apply failed")
		return
	}
	l.events.Add(1)
	if b := ev.BlockNumber(); b > l.cursors[ev.Kind()] {
		l.cursors[ev.Kind()] = b
		l.lastBlock.Store(l.minCursor())
	}
}

// nextBackoff grows the delay exponentially with jitter so reconnect storms
// do not synchronize.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > maxBackoff {
		next = maxBackoff
	}
	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	withJitter := time.Duration(float64(next) + jitter)
	if withJitter < initialBackoff {
		withJitter = initialBackoff
	}
	return withJitter
}
