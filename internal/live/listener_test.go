package live_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendmirror/internal/event"
	"lendmirror/internal/live"
	"lendmirror/internal/observability"
	"lendmirror/internal/testutil"
)

var metrics = observability.NewMetrics()

var (
	alice = common.HexToAddress("0xaaa1000000000000000000000000000000000001")
	weth  = common.HexToAddress("0xeee2000000000000000000000000000000000002")
)

type countingApplier struct {
	mu     sync.Mutex
	hashes []common.Hash
}

func (c *countingApplier) Apply(_ context.Context, ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes = append(c.hashes, ev.TxHash())
	return nil
}

func (c *countingApplier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hashes)
}

func hashN(n byte) common.Hash {
	var h common.Hash
	h[31] = n
	return h
}

func deposit(n byte, block uint64) *event.Deposit {
	return &event.Deposit{
		Meta:    event.Meta{Hash: hashN(n), Block: block},
		Account: alice,
		Asset:   weth,
		Amount:  big.NewInt(int64(n)),
	}
}

func borrow(n byte, block uint64) *event.Borrow {
	return &event.Borrow{
		Meta:    event.Meta{Hash: hashN(n), Block: block},
		Account: alice,
		Asset:   weth,
		Amount:  big.NewInt(int64(n)),
	}
}

// waitFor polls until cond holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestListener_PollMode(t *testing.T) {
	ch := testutil.NewFakeChain()
	ch.Height = 100

	applier := &countingApplier{}
	l := live.NewListener(ch, applier, 10*time.Millisecond, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Start(ctx, 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	st := l.Status()
	if !st.Running || st.Mode != live.ModePoll {
		t.Fatalf("status = %+v, want running in poll mode", st)
	}

	ch.Emit(deposit(1, 101))
	waitFor(t, func() bool { return applier.count() == 1 }, "event not applied in poll mode")

	if got := l.Status().LastBlock; got != 101 {
		t.Errorf("last block = %d, want 101", got)
	}
}

func TestListener_PushMode(t *testing.T) {
	ch := testutil.NewFakeChain()
	ch.Push = true
	ch.Height = 50

	applier := &countingApplier{}
	l := live.NewListener(ch, applier, time.Minute, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Start(ctx, 50); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	if st := l.Status(); st.Mode != live.ModePush {
		t.Fatalf("mode = %s, want push", st.Mode)
	}

	// Let the subscriptions establish before emitting.
	waitFor(t, func() bool {
		ch.Emit(deposit(2, 51))
		return applier.count() > 0
	}, "event not applied in push mode")
}

func TestListener_PushReconnectCatchesUp(t *testing.T) {
	ch := testutil.NewFakeChain()
	ch.Push = true
	ch.Height = 10

	applier := &countingApplier{}
	l := live.NewListener(ch, applier, time.Minute, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Start(ctx, 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	waitFor(t, func() bool { return ch.SubscriberCount() == len(event.Kinds()) },
		"subscriptions not established")

	// The event lands while the subscription is down; the reconnect's
	// catch-up filter must pick it up.
	ch.FailSubscriptions(errors.New("ws: connection reset"))
	ch.Events = append(ch.Events, deposit(3, 11))
	ch.Height = 11

	waitFor(t, func() bool { return applier.count() == 1 }, "missed event not recovered after reconnect")
}

func TestListener_StartTwice(t *testing.T) {
	ch := testutil.NewFakeChain()
	ch.Height = 5

	l := live.NewListener(ch, &countingApplier{}, 50*time.Millisecond, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Start(ctx, 5); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	if err := l.Start(ctx, 5); err != nil {
		t.Errorf("second start = %v, want nil no-op", err)
	}
	if st := l.Status(); !st.Running {
		t.Error("listener stopped running after redundant start")
	}
}

// A failed catch-up filter for one kind must not let the other kinds drag
// the range past it: the kind keeps its own cursor and retries.
func TestListener_PollRetriesFailedKind(t *testing.T) {
	ch := testutil.NewFakeChain()
	ch.Events = []event.Event{deposit(1, 201), borrow(2, 201)}
	ch.Height = 201
	ch.SetFilterErr(event.KindBorrow, errors.New("rpc: range too large"))

	applier := &countingApplier{}
	l := live.NewListener(ch, applier, 10*time.Millisecond, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Start(ctx, 200); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	waitFor(t, func() bool { return applier.count() == 1 }, "deposit not applied while borrow filter failed")

	ch.SetFilterErr(event.KindBorrow, nil)
	waitFor(t, func() bool { return applier.count() == 2 }, "borrow range skipped after the filter recovered")
}

func TestListener_StopIsIdempotent(t *testing.T) {
	ch := testutil.NewFakeChain()
	ch.Height = 5

	l := live.NewListener(ch, &countingApplier{}, 50*time.Millisecond, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Start(ctx, 5); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.Stop()
	l.Stop()

	st := l.Status()
	if st.Running || st.Mode != live.ModeStopped {
		t.Errorf("status = %+v, want stopped", st)
	}
}
