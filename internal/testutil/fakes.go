package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"lendmirror/internal/chain"
	"lendmirror/internal/event"
	"lendmirror/internal/store"
)

type positionKey struct {
	Account common.Address
	Asset   common.Address
}

// MemoryStore is an in-memory stand-in for the Postgres store, implementing
// the accessor interfaces the engine components consume.
type MemoryStore struct {
	mu           sync.Mutex
	Accounts     map[common.Address]*store.Account
	Assets       map[common.Address]*store.Asset
	Positions    map[positionKey]*store.AccountAsset
	Transactions map[common.Hash]store.Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Accounts:     make(map[common.Address]*store.Account),
		Assets:       make(map[common.Address]*store.Asset),
		Positions:    make(map[positionKey]*store.AccountAsset),
		Transactions: make(map[common.Hash]store.Transaction),
	}
}

func (m *MemoryStore) EnsureAccount(_ context.Context, addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Accounts[addr]; !ok {
		m.Accounts[addr] = &store.Account{Address: addr, CreatedAt: time.Now()}
	}
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, addr common.Address) (store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[addr]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return *a, nil
}

func (m *MemoryStore) ListBorrowers(_ context.Context) ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[common.Address]bool)
	var out []common.Address
	for k, p := range m.Positions {
		if p.Borrowed != nil && p.Borrowed.Sign() > 0 && !seen[k.Account] {
			seen[k.Account] = true
			out = append(out, k.Account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out, nil
}

func (m *MemoryStore) SetLiquidatable(_ context.Context, addr common.Address, flag bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[addr]
	if !ok {
		a = &store.Account{Address: addr, CreatedAt: time.Now()}
		m.Accounts[addr] = a
	}
	a.Liquidatable = flag
	return nil
}

func (m *MemoryStore) ListLiquidatable(_ context.Context) ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []common.Address
	for _, a := range m.Accounts {
		if a.Liquidatable {
			out = append(out, a.Address)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out, nil
}

func (m *MemoryStore) EnsureAsset(_ context.Context, a store.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Assets[a.Address]; ok {
		return nil
	}
	a.Supported = false
	if a.TotalDeposits == nil {
		a.TotalDeposits = new(big.Int)
	}
	if a.TotalBorrows == nil {
		a.TotalBorrows = new(big.Int)
	}
	m.Assets[a.Address] = &a
	return nil
}

func (m *MemoryStore) SupportAsset(_ context.Context, a store.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.Assets[a.Address]
	if !ok {
		a.Supported = true
		if a.TotalDeposits == nil {
			a.TotalDeposits = new(big.Int)
		}
		if a.TotalBorrows == nil {
			a.TotalBorrows = new(big.Int)
		}
		m.Assets[a.Address] = &a
		return nil
	}
	existing.Name, existing.Symbol, existing.Decimals = a.Name, a.Symbol, a.Decimals
	existing.Supported = true
	return nil
}

func (m *MemoryStore) UnsupportAsset(_ context.Context, addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Assets[addr]
	if !ok {
		return store.ErrNotFound
	}
	a.Supported = false
	return nil
}

func (m *MemoryStore) SetAssetTotals(_ context.Context, addr common.Address, deposits, borrows *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Assets[addr]
	if !ok {
		return store.ErrNotFound
	}
	a.TotalDeposits = new(big.Int).Set(deposits)
	a.TotalBorrows = new(big.Int).Set(borrows)
	return nil
}

func (m *MemoryStore) GetAsset(_ context.Context, addr common.Address) (store.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Assets[addr]
	if !ok {
		return store.Asset{}, store.ErrNotFound
	}
	return *a, nil
}

func (m *MemoryStore) ListAssets(_ context.Context, supportedOnly bool) ([]store.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Asset
	for _, a := range m.Assets {
		if supportedOnly && !a.Supported {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Hex() < out[j].Address.Hex() })
	return out, nil
}

// UpsertAccountAsset rejects positions against unknown accounts or assets,
// matching the references the real schema enforces.
func (m *MemoryStore) UpsertAccountAsset(_ context.Context, account, asset common.Address, deposited, borrowed *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Accounts[account]; !ok {
		return fmt.Errorf("account %s not present", strings.ToLower(account.Hex()))
	}
	if _, ok := m.Assets[asset]; !ok {
		return fmt.Errorf("asset %s not present", strings.ToLower(asset.Hex()))
	}
	m.Positions[positionKey{account, asset}] = &store.AccountAsset{
		Account:   account,
		Asset:     asset,
		Deposited: new(big.Int).Set(deposited),
		Borrowed:  new(big.Int).Set(borrowed),
		UpdatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) SetDeposited(_ context.Context, account, asset common.Address, deposited *big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Positions[positionKey{account, asset}]
	if !ok {
		return false, nil
	}
	p.Deposited = new(big.Int).Set(deposited)
	return true, nil
}

func (m *MemoryStore) SetBorrowed(_ context.Context, account, asset common.Address, borrowed *big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Positions[positionKey{account, asset}]
	if !ok {
		return false, nil
	}
	p.Borrowed = new(big.Int).Set(borrowed)
	return true, nil
}

func (m *MemoryStore) GetAccountAsset(_ context.Context, account, asset common.Address) (store.AccountAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Positions[positionKey{account, asset}]
	if !ok {
		return store.AccountAsset{}, store.ErrNotFound
	}
	return *p, nil
}

func (m *MemoryStore) ListAccountAssets(_ context.Context, account common.Address) ([]store.AccountAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AccountAsset
	for k, p := range m.Positions {
		if k.Account == account {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset.Hex() < out[j].Asset.Hex() })
	return out, nil
}

func (m *MemoryStore) InsertTransaction(_ context.Context, t store.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Transactions[t.TxHash]; ok {
		return false, nil
	}
	m.Transactions[t.TxHash] = t
	return true, nil
}

func (m *MemoryStore) HasTransaction(_ context.Context, hash common.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Transactions[hash]
	return ok, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, hash common.Hash) (store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Transactions[hash]
	if !ok {
		return store.Transaction{}, store.ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) LatestBlock(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max uint64
	for _, t := range m.Transactions {
		if t.BlockNumber > max {
			max = t.BlockNumber
		}
	}
	return max, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, f store.TxFilter) ([]store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Transaction
	for _, t := range m.Transactions {
		if f.Account != nil && (t.Account == nil || *t.Account != *f.Account) {
			continue
		}
		if f.Asset != nil && t.Asset != *f.Asset {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber > out[j].BlockNumber
		}
		return out[i].LogIndex > out[j].LogIndex
	})
	return out, nil
}

// FakeChain is a scriptable chain backend. Balances, prices and shortfalls
// are plain maps; events are served to filter queries by range and kind and
// pushed to subscribers via Emit.
type FakeChain struct {
	mu sync.Mutex

	Height     uint64
	Push       bool
	Supplies   map[positionKey]*big.Int
	Borrows    map[positionKey]*big.Int
	Shortfalls map[common.Address]*big.Int
	Prices     map[common.Address]*big.Int
	Tokens     map[common.Address]chain.TokenMetadata
	Timestamps map[uint64]time.Time
	Events     []event.Event

	// FilterErr fails FilterEvents for specific kinds.
	FilterErr map[event.Kind]error
	// ShortfallErr fails AccountShortfall for specific accounts.
	ShortfallErr map[common.Address]error

	FilterCalls int
	subscribers []*fakeSubscriber
}

type fakeSubscriber struct {
	kind event.Kind
	out  chan<- event.Event
	errs chan error
	done chan struct{}
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		Supplies:     make(map[positionKey]*big.Int),
		Borrows:      make(map[positionKey]*big.Int),
		Shortfalls:   make(map[common.Address]*big.Int),
		Prices:       make(map[common.Address]*big.Int),
		Tokens:       make(map[common.Address]chain.TokenMetadata),
		Timestamps:   make(map[uint64]time.Time),
		FilterErr:    make(map[event.Kind]error),
		ShortfallErr: make(map[common.Address]error),
	}
}

func (f *FakeChain) SetSupply(account, asset common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Supplies[positionKey{account, asset}] = amount
}

func (f *FakeChain) SetBorrow(account, asset common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Borrows[positionKey{account, asset}] = amount
}

// SetFilterErr makes FilterEvents fail for the kind; a nil err clears it.
func (f *FakeChain) SetFilterErr(kind event.Kind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.FilterErr, kind)
		return
	}
	f.FilterErr[kind] = err
}

func (f *FakeChain) PushCapable() bool { return f.Push }

func (f *FakeChain) CurrentHeight(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Height, nil
}

func (f *FakeChain) BlockTimestamp(_ context.Context, height uint64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts, ok := f.Timestamps[height]; ok {
		return ts, nil
	}
	return time.Unix(1700000000+int64(height)*12, 0).UTC(), nil
}

func (f *FakeChain) SupplyBalance(_ context.Context, account, asset common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Supplies[positionKey{account, asset}]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *FakeChain) BorrowBalance(_ context.Context, account, asset common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Borrows[positionKey{account, asset}]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *FakeChain) AccountShortfall(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.ShortfallErr[account]; ok {
		return nil, err
	}
	if s, ok := f.Shortfalls[account]; ok {
		return new(big.Int).Set(s), nil
	}
	return new(big.Int), nil
}

func (f *FakeChain) AssetPriceUSD(_ context.Context, asset common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.Prices[asset]; ok {
		return new(big.Int).Set(p), nil
	}
	return nil, fmt.Errorf("no price for %s", strings.ToLower(asset.Hex()))
}

func (f *FakeChain) Metadata(_ context.Context, asset common.Address) (chain.TokenMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if md, ok := f.Tokens[asset]; ok {
		return md, nil
	}
	return chain.TokenMetadata{}, fmt.Errorf("no metadata for %s", strings.ToLower(asset.Hex()))
}

func (f *FakeChain) FilterEvents(_ context.Context, kind event.Kind, from, to uint64) ([]event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FilterCalls++
	if err, ok := f.FilterErr[kind]; ok {
		return nil, err
	}
	var out []event.Event
	for _, ev := range f.Events {
		if ev.Kind() == kind && ev.BlockNumber() >= from && ev.BlockNumber() <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *FakeChain) SubscribeEvents(_ context.Context, kind event.Kind, out chan<- event.Event) (ethereum.Subscription, error) {
	if !f.Push {
		return nil, chain.ErrPushUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscriber{
		kind: kind,
		out:  out,
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	f.subscribers = append(f.subscribers, sub)
	return sub, nil
}

// Emit delivers the event to matching push subscribers and appends it to the
// filterable history.
func (f *FakeChain) Emit(ev event.Event) {
	f.mu.Lock()
	f.Events = append(f.Events, ev)
	if ev.BlockNumber() > f.Height {
		f.Height = ev.BlockNumber()
	}
	subs := make([]*fakeSubscriber, len(f.subscribers))
	copy(subs, f.subscribers)
	f.mu.Unlock()

	for _, sub := range subs {
		if sub.kind != ev.Kind() {
			continue
		}
		select {
		case sub.out <- ev:
		case <-sub.done:
		}
	}
}

// SubscriberCount reports the number of open push subscriptions.
func (f *FakeChain) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// FailSubscriptions injects an error into every open subscription.
func (f *FakeChain) FailSubscriptions(err error) {
	f.mu.Lock()
	subs := f.subscribers
	f.subscribers = nil
	f.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.errs <- err:
		default:
		}
	}
}

func (s *fakeSubscriber) Unsubscribe() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *fakeSubscriber) Err() <-chan error { return s.errs }

// CapturePublisher records every published liquidatable set.
type CapturePublisher struct {
	mu        sync.Mutex
	Published [][]common.Address
	Heights   []uint64
}

func (p *CapturePublisher) PublishLiquidatable(_ context.Context, accounts []common.Address, height uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := make([]common.Address, len(accounts))
	copy(set, accounts)
	p.Published = append(p.Published, set)
	p.Heights = append(p.Heights, height)
	return nil
}

func (p *CapturePublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Published)
}

func (p *CapturePublisher) Last() []common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Published) == 0 {
		return nil
	}
	return p.Published[len(p.Published)-1]
}
