/*
Package watchset owns the set of tickers that are live in the application: which
tickers are watched, their cached quote or error, whether a fetch is outstanding
for them and when they were last asked for.

All state lives in a store.Store (see package state). The Manager is the only
writer. It dispatches at most one fetch per ticker at a time, tags every fetch
with a generation so a late result can never overwrite a newer one, and evicts
tickers nobody has asked for within the idle threshold.

A Manager is built once per application and shared:

	m, err := watchset.New(watchset.Config{
		Fetcher:   marketdata.New(baseURL, apiKey, 0),
		Trending:  stocks.Trending(6),
		Watchlist: wl,
	})
	if err != nil {
		// Do something
	}
	m.Start(ctx)
	defer m.Close()

	m.Watch("cba", "bhp")
*/
package watchset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/johnsiilver/asxwatch/marketclock"
	"github.com/johnsiilver/asxwatch/marketdata"
	"github.com/johnsiilver/asxwatch/refresh"
	"github.com/johnsiilver/asxwatch/state"
	"github.com/johnsiilver/asxwatch/state/actions"
	"github.com/johnsiilver/asxwatch/state/data"
	"github.com/johnsiilver/asxwatch/store"
	"github.com/johnsiilver/asxwatch/ticker"
)

// ErrDispatch is the batch error recorded when fetches cannot be dispatched at all.
var ErrDispatch = errors.New("unable to fetch market data")

const (
	// DefaultIdleThreshold is how long an unexempt ticker may go unwatched.
	DefaultIdleThreshold = 3 * time.Minute
	// DefaultCleanupInterval is how often Start runs Cleanup.
	DefaultCleanupInterval = 3 * time.Minute
	// DefaultRefreshTick is how often Start looks for entries due a refetch.
	DefaultRefreshTick = 15 * time.Second
	// DefaultMaxConcurrent bounds the fetches running at once.
	DefaultMaxConcurrent = 8
)

// Watchlist is the user's persisted watchlist. Tickers on it are never evicted.
type Watchlist interface {
	List() []string
	Contains(t string) bool
}

type noWatchlist struct{}

func (noWatchlist) List() []string         { return nil }
func (noWatchlist) Contains(t string) bool { return false }

// Config configures a Manager. Only Fetcher is required.
type Config struct {
	// Fetcher fetches quotes.
	Fetcher marketdata.Fetcher
	// Company fetches company information. If nil, Manager.Company() returns an error.
	Company marketdata.CompanyFetcher

	// Scheduler decides staleness and refetch cadence. A nil Clock uses the ASX
	// clock and a zero Policy uses refresh.DefaultPolicy.
	Scheduler refresh.Scheduler
	// Backoff wraps every fetch. A zero value uses refresh.DefaultBackoff. A nil
	// Retryable retries only transient errors.
	Backoff refresh.Backoff
	// FetchTimeout bounds a fetch including its retries.
	FetchTimeout time.Duration
	// MaxConcurrent bounds the fetches running at once.
	MaxConcurrent int

	// Trending tickers are watched on construction and never evicted.
	Trending []string
	// Watchlist tickers are watched on construction and never evicted while listed.
	Watchlist Watchlist

	IdleThreshold   time.Duration
	CleanupInterval time.Duration
	RefreshTick     time.Duration

	// Middleware is added to the store.
	Middleware []store.Middleware[data.State]

	// Now is replaced in tests.
	Now func() time.Time
}

func (c *Config) defaults() error {
	if c.Fetcher == nil {
		return fmt.Errorf("watchset: Config.Fetcher must be set")
	}
	if c.Scheduler.Clock == nil {
		c.Scheduler.Clock = marketclock.ASX()
	}
	if c.Scheduler.Policy == (refresh.Policy{}) {
		c.Scheduler.Policy = refresh.DefaultPolicy
	}
	if c.Backoff.Attempts == 0 {
		r := c.Backoff.Retryable
		c.Backoff = refresh.DefaultBackoff
		c.Backoff.Retryable = r
	}
	if c.Backoff.Retryable == nil {
		c.Backoff.Retryable = marketdata.IsTransient
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = marketdata.DefaultTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Watchlist == nil {
		c.Watchlist = noWatchlist{}
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.RefreshTick <= 0 {
		c.RefreshTick = DefaultRefreshTick
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// flight is an outstanding fetch.
type flight struct {
	gen    uint64
	cancel context.CancelFunc
}

// Manager manages the watch set. It is safe for concurrent use.
type Manager struct {
	id       string
	cfg      Config
	store    *store.Store[data.State]
	trending map[string]bool
	sem      chan struct{}
	gen      uint64 // atomic

	// ctx is the parent of every fetch, cancelled by Close().
	ctx    context.Context
	cancel context.CancelFunc

	// mu protects inflight and orders decisions about fetches with the store
	// updates they lead to.
	mu       sync.Mutex
	inflight map[string]flight
	fetches  sync.WaitGroup

	companies *companyCache

	// lmu protects loops.
	lmu     sync.Mutex
	loops   context.CancelFunc
	loopsWG sync.WaitGroup
}

// New is the constructor for Manager. The trending tickers and the watchlist are
// watched before New returns.
func New(cfg Config) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	st, err := state.New(cfg.Middleware...)
	if err != nil {
		return nil, err
	}
	cfg.Trending = ticker.Dedupe(cfg.Trending)

	m := &Manager{
		id:        uuid.New(),
		cfg:       cfg,
		store:     st,
		trending:  map[string]bool{},
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		inflight:  map[string]flight{},
		companies: newCompanyCache(),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, t := range cfg.Trending {
		m.trending[t] = true
	}

	initial := append(append([]string{}, cfg.Trending...), cfg.Watchlist.List()...)
	m.Watch(initial...)
	glog.Infof("watchset %s: started with %d tickers", m.id, len(m.Watched()))
	return m, nil
}

// ID identifies this Manager in logs.
func (m *Manager) ID() string {
	return m.id
}

// Watch adds tickers to the watch set. Tickers are canonicalized and invalid ones
// are ignored. A new ticker is fetched. A known ticker only has its access time
// refreshed, unless its data is stale or its last fetch failed and no fetch is
// outstanding, in which case it is fetched again.
func (m *Manager) Watch(tickers ...string) {
	valid := ticker.Dedupe(tickers)
	if len(valid) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		m.perform(actions.SetBatchErr(fmt.Errorf("%w: watch set is closed", ErrDispatch)))
		return
	}

	// The clear rides along with the Watch signal.
	if m.store.State().Data.BatchErr != nil {
		m.perform(actions.SetBatchErr(nil), store.NoUpdate[data.State]())
	}
	now := m.cfg.Now()
	if !m.perform(actions.Watch(now, valid...)) {
		m.perform(actions.SetBatchErr(fmt.Errorf("%w: could not record watched tickers", ErrDispatch)))
		return
	}
	st := m.store.State().Data

	for _, t := range valid {
		if _, ok := m.inflight[t]; ok {
			continue
		}
		e := st.Entries[t]
		if e.Quote == nil || e.Err != nil || m.cfg.Scheduler.Stale(e.FetchedAt, now) {
			m.startLocked(t)
		}
	}
}

// Unwatch removes tickers from the watch set and abandons their fetches.
func (m *Manager) Unwatch(tickers ...string) {
	valid := ticker.Dedupe(tickers)
	if len(valid) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked(valid)
	m.perform(actions.Unwatch(valid...))
}

// Refresh fetches the given watched tickers now, superseding any outstanding fetch.
// Tickers that are not watched are ignored.
func (m *Manager) Refresh(tickers ...string) {
	valid := ticker.Dedupe(tickers)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return
	}
	st := m.store.State().Data
	for _, t := range valid {
		if _, ok := st.Entries[t]; !ok {
			continue
		}
		m.cancelLocked([]string{t})
		m.startLocked(t)
	}
}

// RefreshDue fetches every entry whose refetch interval has passed and that has no
// outstanding fetch. Start calls this on every refresh tick.
func (m *Manager) RefreshDue() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return
	}
	now := m.cfg.Now()
	st := m.store.State().Data
	for _, t := range st.Order {
		if _, ok := m.inflight[t]; ok {
			continue
		}
		if m.cfg.Scheduler.Due(st.Entries[t].FetchedAt, now) {
			m.startLocked(t)
		}
	}
}

// Cleanup evicts every entry that has been idle longer than the idle threshold,
// unless it is trending, on the watchlist or currently displayed. An entry with
// no access time is idle. It returns the evicted tickers.
func (m *Manager) Cleanup() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	st := m.store.State().Data

	var evict []string
	for _, t := range st.Order {
		if m.exempt(t, st) {
			continue
		}
		e := st.Entries[t]
		if e.LastAccess.IsZero() || now.Sub(e.LastAccess) > m.cfg.IdleThreshold {
			evict = append(evict, t)
		}
	}
	if len(evict) == 0 {
		return nil
	}

	m.cancelLocked(evict)
	m.perform(actions.Evict(evict...))
	glog.V(1).Infof("watchset %s: evicted %v", m.id, evict)
	return evict
}

// exempt reports if t is protected from eviction for any reason.
func (m *Manager) exempt(t string, st data.State) bool {
	return m.trending[t] || m.cfg.Watchlist.Contains(t) || st.Displayed == t
}

// SetCurrentlyDisplayed records the ticker in the primary view so it is never
// evicted while shown. An empty or invalid ticker clears it.
func (m *Manager) SetCurrentlyDisplayed(t string) {
	t, err := ticker.Validate(t)
	if err != nil {
		t = ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.perform(actions.SetDisplayed(t))
}

// CurrentlyDisplayed returns the ticker in the primary view or "".
func (m *Manager) CurrentlyDisplayed() string {
	return m.store.State().Data.Displayed
}

// GetQuoteData returns the cached quote for t or nil. It never fetches.
func (m *Manager) GetQuoteData(t string) *marketdata.QuoteData {
	e, ok := m.entry(t)
	if !ok {
		return nil
	}
	return e.Quote
}

// IsTickerLoading reports if any of the watched tickers has an outstanding fetch.
// Tickers that are not watched are not loading.
func (m *Manager) IsTickerLoading(tickers ...string) bool {
	st := m.store.State().Data
	for _, t := range tickers {
		if e, ok := st.Entries[ticker.Canonical(t)]; ok && e.Fetching {
			return true
		}
	}
	return false
}

// IsLoading reports if any watched ticker is waiting on its first result.
func (m *Manager) IsLoading() bool {
	for _, e := range m.store.State().Data.Entries {
		if e.Loading {
			return true
		}
	}
	return false
}

// Error returns the error of the latest fetch for t. If t has no entry, the batch
// error is returned, which is usually nil.
func (m *Manager) Error(t string) error {
	st := m.store.State().Data
	if e, ok := st.Entries[ticker.Canonical(t)]; ok {
		return e.Err
	}
	return st.BatchErr
}

// IsStale reports if the data for t is older than the current stale window.
// Tickers that are not watched are stale.
func (m *Manager) IsStale(t string) bool {
	e, ok := m.entry(t)
	if !ok {
		return true
	}
	return m.cfg.Scheduler.Stale(e.FetchedAt, m.cfg.Now())
}

// Entry returns the entry for t.
func (m *Manager) Entry(t string) (data.Entry, bool) {
	return m.entry(t)
}

func (m *Manager) entry(t string) (data.Entry, bool) {
	return m.store.State().Data.Get(ticker.Canonical(t))
}

// Watched returns the watched tickers in the order they were first watched.
func (m *Manager) Watched() []string {
	return append([]string{}, m.store.State().Data.Order...)
}

// State returns the current version of the watch set.
func (m *Manager) State() store.State[data.State] {
	return m.store.State()
}

// Snapshot returns every entry in watch order.
func (m *Manager) Snapshot() []data.Entry {
	return SnapshotOf(m.store.State().Data)
}

// SnapshotOf returns the entries of st in watch order.
func SnapshotOf(st data.State) []data.Entry {
	out := make([]data.Entry, 0, len(st.Order))
	for _, t := range st.Order {
		out = append(out, st.Entries[t])
	}
	return out
}

// Subscribe returns a channel that receives a signal after every change to the
// watch set. Call the CancelFunc when done.
func (m *Manager) Subscribe() (chan store.Signal[data.State], store.CancelFunc, error) {
	return m.store.Subscribe(store.Any)
}

// Start runs Cleanup every cleanup interval and RefreshDue every refresh tick
// until ctx is done or Stop is called. Calling Start while running does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	if m.loops != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.loops = cancel

	m.loopsWG.Add(1)
	go func() {
		defer m.loopsWG.Done()
		m.loop(ctx)
	}()
}

func (m *Manager) loop(ctx context.Context) {
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanup.Stop()
	tick := time.NewTicker(m.cfg.RefreshTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			m.Cleanup()
		case <-tick.C:
			m.RefreshDue()
		}
	}
}

// Stop stops the loops started by Start. Start may be called again afterwards.
func (m *Manager) Stop() {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	if m.loops == nil {
		return
	}
	m.loops()
	m.loopsWG.Wait()
	m.loops = nil
}

// Close stops the loops, cancels outstanding fetches and waits for them to return.
// After Close, Watch only records ErrDispatch.
func (m *Manager) Close() {
	m.Stop()

	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()

	m.fetches.Wait()
}

// track adds a fetch to m.fetches unless the Manager is closed.
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return false
	}
	m.fetches.Add(1)
	return true
}

// perform applies a to the store. It reports if the store accepted it.
func (m *Manager) perform(a store.Action, opts ...store.PerformOption[data.State]) bool {
	if err := m.store.Perform(a, opts...); err != nil {
		glog.Errorf("watchset %s: %s rejected: %s", m.id, actions.Name(a.Type), err)
		return false
	}
	return true
}

// cancelLocked abandons the outstanding fetches of tickers. m.mu must be held.
func (m *Manager) cancelLocked(tickers []string) {
	for _, t := range tickers {
		if f, ok := m.inflight[t]; ok {
			f.cancel()
			delete(m.inflight, t)
		}
	}
}

// startLocked starts a new fetch generation for t. m.mu must be held and m.ctx
// must not be done, which orders the Add with Close's Wait.
func (m *Manager) startLocked(t string) {
	gen := atomic.AddUint64(&m.gen, 1)
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.FetchTimeout)
	m.inflight[t] = flight{gen: gen, cancel: cancel}
	m.perform(actions.FetchStarted(t, gen))

	m.fetches.Add(1)
	go m.fetch(ctx, t, gen)
}

// fetch runs a fetch and hands the outcome to finish.
func (m *Manager) fetch(ctx context.Context, t string, gen uint64) {
	defer m.fetches.Done()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.finish(t, gen, nil, fmt.Errorf("fetch for %s not started: %w", t, ctx.Err()))
		return
	}

	var qd *marketdata.QuoteData
	err := m.cfg.Backoff.Retry(ctx, func(ctx context.Context) error {
		var err error
		qd, err = m.cfg.Fetcher.FetchQuote(ctx, t)
		return err
	})
	<-m.sem

	m.finish(t, gen, qd, err)
}

// finish records the outcome of fetch gen of t if gen is still the current fetch.
func (m *Manager) finish(t string, gen uint64, qd *marketdata.QuoteData, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.inflight[t]
	if !ok || f.gen != gen {
		glog.V(1).Infof("watchset %s: dropping superseded fetch %d for %s", m.id, gen, t)
		return
	}
	f.cancel()
	delete(m.inflight, t)

	if err == nil && qd == nil {
		err = fmt.Errorf("no quote data for %s", t)
	}
	m.perform(actions.FetchDone(t, gen, qd, err, m.cfg.Now()))
}
