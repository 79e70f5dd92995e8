package watchset

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"

	"github.com/johnsiilver/asxwatch/marketdata"
	"github.com/johnsiilver/asxwatch/refresh"
	"github.com/johnsiilver/asxwatch/state/actions"
	"github.com/johnsiilver/asxwatch/ticker"
)

type fixedMarket bool

func (f fixedMarket) IsOpen(time.Time) bool { return bool(f) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeWatchlist map[string]bool

func (f fakeWatchlist) List() []string {
	var l []string
	for k := range f {
		l = append(l, k)
	}
	return l
}

func (f fakeWatchlist) Contains(t string) bool { return f[t] }

func notFound(t string) error {
	return &marketdata.APIError{Status: http.StatusNotFound, Kind: marketdata.KindNotFound, Message: "Quote data for ticker '" + t + "' not found"}
}

func quote(t string, last float64) *marketdata.QuoteData {
	return &marketdata.QuoteData{Symbol: t, Quote: marketdata.Quote{Last: last}}
}

// stubFetcher answers immediately from prices and errs.
type stubFetcher struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
	calls  map[string]int
}

func newStub(prices map[string]float64) *stubFetcher {
	return &stubFetcher{prices: prices, errs: map[string]error{}, calls: map[string]int{}}
}

func (s *stubFetcher) FetchQuote(ctx context.Context, t string) (*marketdata.QuoteData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[t]++
	if err := s.errs[t]; err != nil {
		return nil, err
	}
	p, ok := s.prices[t]
	if !ok {
		return nil, notFound(t)
	}
	return quote(t, p), nil
}

func (s *stubFetcher) setErr(t string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[t] = err
}

func (s *stubFetcher) count(t string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[t]
}

type reply struct {
	qd  *marketdata.QuoteData
	err error
}

type call struct {
	ticker string
	reply  chan reply
}

// blockingFetcher hands every call to the test and waits for its reply. It
// ignores ctx so that a superseded fetch can resolve late.
type blockingFetcher struct {
	calls chan call
	done  chan struct{}
}

func newBlocking() *blockingFetcher {
	return &blockingFetcher{calls: make(chan call, 10), done: make(chan struct{})}
}

func (b *blockingFetcher) FetchQuote(ctx context.Context, t string) (*marketdata.QuoteData, error) {
	c := call{ticker: t, reply: make(chan reply, 1)}
	b.calls <- c
	select {
	case r := <-c.reply:
		return r.qd, r.err
	case <-b.done:
		return nil, errors.New("test over")
	}
}

func (b *blockingFetcher) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-b.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("no fetch was issued")
	}
	return call{}
}

func newManager(t *testing.T, cfg Config) (*Manager, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	cfg.Now = clock.Now
	if cfg.Scheduler.Clock == nil {
		cfg.Scheduler = refresh.Scheduler{Policy: refresh.DefaultPolicy, Clock: fixedMarket(true)}
	}
	cfg.Backoff = refresh.Backoff{Attempts: 1}

	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	if b, ok := cfg.Fetcher.(*blockingFetcher); ok {
		t.Cleanup(func() { close(b.done) })
	}
	return m, clock
}

// outstanding returns the number of fetches in flight.
func (m *Manager) outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Errorf("TestNew(no fetcher): got err == nil, want err != nil")
	}

	stub := newStub(map[string]float64{"CBA": 1, "BHP": 2, "NAB": 3})
	m, _ := newManager(t, Config{
		Fetcher:   stub,
		Trending:  []string{"cba", "BHP", "x"},
		Watchlist: fakeWatchlist{"BHP": true},
	})
	m.fetches.Wait()

	if diff := pretty.Compare([]string{"CBA", "BHP"}, m.Watched()); diff != "" {
		t.Errorf("TestNew: watched -want/+got:\n%s", diff)
	}
	if stub.count("BHP") != 1 {
		t.Errorf("TestNew: BHP fetched %d times, want 1", stub.count("BHP"))
	}
	if m.ID() == "" {
		t.Errorf("TestNew: manager has no ID")
	}
}

func TestWatchDedupesAndValidates(t *testing.T) {
	stub := newStub(map[string]float64{"CBA": 100, "BHP": 45})
	m, _ := newManager(t, Config{Fetcher: stub})

	m.Watch("cba", "CBA", " bhp", "ab", "b-h-p", "", "Cba")
	m.Watch("bhp")
	m.fetches.Wait()

	if diff := pretty.Compare([]string{"CBA", "BHP"}, m.Watched()); diff != "" {
		t.Errorf("TestWatchDedupesAndValidates: watched -want/+got:\n%s", diff)
	}
	for _, tk := range []string{"CBA", "BHP"} {
		if got := stub.count(tk); got != 1 {
			t.Errorf("TestWatchDedupesAndValidates: %s fetched %d times, want 1", tk, got)
		}
	}
	if stub.count("AB") != 0 {
		t.Errorf("TestWatchDedupesAndValidates: short ticker AB was fetched")
	}
	if _, ok := m.Entry("AB"); ok {
		t.Errorf("TestWatchDedupesAndValidates: short ticker AB was watched")
	}
}

func TestNoDuplicateFetchOnRewatch(t *testing.T) {
	b := newBlocking()
	m, _ := newManager(t, Config{Fetcher: b})

	m.Watch("CBA")
	c := b.next(t)

	if !m.IsTickerLoading("cba") || !m.IsLoading() {
		t.Errorf("TestNoDuplicateFetchOnRewatch: CBA not loading while its fetch is outstanding")
	}
	if m.GetQuoteData("CBA") != nil {
		t.Errorf("TestNoDuplicateFetchOnRewatch: got quote data before the fetch resolved")
	}

	m.Watch("CBA")
	m.Watch("cba", "CBA")
	if got := m.outstanding(); got != 1 {
		t.Errorf("TestNoDuplicateFetchOnRewatch: %d fetches outstanding, want 1", got)
	}
	select {
	case extra := <-b.calls:
		t.Errorf("TestNoDuplicateFetchOnRewatch: got a second fetch for %s", extra.ticker)
	default:
	}

	c.reply <- reply{qd: quote("CBA", 100)}
	m.fetches.Wait()

	if m.IsTickerLoading("CBA") || m.IsLoading() {
		t.Errorf("TestNoDuplicateFetchOnRewatch: CBA still loading after its fetch resolved")
	}
	if qd := m.GetQuoteData("CBA"); qd == nil || qd.Quote.Last != 100 {
		t.Errorf("TestNoDuplicateFetchOnRewatch: got quote %+v, want last 100", qd)
	}

	// Fresh data is not fetched again.
	m.Watch("CBA")
	if got := m.outstanding(); got != 0 {
		t.Errorf("TestNoDuplicateFetchOnRewatch: re-watch of fresh data started %d fetches", got)
	}
}

func TestStaleResultDiscarded(t *testing.T) {
	b := newBlocking()
	m, _ := newManager(t, Config{Fetcher: b})

	m.Watch("XRO")
	fetchA := b.next(t)
	m.Refresh("XRO")
	fetchB := b.next(t)

	fetchB.reply <- reply{qd: quote("XRO", 2)}
	fetchA.reply <- reply{qd: quote("XRO", 1)}
	m.fetches.Wait()

	qd := m.GetQuoteData("XRO")
	if qd == nil || qd.Quote.Last != 2 {
		t.Errorf("TestStaleResultDiscarded: got quote %+v, want the newer fetch's last of 2", qd)
	}
	if m.IsTickerLoading("XRO") {
		t.Errorf("TestStaleResultDiscarded: XRO still loading")
	}
}

func TestStaleResultDiscardedWhenOlderFails(t *testing.T) {
	b := newBlocking()
	m, _ := newManager(t, Config{Fetcher: b})

	m.Watch("XRO")
	fetchA := b.next(t)
	m.Refresh("XRO")
	fetchB := b.next(t)

	fetchB.reply <- reply{qd: quote("XRO", 2)}
	fetchA.reply <- reply{err: notFound("XRO")}
	m.fetches.Wait()

	if err := m.Error("XRO"); err != nil {
		t.Errorf("TestStaleResultDiscardedWhenOlderFails: got error %v from the superseded fetch", err)
	}
}

func TestUnwatchDoesNotResurrect(t *testing.T) {
	b := newBlocking()
	m, _ := newManager(t, Config{Fetcher: b})

	m.Watch("CBA")
	c := b.next(t)
	m.Unwatch("cba")
	c.reply <- reply{qd: quote("CBA", 100)}
	m.fetches.Wait()

	if _, ok := m.Entry("CBA"); ok {
		t.Errorf("TestUnwatchDoesNotResurrect: late result recreated CBA")
	}
	if m.GetQuoteData("CBA") != nil || m.IsTickerLoading("CBA") {
		t.Errorf("TestUnwatchDoesNotResurrect: CBA still has state after unwatch")
	}
	if len(m.Watched()) != 0 {
		t.Errorf("TestUnwatchDoesNotResurrect: watched = %v, want empty", m.Watched())
	}
}

func TestPartialFailureIsolated(t *testing.T) {
	stub := newStub(map[string]float64{"AAA": 1.5})
	m, _ := newManager(t, Config{Fetcher: stub})

	m.Watch("AAA", "BBB")
	m.fetches.Wait()

	if m.GetQuoteData("AAA") == nil || m.Error("AAA") != nil {
		t.Errorf("TestPartialFailureIsolated: AAA got data %v, err %v", m.GetQuoteData("AAA"), m.Error("AAA"))
	}
	if m.GetQuoteData("BBB") != nil {
		t.Errorf("TestPartialFailureIsolated: BBB got data, want nil")
	}
	if k := marketdata.KindOf(m.Error("BBB")); m.Error("BBB") == nil || k != marketdata.KindNotFound {
		t.Errorf("TestPartialFailureIsolated: BBB got err %v (kind %s), want not found", m.Error("BBB"), k)
	}
	if m.Error("ZZZ") != nil {
		t.Errorf("TestPartialFailureIsolated: untracked ZZZ got err %v, want nil", m.Error("ZZZ"))
	}
	if m.IsTickerLoading("ZZZ") {
		t.Errorf("TestPartialFailureIsolated: untracked ZZZ is loading")
	}
}

func TestRewatchRefetches(t *testing.T) {
	stub := newStub(map[string]float64{"CBA": 100})
	m, clock := newManager(t, Config{Fetcher: stub})

	m.Watch("CBA")
	m.fetches.Wait()

	clock.Advance(2 * time.Minute)
	m.Watch("CBA")
	m.fetches.Wait()
	if got := stub.count("CBA"); got != 1 {
		t.Errorf("TestRewatchRefetches(fresh): fetched %d times, want 1", got)
	}
	if m.IsStale("CBA") {
		t.Errorf("TestRewatchRefetches(fresh): IsStale() = true")
	}

	clock.Advance(2 * time.Minute)
	if !m.IsStale("CBA") {
		t.Errorf("TestRewatchRefetches(stale): IsStale() = false")
	}
	m.Watch("CBA")
	m.fetches.Wait()
	if got := stub.count("CBA"); got != 2 {
		t.Errorf("TestRewatchRefetches(stale): fetched %d times, want 2", got)
	}

	// A failure stands until the next explicit watch.
	stub.setErr("CBA", notFound("CBA"))
	m.Refresh("CBA")
	m.fetches.Wait()
	if m.Error("CBA") == nil || m.GetQuoteData("CBA") != nil {
		t.Fatalf("TestRewatchRefetches(failed): got data %v, err %v", m.GetQuoteData("CBA"), m.Error("CBA"))
	}
	stub.setErr("CBA", nil)
	m.Watch("CBA")
	m.fetches.Wait()
	if m.Error("CBA") != nil || m.GetQuoteData("CBA") == nil {
		t.Errorf("TestRewatchRefetches(recovered): got data %v, err %v", m.GetQuoteData("CBA"), m.Error("CBA"))
	}
}

func TestRefreshDue(t *testing.T) {
	tests := []struct {
		desc   string
		open   bool
		notDue time.Duration
		due    time.Duration
	}{
		{desc: "market open", open: true, notDue: 30 * time.Second, due: time.Minute},
		{desc: "market closed", open: false, notDue: 59 * time.Minute, due: time.Hour},
	}

	for _, test := range tests {
		stub := newStub(map[string]float64{"CBA": 100})
		m, clock := newManager(t, Config{
			Fetcher:   stub,
			Scheduler: refresh.Scheduler{Policy: refresh.DefaultPolicy, Clock: fixedMarket(test.open)},
		})
		m.Watch("CBA")
		m.fetches.Wait()

		clock.Advance(test.notDue)
		m.RefreshDue()
		m.fetches.Wait()
		if got := stub.count("CBA"); got != 1 {
			t.Errorf("TestRefreshDue(%s): fetched %d times before due, want 1", test.desc, got)
		}

		clock.Advance(test.due - test.notDue)
		m.RefreshDue()
		m.fetches.Wait()
		if got := stub.count("CBA"); got != 2 {
			t.Errorf("TestRefreshDue(%s): fetched %d times when due, want 2", test.desc, got)
		}
	}
}

func TestCleanup(t *testing.T) {
	stub := newStub(map[string]float64{"CBA": 1, "NAB": 2, "BHP": 3, "WES": 4, "WOW": 5, "TLS": 6})
	m, clock := newManager(t, Config{
		Fetcher:       stub,
		Trending:      []string{"CBA"},
		Watchlist:     fakeWatchlist{"NAB": true},
		IdleThreshold: 3 * time.Minute,
	})

	m.Watch("BHP", "WES", "WOW", "TLS")
	m.SetCurrentlyDisplayed("wes")
	if got := m.CurrentlyDisplayed(); got != "WES" {
		t.Errorf("TestCleanup: CurrentlyDisplayed() = %q, want WES", got)
	}

	// Exactly at the threshold nothing is idle.
	clock.Advance(3 * time.Minute)
	if got := m.Cleanup(); len(got) != 0 {
		t.Errorf("TestCleanup(at threshold): evicted %v", got)
	}

	clock.Advance(time.Minute)
	m.Watch("WOW")
	got := m.Cleanup()
	if diff := pretty.Compare([]string{"BHP", "TLS"}, got); diff != "" {
		t.Errorf("TestCleanup: evicted -want/+got:\n%s", diff)
	}
	if diff := pretty.Compare([]string{"CBA", "NAB", "WES", "WOW"}, m.Watched()); diff != "" {
		t.Errorf("TestCleanup: watched -want/+got:\n%s", diff)
	}

	// Years of idleness never evict trending or watchlisted tickers.
	m.SetCurrentlyDisplayed("")
	clock.Advance(24 * 365 * time.Hour)
	m.Cleanup()
	if diff := pretty.Compare([]string{"CBA", "NAB"}, m.Watched()); diff != "" {
		t.Errorf("TestCleanup(after years): watched -want/+got:\n%s", diff)
	}
	m.fetches.Wait()
}

func TestBatchErrorFallback(t *testing.T) {
	stub := newStub(map[string]float64{"CBA": 1})
	m, _ := newManager(t, Config{Fetcher: stub})

	m.Watch("CBA")
	m.fetches.Wait()
	m.Close()

	m.Watch("BHP")
	if err := m.Error("BHP"); !errors.Is(err, ErrDispatch) {
		t.Errorf("TestBatchErrorFallback: Error(BHP) = %v, want ErrDispatch", err)
	}
	// A ticker with its own entry reports only its own error.
	if err := m.Error("CBA"); err != nil {
		t.Errorf("TestBatchErrorFallback: Error(CBA) = %v, want nil", err)
	}
	if _, ok := m.Entry("BHP"); ok {
		t.Errorf("TestBatchErrorFallback: BHP was watched after Close")
	}
}

func TestCompany(t *testing.T) {
	cf := &companyStub{fails: 1}
	m, _ := newManager(t, Config{Fetcher: newStub(nil), Company: cf})
	ctx := context.Background()

	if _, err := m.Company(ctx, "ab"); err == nil {
		t.Errorf("TestCompany(short ticker): got err == nil")
	} else {
		var ve ticker.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("TestCompany(short ticker): got %T, want ValidationError", err)
		}
	}

	// The failure is not cached.
	if _, err := m.Company(ctx, "cba"); err == nil {
		t.Errorf("TestCompany(first call): got err == nil, want err != nil")
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cd, err := m.Company(ctx, "CBA")
			if err != nil || cd.Ticker != "CBA" {
				t.Errorf("TestCompany: got %+v, %v", cd, err)
			}
		}()
	}
	wg.Wait()

	if got := cf.count(); got != 2 {
		t.Errorf("TestCompany: fetched %d times, want 2", got)
	}

	noCompany, _ := newManager(t, Config{Fetcher: newStub(nil)})
	if _, err := noCompany.Company(ctx, "CBA"); err == nil {
		t.Errorf("TestCompany(no fetcher): got err == nil")
	}
}

type companyStub struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (c *companyStub) FetchCompany(ctx context.Context, t string) (*marketdata.CompanyData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.calls <= c.fails {
		return nil, notFound(t)
	}
	return &marketdata.CompanyData{Ticker: t, CompanyInfo: "A bank."}, nil
}

func (c *companyStub) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSubscribe(t *testing.T) {
	m, _ := newManager(t, Config{Fetcher: newStub(map[string]float64{"CBA": 1})})

	ch, cancel, err := m.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	m.Watch("CBA")
	m.fetches.Wait()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case sig := <-ch:
			if e, ok := sig.State.Data.Entries["CBA"]; ok && e.Quote != nil {
				return
			}
		case <-deadline:
			t.Fatalf("TestSubscribe: never saw CBA's quote in a signal")
		}
	}
}

func TestStartStop(t *testing.T) {
	stub := newStub(map[string]float64{"CBA": 1})
	m, _ := newManager(t, Config{Fetcher: stub, CleanupInterval: time.Millisecond, RefreshTick: time.Millisecond})

	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	m.Stop()
	m.Stop()

	m.lmu.Lock()
	running := m.loops != nil
	m.lmu.Unlock()
	if running {
		t.Errorf("TestStartStop: loops still registered after Stop")
	}

	m.Start(ctx)
	m.Close()
}

func TestSnapshot(t *testing.T) {
	m, _ := newManager(t, Config{Fetcher: newStub(map[string]float64{"CBA": 1, "BHP": 2})})

	m.Watch("BHP", "CBA")
	m.fetches.Wait()

	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].Ticker != "BHP" || snap[1].Ticker != "CBA" {
		t.Fatalf("TestSnapshot: got %+v", snap)
	}
	if snap[0].Quote.Quote.Last != 2 || snap[0].Loading || snap[0].Fetching {
		t.Errorf("TestSnapshot: got BHP entry %+v", snap[0])
	}
}

// hangFetcher never answers on its own, it returns only when ctx is done.
type hangFetcher struct{}

func (hangFetcher) FetchQuote(ctx context.Context, t string) (*marketdata.QuoteData, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFetchTimeout(t *testing.T) {
	m, _ := newManager(t, Config{Fetcher: hangFetcher{}, FetchTimeout: 50 * time.Millisecond})

	m.Watch("CBA")
	if !m.IsTickerLoading("CBA") || !m.IsLoading() {
		t.Fatalf("TestFetchTimeout: CBA is not loading after Watch")
	}
	m.fetches.Wait()

	if m.IsTickerLoading("CBA") || m.IsLoading() {
		t.Errorf("TestFetchTimeout: CBA still loading after the fetch timeout")
	}
	if err := m.Error("CBA"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("TestFetchTimeout: Error(CBA) = %v, want context.DeadlineExceeded", err)
	}
	if m.GetQuoteData("CBA") != nil {
		t.Errorf("TestFetchTimeout: got quote data for a fetch that timed out")
	}
}

func TestCompanyAfterClose(t *testing.T) {
	cf := &companyStub{}
	m, _ := newManager(t, Config{Fetcher: newStub(nil), Company: cf})
	m.Close()

	if _, err := m.Company(context.Background(), "CBA"); !errors.Is(err, ErrDispatch) {
		t.Errorf("TestCompanyAfterClose: got err %v, want ErrDispatch", err)
	}
	if got := cf.count(); got != 0 {
		t.Errorf("TestCompanyAfterClose: fetched %d times after Close, want 0", got)
	}
}

func TestDisplayedNeverEvictedByRacingCleanup(t *testing.T) {
	stub := newStub(map[string]float64{"WES": 1})
	m, clock := newManager(t, Config{Fetcher: stub, IdleThreshold: time.Minute})

	var rounds int64
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			m.Cleanup()
			atomic.AddInt64(&rounds, 1)
		}
	}()

	for i := 0; i < 50; i++ {
		m.SetCurrentlyDisplayed("")
		m.Watch("WES")
		clock.Advance(2 * time.Minute)
		m.SetCurrentlyDisplayed("WES")
		_, present := m.Entry("WES")

		// Let every Cleanup that may have started before the display finish.
		start := atomic.LoadInt64(&rounds)
		for atomic.LoadInt64(&rounds) < start+2 {
			time.Sleep(time.Millisecond)
		}
		if _, ok := m.Entry("WES"); present && !ok {
			t.Fatalf("TestDisplayedNeverEvictedByRacingCleanup(round %d): WES evicted while displayed", i)
		}
	}
	close(stop)
	<-done
}

func TestWatchClearsBatchErr(t *testing.T) {
	m, _ := newManager(t, Config{Fetcher: newStub(map[string]float64{"CBA": 1})})
	m.perform(actions.SetBatchErr(ErrDispatch))

	ch, cancel, err := m.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	m.Watch("CBA")
	select {
	case sig := <-ch:
		if sig.State.Data.BatchErr != nil {
			t.Errorf("TestWatchClearsBatchErr: signal still carries %v", sig.State.Data.BatchErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("TestWatchClearsBatchErr: no signal after Watch")
	}
	if err := m.Error("ZZZ"); err != nil {
		t.Errorf("TestWatchClearsBatchErr: Error(ZZZ) = %v, want nil", err)
	}
	m.fetches.Wait()
}
