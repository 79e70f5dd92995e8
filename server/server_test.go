package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kylelemons/godebug/pretty"

	"github.com/johnsiilver/asxwatch/marketdata"
	"github.com/johnsiilver/asxwatch/persist"
	"github.com/johnsiilver/asxwatch/refresh"
	"github.com/johnsiilver/asxwatch/server/messages"
	"github.com/johnsiilver/asxwatch/watchlist"
	"github.com/johnsiilver/asxwatch/watchset"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type alwaysOpen struct{}

func (alwaysOpen) IsOpen(time.Time) bool { return true }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fetcher struct {
	prices map[string]float64
}

func (f fetcher) FetchQuote(ctx context.Context, t string) (*marketdata.QuoteData, error) {
	p, ok := f.prices[t]
	if !ok {
		return nil, &marketdata.APIError{Status: http.StatusNotFound, Kind: marketdata.KindNotFound, Message: "Quote data for ticker '" + t + "' not found"}
	}
	return &marketdata.QuoteData{Symbol: t, Quote: marketdata.Quote{Last: p, YearHigh: p * 2}}, nil
}

func (f fetcher) FetchCompany(ctx context.Context, t string) (*marketdata.CompanyData, error) {
	if _, ok := f.prices[t]; !ok {
		return nil, &marketdata.APIError{Status: http.StatusNotFound, Kind: marketdata.KindNotFound, Message: "Ticker '" + t + "' not found or may be delisted"}
	}
	return &marketdata.CompanyData{Ticker: t, CompanyInfo: "About " + t}, nil
}

type env struct {
	srv   *Server
	m     *watchset.Manager
	wl    *watchlist.Store
	kv    *persist.MemKV
	clock *clock
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()

	f := fetcher{prices: map[string]float64{"CBA": 120.5, "BHP": 45.1, "WES": 60, "NAB": 33}}
	kv := persist.NewMemKV()
	wl := watchlist.Open(context.Background(), persist.NewSet(kv), "")
	c := &clock{now: time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC)}

	m, err := watchset.New(watchset.Config{
		Fetcher:   f,
		Company:   f,
		Scheduler: refresh.Scheduler{Policy: refresh.DefaultPolicy, Clock: alwaysOpen{}},
		Backoff:   refresh.Backoff{Attempts: 1},
		Watchlist: wl,
		Now:       c.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)

	return &env{srv: New(m, wl, opts), m: m, wl: wl, kv: kv, clock: c}
}

func (e *env) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

// waitQuote polls until t is no longer loading.
func (e *env) waitQuote(t *testing.T, tk string) quoteResp {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, body := e.do(t, http.MethodGet, "/api/quotes/"+tk, "")
		var resp quoteResp
		if err := json.Unmarshal([]byte(body), &resp); err != nil {
			t.Fatalf("bad quote body %q: %s", body, err)
		}
		if code == http.StatusOK && !resp.Loading {
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never finished loading", tk)
	return quoteResp{}
}

func TestStocks(t *testing.T) {
	e := newEnv(t, Options{Trending: []string{"CBA", "BHP"}})

	code, body := e.do(t, http.MethodGet, "/api/stocks/trending", "")
	if code != http.StatusOK {
		t.Fatalf("TestStocks(trending): got status %d", code)
	}
	want := `[{"ticker":"CBA","name":"Commonwealth Bank of Australia"},{"ticker":"BHP","name":"BHP Group"}]`
	if body != want {
		t.Errorf("TestStocks(trending): got %s, want %s", body, want)
	}

	_, body = e.do(t, http.MethodGet, "/api/stocks/search?q=woolw", "")
	if body != `[{"ticker":"WOW","name":"Woolworths Group"}]` {
		t.Errorf("TestStocks(search): got %s", body)
	}
}

func TestWatchAndQuote(t *testing.T) {
	e := newEnv(t, Options{})

	code, body := e.do(t, http.MethodPost, "/api/watch", `{"tickers":["cba","ab","c-b-a"]}`)
	if code != http.StatusAccepted {
		t.Fatalf("TestWatchAndQuote(watch): got status %d: %s", code, body)
	}
	var wresp struct {
		Watching []string   `json:"watching"`
		Rejected []rejected `json:"rejected"`
	}
	if err := json.Unmarshal([]byte(body), &wresp); err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare([]string{"CBA"}, wresp.Watching); diff != "" {
		t.Errorf("TestWatchAndQuote(watch): -want/+got:\n%s", diff)
	}
	if len(wresp.Rejected) != 1 || wresp.Rejected[0].Input != "ab" {
		t.Errorf("TestWatchAndQuote(watch): rejected = %+v", wresp.Rejected)
	}

	q := e.waitQuote(t, "cba")
	if q.Quote == nil || q.Quote.Quote.Last != 120.5 || q.Error != "" || q.Stale {
		t.Errorf("TestWatchAndQuote(quote): got %+v", q)
	}

	tests := []struct {
		desc   string
		method string
		path   string
		body   string
		code   int
		errMsg string
	}{
		{desc: "short ticker", method: http.MethodGet, path: "/api/quotes/ab", code: http.StatusBadRequest, errMsg: "Please enter a valid ticker (minimum 3 alphanumeric characters)"},
		{desc: "not watched", method: http.MethodGet, path: "/api/quotes/ZZZ", code: http.StatusNotFound, errMsg: "Ticker 'ZZZ' is not being watched"},
		{desc: "no valid tickers", method: http.MethodPost, path: "/api/watch", body: `{"tickers":["x"]}`, code: http.StatusBadRequest, errMsg: "Please enter a valid ticker (minimum 3 alphanumeric characters)"},
		{desc: "bad body", method: http.MethodPost, path: "/api/watch", body: `{"tickers":`, code: http.StatusBadRequest, errMsg: "Invalid request body"},
		{desc: "unwatch short", method: http.MethodDelete, path: "/api/watch/ab", code: http.StatusBadRequest, errMsg: "Please enter a valid ticker (minimum 3 alphanumeric characters)"},
	}
	for _, test := range tests {
		code, body := e.do(t, test.method, test.path, test.body)
		if code != test.code {
			t.Errorf("TestWatchAndQuote(%s): got status %d, want %d", test.desc, code, test.code)
		}
		var resp struct {
			Error string `json:"error"`
		}
		json.Unmarshal([]byte(body), &resp)
		if resp.Error != test.errMsg {
			t.Errorf("TestWatchAndQuote(%s): got error %q, want %q", test.desc, resp.Error, test.errMsg)
		}
	}

	if code, _ := e.do(t, http.MethodDelete, "/api/watch/cba", ""); code != http.StatusNoContent {
		t.Errorf("TestWatchAndQuote(unwatch): got status %d", code)
	}
	if len(e.m.Watched()) != 0 {
		t.Errorf("TestWatchAndQuote(unwatch): still watching %v", e.m.Watched())
	}
}

func TestFailedQuote(t *testing.T) {
	e := newEnv(t, Options{})

	e.do(t, http.MethodPost, "/api/watch", `{"tickers":["XYZ"]}`)
	q := e.waitQuote(t, "XYZ")
	if q.Quote != nil || q.Error != "Quote data for ticker 'XYZ' not found" {
		t.Errorf("TestFailedQuote: got %+v", q)
	}

	_, body := e.do(t, http.MethodGet, "/api/watch", "")
	var snap messages.Server
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].ErrorKind != "NotFound" {
		t.Errorf("TestFailedQuote(snapshot): got %+v", snap)
	}
}

func TestCompany(t *testing.T) {
	e := newEnv(t, Options{})

	code, body := e.do(t, http.MethodGet, "/api/company/cba", "")
	if code != http.StatusOK || body != `{"ticker":"CBA","company_info":"About CBA"}` {
		t.Errorf("TestCompany: got %d %s", code, body)
	}
	code, body = e.do(t, http.MethodGet, "/api/company/ZZZ", "")
	if code != http.StatusNotFound || body != `{"error":"Ticker 'ZZZ' not found or may be delisted"}` {
		t.Errorf("TestCompany(not found): got %d %s", code, body)
	}
}

func TestWatchlist(t *testing.T) {
	e := newEnv(t, Options{})

	code, body := e.do(t, http.MethodPost, "/api/watchlist/cba", "")
	if code != http.StatusOK || body != `{"tickers":["CBA"]}` {
		t.Errorf("TestWatchlist(add): got %d %s", code, body)
	}
	if v, _, _ := e.kv.Get(context.Background(), persist.WatchlistKey); v != `["CBA"]` {
		t.Errorf("TestWatchlist(add): stored %s", v)
	}
	if _, ok := e.m.Entry("CBA"); !ok {
		t.Errorf("TestWatchlist(add): CBA not watched")
	}

	code, body = e.do(t, http.MethodPost, "/api/watchlist/CBA/toggle", "")
	if code != http.StatusOK || body != `{"listed":false,"tickers":[]}` {
		t.Errorf("TestWatchlist(toggle): got %d %s", code, body)
	}
	if v, _, _ := e.kv.Get(context.Background(), persist.WatchlistKey); v != `[]` {
		t.Errorf("TestWatchlist(toggle): stored %s", v)
	}

	e.do(t, http.MethodPost, "/api/watchlist/nab/toggle", "")
	e.do(t, http.MethodPost, "/api/watchlist/bhp", "")
	e.do(t, http.MethodDelete, "/api/watchlist/NAB", "")
	_, body = e.do(t, http.MethodGet, "/api/watchlist", "")
	if body != `{"tickers":["BHP"]}` {
		t.Errorf("TestWatchlist(list): got %s", body)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/watchlist/ab", ""); code != http.StatusBadRequest {
		t.Errorf("TestWatchlist(short): got status %d", code)
	}
}

func TestDisplayedAndCleanup(t *testing.T) {
	e := newEnv(t, Options{})

	e.do(t, http.MethodPost, "/api/watch", `{"tickers":["BHP","NAB"]}`)
	e.do(t, http.MethodPost, "/api/watchlist/NAB", "")
	if code, _ := e.do(t, http.MethodPut, "/api/displayed/wes", ""); code != http.StatusNoContent {
		t.Fatalf("TestDisplayedAndCleanup(display): got status %d", code)
	}
	e.waitQuote(t, "WES")

	e.clock.Advance(10 * time.Minute)
	_, body := e.do(t, http.MethodPost, "/api/cleanup", "")
	if body != `{"evicted":["BHP"]}` {
		t.Errorf("TestDisplayedAndCleanup: got %s", body)
	}

	e.do(t, http.MethodDelete, "/api/displayed", "")
	_, body = e.do(t, http.MethodPost, "/api/cleanup", "")
	if body != `{"evicted":["WES"]}` {
		t.Errorf("TestDisplayedAndCleanup(cleared): got %s", body)
	}
	if diff := pretty.Compare([]string{"NAB"}, e.m.Watched()); diff != "" {
		t.Errorf("TestDisplayedAndCleanup: watched -want/+got:\n%s", diff)
	}
}

func TestRefresh(t *testing.T) {
	e := newEnv(t, Options{})

	e.do(t, http.MethodPost, "/api/watch", `{"tickers":["CBA"]}`)
	e.waitQuote(t, "CBA")

	code, body := e.do(t, http.MethodPost, "/api/refresh", `{}`)
	if code != http.StatusAccepted || body != `{"refreshing":["CBA"],"rejected":[]}` {
		t.Errorf("TestRefresh: got %d %s", code, body)
	}
	if q := e.waitQuote(t, "CBA"); q.Quote == nil {
		t.Errorf("TestRefresh: lost quote after refresh")
	}
}

func TestProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/market_data/quotes":
			if r.URL.Query().Get("listing_key") != "CBA" || r.URL.Query().Get("market_key") != "asx" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"symbol":"CBA","quote":{"cf_last":120.5}}`))
		case "/broken":
			w.Write([]byte(`{not json`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	e := newEnv(t, Options{UpstreamURL: upstream.URL, APIKey: "secret"})

	tests := []struct {
		desc string
		path string
		code int
		body string
	}{
		{
			desc: "success",
			path: "/api/proxy/api/market_data/quotes?market_key=asx&listing_key=CBA",
			code: http.StatusOK,
			body: `{"symbol":"CBA","quote":{"cf_last":120.5}}`,
		},
		{
			desc: "upstream 404",
			path: "/api/proxy/api/market_data/quotes/nothing",
			code: http.StatusNotFound,
			body: `{"error":"API request failed: Not Found"}`,
		},
		{
			desc: "upstream 400",
			path: "/api/proxy/api/market_data/quotes?market_key=asx&listing_key=BHP",
			code: http.StatusBadRequest,
			body: `{"error":"API request failed: Bad Request"}`,
		},
		{
			desc: "bad json",
			path: "/api/proxy/broken",
			code: http.StatusInternalServerError,
			body: `{"error":"Internal server error"}`,
		},
	}

	for _, test := range tests {
		code, body := e.do(t, http.MethodGet, test.path, "")
		if code != test.code || body != test.body {
			t.Errorf("TestProxy(%s): got %d %s, want %d %s", test.desc, code, body, test.code, test.body)
		}
	}

	// The market data client works through the proxy without a token.
	proxied := httptest.NewServer(e.srv)
	defer proxied.Close()
	qd, err := marketdata.New(proxied.URL+"/api/proxy", "", 0).FetchQuote(context.Background(), "cba")
	if err != nil || qd.Quote.Last != 120.5 {
		t.Errorf("TestProxy(client): got %+v, %v", qd, err)
	}

	upstream.Close()
	code, body := e.do(t, http.MethodGet, "/api/proxy/api/market_data/quotes", "")
	if code != http.StatusInternalServerError || body != `{"error":"Internal server error"}` {
		t.Errorf("TestProxy(upstream down): got %d %s", code, body)
	}
}

func TestProxyDisabled(t *testing.T) {
	e := newEnv(t, Options{})
	if code, _ := e.do(t, http.MethodGet, "/api/proxy/anything", ""); code != http.StatusNotFound {
		t.Errorf("TestProxyDisabled: got status %d, want 404", code)
	}
}

func TestStream(t *testing.T) {
	e := newEnv(t, Options{})
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var m messages.Server
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatal(err)
	}
	if m.Type != messages.SMSnapshot || len(m.Entries) != 0 {
		t.Fatalf("TestStream: first message = %+v, want empty snapshot", m)
	}

	if err := conn.WriteJSON(messages.Client{Type: messages.CMUnknown}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatal(err)
	}
	if m.Type != messages.SMError {
		t.Fatalf("TestStream: got %+v, want an error message", m)
	}

	if err := conn.WriteJSON(messages.Client{Type: messages.CMWatch, Tickers: []string{"bhp"}}); err != nil {
		t.Fatal(err)
	}
	for {
		m = messages.Server{}
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("TestStream: never saw BHP's quote: %s", err)
		}
		if m.Type == messages.SMSnapshot && len(m.Entries) == 1 && m.Entries[0].Quote != nil {
			break
		}
	}
	if got := m.Entries[0]; got.Ticker != "BHP" || got.Name != "BHP Group" || got.Loading || got.FetchedAt == nil {
		t.Errorf("TestStream: got entry %+v", got)
	}
}
