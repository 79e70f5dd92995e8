package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/johnsiilver/asxwatch/ticker"
)

const (
	quotesPath  = "/api/market_data/quotes"
	companyPath = "/api/market_data/company_information"

	// DefaultTimeout bounds a single request so a loading state can never hang.
	DefaultTimeout = 30 * time.Second
)

// Fetcher fetches quote data for a single ticker.
type Fetcher interface {
	FetchQuote(ctx context.Context, ticker string) (*QuoteData, error)
}

// CompanyFetcher fetches company information for a single ticker.
type CompanyFetcher interface {
	FetchCompany(ctx context.Context, ticker string) (*CompanyData, error)
}

// Client talks to the market data API, either directly (set Token) or through the
// authenticating proxy (leave Token empty and point BaseURL at the proxy).
// Client does no retries, callers wrap it with a refresh.Backoff.
type Client struct {
	// BaseURL is the API root, such as "https://api.example.com" or "http://localhost:8080/api/proxy".
	BaseURL string
	// Token, if set, is sent as a bearer token.
	Token string
	// HTTPClient is the client used for requests.
	HTTPClient *http.Client
}

// New is the constructor for Client. A timeout <= 0 uses DefaultTimeout.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// FetchQuote fetches the latest quote for t.
func (c *Client) FetchQuote(ctx context.Context, t string) (*QuoteData, error) {
	t = ticker.Canonical(t)
	q := url.Values{}
	q.Set("market_key", "asx")
	q.Set("listing_key", t)

	qd := &QuoteData{}
	err := c.get(ctx, quotesPath, q, "quote data", fmt.Sprintf("Quote data for ticker '%s' not found", t), qd)
	if err != nil {
		return nil, err
	}
	return qd, nil
}

// FetchCompany fetches the company information for t.
func (c *Client) FetchCompany(ctx context.Context, t string) (*CompanyData, error) {
	t = ticker.Canonical(t)
	q := url.Values{}
	q.Set("ticker", t)

	cd := &CompanyData{}
	err := c.get(ctx, companyPath, q, "company information", fmt.Sprintf("Ticker '%s' not found or may be delisted", t), cd)
	if err != nil {
		return nil, err
	}
	return cd, nil
}

// FetchMany fetches quotes for all tickers concurrently. The result has one entry
// per distinct canonical ticker, in input order, whether or not its fetch failed.
func (c *Client) FetchMany(ctx context.Context, tickers []string) []Result {
	return FetchMany(ctx, c, tickers)
}

// FetchMany runs f.FetchQuote for every distinct ticker concurrently. A failure of
// one ticker never affects the others. Invalid tickers get a ticker.ValidationError
// and are never fetched.
func FetchMany(ctx context.Context, f Fetcher, tickers []string) []Result {
	results := make([]Result, 0, len(tickers))
	seen := map[string]bool{}
	for _, in := range tickers {
		t := ticker.Canonical(in)
		if seen[t] {
			continue
		}
		seen[t] = true

		r := Result{Ticker: t}
		if _, err := ticker.Validate(in); err != nil {
			r.Err = err
		}
		results = append(results, r)
	}

	wg := sync.WaitGroup{}
	for i := range results {
		if results[i].Err != nil {
			continue
		}
		r := &results[i]

		wg.Add(1)
		go func() {
			defer wg.Done()
			qd, err := f.FetchQuote(ctx, r.Ticker)
			if err != nil {
				r.Err = err
				return
			}
			r.Data = qd
		}()
	}
	wg.Wait()

	return results
}

// get does a GET of path?query and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, what, notFound string, out interface{}) error {
	u := c.BaseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return transportError(what, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.New())
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		glog.Errorf("error fetching %s: %s", what, err)
		return transportError(what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return statusError(resp.StatusCode, what, notFound)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		glog.Errorf("error decoding %s: %s", what, err)
		return transportError(what, err)
	}
	return nil
}
