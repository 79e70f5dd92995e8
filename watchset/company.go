package watchset

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/johnsiilver/asxwatch/marketdata"
	"github.com/johnsiilver/asxwatch/ticker"
)

// companyCache holds company information, which never goes stale. Concurrent
// requests for the same ticker share one fetch. Failures are not kept.
type companyCache struct {
	group singleflight.Group

	mu   sync.Mutex
	data map[string]*marketdata.CompanyData
}

func newCompanyCache() *companyCache {
	return &companyCache{data: map[string]*marketdata.CompanyData{}}
}

func (c *companyCache) get(t string) (*marketdata.CompanyData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cd, ok := c.data[t]
	return cd, ok
}

func (c *companyCache) put(t string, cd *marketdata.CompanyData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[t] = cd
}

// Company returns the company information for t, fetching it on first use.
// ctx only bounds how long this caller waits, the shared fetch is bounded by the
// fetch timeout.
func (m *Manager) Company(ctx context.Context, t string) (*marketdata.CompanyData, error) {
	t, err := ticker.Validate(t)
	if err != nil {
		return nil, err
	}
	if m.cfg.Company == nil {
		return nil, fmt.Errorf("company information is not available from this quote source")
	}
	if cd, ok := m.companies.get(t); ok {
		return cd, nil
	}

	ch := m.companies.group.DoChan(t, func() (interface{}, error) {
		return m.fetchCompany(t)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*marketdata.CompanyData), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) fetchCompany(t string) (*marketdata.CompanyData, error) {
	// A caller may have missed the cache just before the last fetch stored t.
	if cd, ok := m.companies.get(t); ok {
		return cd, nil
	}
	if !m.track() {
		return nil, fmt.Errorf("%w: watch set is closed", ErrDispatch)
	}
	defer m.fetches.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.FetchTimeout)
	defer cancel()

	var cd *marketdata.CompanyData
	err := m.cfg.Backoff.Retry(ctx, func(ctx context.Context) error {
		var err error
		cd, err = m.cfg.Company.FetchCompany(ctx, t)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cd == nil {
		return nil, fmt.Errorf("no company information for %s", t)
	}
	m.companies.put(t, cd)
	return cd, nil
}
