// Package data holds the State object that is kept in the watch-set store.
package data

import (
	"time"

	"github.com/johnsiilver/asxwatch/marketdata"
)

// Entry is one watched ticker.
type Entry struct {
	// Ticker is the canonical symbol: CBA or BHP.
	Ticker string
	// LastAccess is the time of the last explicit watch of this ticker.
	LastAccess time.Time

	// Quote is the result of the last successful fetch. Quote and Err are never
	// both set once a fetch has resolved.
	Quote *marketdata.QuoteData
	// Err is the error of the last failed fetch.
	Err error
	// FetchedAt is when the last fetch resolved, successfully or not.
	FetchedAt time.Time

	// Loading is true while a fetch is outstanding and there is no quote to show.
	Loading bool
	// Fetching is true while any fetch is outstanding.
	Fetching bool
	// Generation identifies the outstanding or last started fetch. Results from
	// any other generation are dropped.
	Generation uint64
}

// State holds the data stored in store.Store.
type State struct {
	// Entries are the watched tickers keyed by canonical symbol.
	Entries map[string]Entry
	// Order is the order tickers were first watched in.
	Order []string
	// Displayed is the ticker shown in the primary view, if any.
	Displayed string
	// BatchErr is set when fetches could not be dispatched at all. It is the
	// error reported for tickers that have no entry.
	BatchErr error
}

// Get returns the entry for t.
func (s State) Get(t string) (Entry, bool) {
	e, ok := s.Entries[t]
	return e, ok
}
