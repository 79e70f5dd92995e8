// Package actions details store.Actions that are used by modifiers to modify the store.
package actions

import (
	"time"

	"github.com/johnsiilver/asxwatch/marketdata"
	"github.com/johnsiilver/asxwatch/store"
)

const (
	// ActWatch adds tickers to the watch set and refreshes their access time.
	ActWatch = iota
	// ActUnwatch removes tickers on request.
	ActUnwatch
	// ActEvict removes idle tickers during cleanup.
	ActEvict
	// ActFetchStarted marks a fetch as outstanding for a ticker.
	ActFetchStarted
	// ActFetchDone records the outcome of a fetch.
	ActFetchDone
	// ActSetDisplayed records the ticker in the primary view.
	ActSetDisplayed
	// ActSetBatchErr records or clears the batch level error.
	ActSetBatchErr
)

var names = map[int]string{
	ActWatch:        "Watch",
	ActUnwatch:      "Unwatch",
	ActEvict:        "Evict",
	ActFetchStarted: "FetchStarted",
	ActFetchDone:    "FetchDone",
	ActSetDisplayed: "SetDisplayed",
	ActSetBatchErr:  "SetBatchErr",
}

// Name returns a readable name for an action type.
func Name(t int) string {
	if n, ok := names[t]; ok {
		return n
	}
	return "Unknown"
}

// WatchUpdate is the Update of an ActWatch.
type WatchUpdate struct {
	Tickers []string
	At      time.Time
}

// FetchStart is the Update of an ActFetchStarted.
type FetchStart struct {
	Ticker     string
	Generation uint64
}

// FetchResult is the Update of an ActFetchDone.
type FetchResult struct {
	Ticker     string
	Generation uint64
	Quote      *marketdata.QuoteData
	Err        error
	At         time.Time
}

// Watch tells the store tickers were watched at "at". Tickers must be canonical.
func Watch(at time.Time, tickers ...string) store.Action {
	return store.Action{Type: ActWatch, Update: WatchUpdate{Tickers: tickers, At: at}}
}

// Unwatch removes tickers from the watch set.
func Unwatch(tickers ...string) store.Action {
	return store.Action{Type: ActUnwatch, Update: tickers}
}

// Evict removes idle tickers from the watch set.
func Evict(tickers ...string) store.Action {
	return store.Action{Type: ActEvict, Update: tickers}
}

// FetchStarted marks fetch generation gen of t as outstanding.
func FetchStarted(t string, gen uint64) store.Action {
	return store.Action{Type: ActFetchStarted, Update: FetchStart{Ticker: t, Generation: gen}}
}

// FetchDone records the outcome of fetch generation gen of t.
func FetchDone(t string, gen uint64, qd *marketdata.QuoteData, err error, at time.Time) store.Action {
	return store.Action{Type: ActFetchDone, Update: FetchResult{Ticker: t, Generation: gen, Quote: qd, Err: err, At: at}}
}

// SetDisplayed records the ticker in the primary view. An empty string clears it.
func SetDisplayed(t string) store.Action {
	return store.Action{Type: ActSetDisplayed, Update: t}
}

// SetBatchErr sets the batch level error. A nil error clears it.
func SetBatchErr(err error) store.Action {
	return store.Action{Type: ActSetBatchErr, Update: err}
}
