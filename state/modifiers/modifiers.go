// Package modifiers holds all the store.Modifier(s) for the watch-set store.
package modifiers

import (
	"github.com/johnsiilver/asxwatch/state/actions"
	"github.com/johnsiilver/asxwatch/state/data"
	"github.com/johnsiilver/asxwatch/store"
)

// All is a store.Modifiers made up of all Modifier(s) in this file.
var All = store.NewModifiers[data.State](Watch, Remove, Fetch, Displayed, BatchErr)

// Watch handles an Action of type ActWatch. New tickers get an entry and are
// appended to Order, known tickers only have LastAccess updated.
func Watch(s data.State, action store.Action) data.State {
	if action.Type != actions.ActWatch {
		return s
	}
	u := action.Update.(actions.WatchUpdate)
	if len(u.Tickers) == 0 {
		return s
	}

	entries := store.CopyMap(s.Entries)
	var added []string
	for _, t := range u.Tickers {
		e, ok := entries[t]
		if !ok {
			e = data.Entry{Ticker: t}
			added = append(added, t)
		}
		e.LastAccess = u.At
		entries[t] = e
	}
	s.Entries = entries
	if len(added) > 0 {
		s.Order = store.CopyAppend(s.Order, added...)
	}
	return s
}

// Remove handles Actions of type ActUnwatch and ActEvict.
func Remove(s data.State, action store.Action) data.State {
	switch action.Type {
	case actions.ActUnwatch, actions.ActEvict:
	default:
		return s
	}

	gone := map[string]bool{}
	for _, t := range action.Update.([]string) {
		if _, ok := s.Entries[t]; ok {
			gone[t] = true
		}
	}
	if len(gone) == 0 {
		return s
	}

	entries := make(map[string]data.Entry, len(s.Entries))
	for k, v := range s.Entries {
		if !gone[k] {
			entries[k] = v
		}
	}
	order := make([]string, 0, len(s.Order))
	for _, t := range s.Order {
		if !gone[t] {
			order = append(order, t)
		}
	}
	s.Entries = entries
	s.Order = order
	return s
}

// Fetch handles Actions of type ActFetchStarted and ActFetchDone. Neither
// creates an entry, so a result for a removed ticker is dropped. A result whose
// generation is not the entry's current one is dropped too.
func Fetch(s data.State, action store.Action) data.State {
	switch action.Type {
	case actions.ActFetchStarted:
		u := action.Update.(actions.FetchStart)
		e, ok := s.Entries[u.Ticker]
		if !ok {
			return s
		}
		e.Fetching = true
		e.Loading = e.Quote == nil
		e.Generation = u.Generation

		s.Entries = store.CopyMap(s.Entries)
		s.Entries[u.Ticker] = e
	case actions.ActFetchDone:
		u := action.Update.(actions.FetchResult)
		e, ok := s.Entries[u.Ticker]
		if !ok || !e.Fetching || e.Generation != u.Generation {
			return s
		}
		if u.Err != nil {
			e.Quote, e.Err = nil, u.Err
		} else {
			e.Quote, e.Err = u.Quote, nil
		}
		e.FetchedAt = u.At
		e.Fetching = false
		e.Loading = false

		s.Entries = store.CopyMap(s.Entries)
		s.Entries[u.Ticker] = e
	}
	return s
}

// Displayed handles an Action of type ActSetDisplayed.
func Displayed(s data.State, action store.Action) data.State {
	if action.Type == actions.ActSetDisplayed {
		s.Displayed = action.Update.(string)
	}
	return s
}

// BatchErr handles an Action of type ActSetBatchErr.
func BatchErr(s data.State, action store.Action) data.State {
	if action.Type == actions.ActSetBatchErr {
		err, _ := action.Update.(error)
		s.BatchErr = err
	}
	return s
}
