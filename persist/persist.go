// Package persist stores ordered sets of tickers in a durable string key/value
// store. Persistence is best effort: a Set never returns an error, it logs the
// failure and carries on, so storage problems can never break in-memory state.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/johnsiilver/asxwatch/ticker"
)

// WatchlistKey is the key the user's watchlist is stored under.
const WatchlistKey = "asx-watchlist"

// KV is a durable string key/value store.
type KV interface {
	// Get returns the value for key. ok is false if the key does not exist.
	Get(ctx context.Context, key string) (val string, ok bool, err error)
	// Set writes val for key.
	Set(ctx context.Context, key, val string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// Error is a storage read or write failure.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e Error) Error() string {
	return fmt.Sprintf("persist: %s %q: %s", e.Op, e.Key, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Set loads and saves ticker sequences as JSON arrays in a KV.
type Set struct {
	kv KV
}

// NewSet is the constructor for Set.
func NewSet(kv KV) *Set {
	return &Set{kv: kv}
}

// Load returns the tickers stored at key in canonical form with duplicates and
// invalid entries dropped. A missing key, a read failure or a payload that is not
// a JSON array of strings all return an empty slice.
func (s *Set) Load(ctx context.Context, key string) []string {
	val, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		glog.Errorf("failed to load tickers: %s", Error{Op: "get", Key: key, Err: err})
		return []string{}
	}
	if !ok || val == "" {
		return []string{}
	}

	var raw []string
	if err := json.Unmarshal([]byte(val), &raw); err != nil {
		glog.Errorf("failed to load tickers: %s", Error{Op: "decode", Key: key, Err: err})
		return []string{}
	}
	return ticker.Dedupe(raw)
}

// Save writes tickers to key. Failures are logged and swallowed.
func (s *Set) Save(ctx context.Context, key string, tickers []string) {
	if tickers == nil {
		tickers = []string{}
	}
	b, err := json.Marshal(tickers)
	if err != nil {
		glog.Errorf("failed to save tickers: %s", Error{Op: "encode", Key: key, Err: err})
		return
	}
	if err := s.kv.Set(ctx, key, string(b)); err != nil {
		glog.Errorf("failed to save tickers: %s", Error{Op: "set", Key: key, Err: err})
	}
}

// MemKV is an in-memory KV. It is used in tests and when no durable store is configured.
type MemKV struct {
	mu sync.Mutex
	m  map[string]string

	// SetErr, if set, is returned by every Set call.
	SetErr error
}

// NewMemKV is the constructor for MemKV.
func NewMemKV() *MemKV {
	return &MemKV{m: map[string]string{}}
}

// Get implements KV.
func (m *MemKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	return v, ok, nil
}

// Set implements KV.
func (m *MemKV) Set(ctx context.Context, key, val string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetErr != nil {
		return m.SetErr
	}
	m.m[key] = val
	return nil
}

// Remove implements KV.
func (m *MemKV) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
	return nil
}
