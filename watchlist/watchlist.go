// Package watchlist is the user's curated list of tickers. Its lifecycle is
// independent of the watch set: a ticker stays listed until the user removes it,
// whether or not any data has been fetched for it.
package watchlist

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/johnsiilver/asxwatch/persist"
	"github.com/johnsiilver/asxwatch/ticker"
)

// Store holds the watchlist in memory and writes every change through to a
// persist.Set. A failed write is logged and the in-memory list is kept.
type Store struct {
	set *persist.Set
	key string

	mu   sync.Mutex
	list []string
}

// Open loads the watchlist stored at key. Missing or corrupt data loads as empty.
func Open(ctx context.Context, set *persist.Set, key string) *Store {
	if key == "" {
		key = persist.WatchlistKey
	}
	l := set.Load(ctx, key)
	glog.Infof("watchlist: loaded %d tickers from %q", len(l), key)
	return &Store{set: set, key: key, list: l}
}

// List returns the watchlist in the order tickers were added.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.list...)
}

// Contains reports if t is on the watchlist. Invalid tickers never are.
func (s *Store) Contains(t string) bool {
	c, err := ticker.Validate(t)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(c) >= 0
}

// Add appends t to the watchlist. Adding a listed ticker does nothing. A
// ticker.ValidationError is returned for bad input.
func (s *Store) Add(ctx context.Context, t string) error {
	c, err := ticker.Validate(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(ctx, c)
	return nil
}

// Remove removes t from the watchlist. Removing an unlisted ticker does nothing.
func (s *Store) Remove(ctx context.Context, t string) error {
	c, err := ticker.Validate(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(ctx, c)
	return nil
}

// Toggle removes t if it is listed and adds it otherwise. It reports if t is
// listed afterwards. No other caller can observe the list between the check and
// the change.
func (s *Store) Toggle(ctx context.Context, t string) (listed bool, err error) {
	c, err := ticker.Validate(t)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(c) >= 0 {
		s.removeLocked(ctx, c)
		return false, nil
	}
	s.addLocked(ctx, c)
	return true, nil
}

func (s *Store) indexLocked(t string) int {
	for i, v := range s.list {
		if v == t {
			return i
		}
	}
	return -1
}

func (s *Store) addLocked(ctx context.Context, t string) {
	if s.indexLocked(t) >= 0 {
		return
	}
	s.list = append(s.list, t)
	s.set.Save(ctx, s.key, s.list)
}

func (s *Store) removeLocked(ctx context.Context, t string) {
	i := s.indexLocked(t)
	if i < 0 {
		return
	}
	n := make([]string, 0, len(s.list)-1)
	n = append(n, s.list[:i]...)
	s.list = append(n, s.list[i+1:]...)
	s.set.Save(ctx, s.key, s.list)
}
