// Package state holds the constructor for the watch-set store.
package state

import (
	"github.com/johnsiilver/asxwatch/state/data"
	"github.com/johnsiilver/asxwatch/state/modifiers"
	"github.com/johnsiilver/asxwatch/store"
)

// New is the constructor for the watch-set store.
func New(middle ...store.Middleware[data.State]) (*store.Store[data.State], error) {
	d := data.State{
		Entries: map[string]data.Entry{},
		Order:   []string{},
	}

	return store.New(d, modifiers.All, middle)
}
