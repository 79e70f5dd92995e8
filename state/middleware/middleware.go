// Package middleware provides middleware to the watch-set store.
package middleware

import (
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/golang/glog"
	"github.com/johnsiilver/asxwatch/state/actions"
	"github.com/johnsiilver/asxwatch/state/data"
	"github.com/johnsiilver/asxwatch/store"
	"github.com/kylelemons/godebug/pretty"
)

var pConfig = &pretty.Config{
	Diffable: true,

	// Field and value options
	IncludeUnexported:   false,
	PrintStringers:      true,
	PrintTextMarshalers: true,

	Formatter: map[reflect.Type]interface{}{
		reflect.TypeOf((*Logging)(nil)).Elem(): nil,
	},
}

// Logging provides middleware for logging watch-set changes.
type Logging struct {
	// Debug, if set, receives a diff of every committed state.
	Debug io.Writer

	mu       sync.Mutex
	lastData store.State[data.State]
}

// Middleware returns all of Logging's middleware.
func (l *Logging) Middleware() []store.Middleware[data.State] {
	return []store.Middleware[data.State]{l.DebugLog, l.FetchLog}
}

// DebugLog implements store.Middleware.
func (l *Logging) DebugLog(args *store.MWArgs[data.State]) (stop bool, err error) {
	go func() {
		defer args.WG.Done() // Signal when we are done. Not doing this will caused the program to stall.
		state := <-args.Committed
		if state.IsZero() { // Another middleware killed the commit or nothing changed.
			return
		}
		glog.V(1).Infof("watch-set v%d after %s: %d watched", state.Version, actions.Name(args.Action.Type), len(state.Data.Order))

		if l.Debug == nil {
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, err := fmt.Fprintf(l.Debug, "%s\n\n", pConfig.Compare(l.lastData, state)); err != nil {
			glog.Errorf("problem writing to debug writer: %s", err)
		}
		l.lastData = state
	}()
	return false, nil
}

// FetchLog implements store.Middleware. It logs failed fetches once they commit.
func (l *Logging) FetchLog(args *store.MWArgs[data.State]) (stop bool, err error) {
	if args.Action.Type != actions.ActFetchDone {
		args.WG.Done()
		return false, nil
	}
	u := args.Action.Update.(actions.FetchResult)
	if u.Err == nil {
		args.WG.Done()
		return false, nil
	}

	go func() {
		defer args.WG.Done()
		state := <-args.Committed
		if state.IsZero() {
			glog.V(1).Infof("dropped result of fetch %d for %s: %s", u.Generation, u.Ticker, u.Err)
			return
		}
		glog.Warningf("fetch %d for %s failed: %s", u.Generation, u.Ticker, u.Err)
	}()
	return false, nil
}
