/*
Package store provides an immutable state store with subscriptions to changes
in the store. It holds the single copy of the application's watch-set state and
is the only place that state is mutated.

Features and Drawbacks

Features:

  - Immutable data does not require locking outside the store.
  - Subscribing to individual field changes is simple.
  - Data locking is handled by the Store.

Drawbacks:

  - Field change detection uses reflection.
  - Modifiers must be careful to not mutate data.

Immutability

Every update to a reference type (map, slice) held in the state must make a copy
of the data before changing it, not a mutation. CopyMap and CopyAppend help with
that. Readers may hold on to a State forever, it will never change underneath them.

Usage structure

The store is best used in a modular way:

	└── state
	    ├── state.go       - constructor for the application's Store
	    ├── actions        - the Actions modifiers act on
	    ├── data           - the state struct
	    ├── middleware     - optional hooks around commits
	    └── modifiers      - pure functions that produce new state from old
*/
package store

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Any is used to indicate to Store.Subscribe() that you want updates for
// any update to the store, not just a field.
const Any = "any"

var publicRE = regexp.MustCompile(`^[A-Z].*`)

// Action represents an action to take on the Store.
type Action struct {
	// Type should be an enumerated constant representing the type of Action.
	Type int

	// Update holds the values to alter in the Update.
	Update interface{}
}

// Modifier takes in the existing state and an action to perform on the state.
// The result will be the new state. A Modifier must not mutate reference types
// reachable from state, it must copy them first.
type Modifier[S any] func(state S, action Action) S

// Modifiers holds a chain of Modifier that is applied in order.
type Modifiers[S any] struct {
	mods []Modifier[S]
}

// NewModifiers creates a new Modifiers with the Modifier(s) provided.
func NewModifiers[S any](mods ...Modifier[S]) Modifiers[S] {
	return Modifiers[S]{mods: mods}
}

func (m Modifiers[S]) run(state S, action Action) S {
	for _, mod := range m.mods {
		state = mod(state, action)
	}
	return state
}

// State holds the state data.
type State[S any] struct {
	// Version is the version of the state this represents. Each change updates
	// this version number.
	Version uint64

	// FieldVersions holds the version each field is at. This allows us to track
	// individual field updates.
	FieldVersions map[string]uint64

	// Data is the state data.
	Data S
}

// IsZero indicates that the State isn't set. A Middleware receives a zero State
// on its Committed channel when the change was not committed.
func (s State[S]) IsZero() bool {
	return s.FieldVersions == nil
}

// Signal is used to signal subscribers that a field in the Store has changed.
type Signal[S any] struct {
	// Version is the version of the field that was changed. If Any was passed, it will
	// be the store's version, not a specific field.
	Version uint64

	// Fields are the field names that were updated. This is only a single name unless
	// Any is used.
	Fields []string

	// State is the new State object.
	State State[S]
}

// FieldChanged reports if f is in Fields.
// Only useful if you are subscribed to Any, as otherwise its a single entry.
func (s Signal[S]) FieldChanged(f string) bool {
	for _, field := range s.Fields {
		if field == f {
			return true
		}
	}
	return false
}

// MWArgs are the arguments to a Middleware implementor.
type MWArgs[S any] struct {
	// Action is the Action that is being performed.
	Action Action
	// NewData is the proposed new State.Data. A Middleware may replace it.
	NewData S
	// GetState returns the current State of the Store.
	GetState func() State[S]
	// Committed receives the committed State if the Middleware spins off a goroutine
	// that needs the final result. If the data was not committed, the State will be zero.
	Committed chan State[S]

	// WG must have .Done() called by every Middleware once it has finished. If using
	// Committed, do not call WG.Done() until that goroutine is finished.
	WG *sync.WaitGroup
}

// Middleware is called before the state is written. It may change args.NewData.
// Returning stop skips later Middleware but still commits. Returning an error
// cancels the commit and is returned by Perform().
type Middleware[S any] func(args *MWArgs[S]) (stop bool, err error)

type subscriber[S any] struct {
	id int
	ch chan Signal[S]
}

// CancelFunc is used to cancel a subscription.
type CancelFunc func()

type performOptions[S any] struct {
	subscribe chan State[S]
	noUpdate  bool
}

// PerformOption is an optional argument to Store.Perform() calls.
type PerformOption[S any] func(p *performOptions[S])

// waitForSubscribers passes a channel that will receive the State from a change
// once all subscribers have been sent this state. The channel should have a
// buffer of 1. If it is full, no update is sent. Tests use it to order their
// reads after a cast.
func waitForSubscribers[S any](ch chan State[S]) PerformOption[S] {
	return func(p *performOptions[S]) {
		p.subscribe = ch
	}
}

// NoUpdate indicates that subscribers should not receive an update for this change.
func NoUpdate[S any]() PerformOption[S] {
	return func(p *performOptions[S]) {
		p.noUpdate = true
	}
}

// Store provides access to the single data store for the application.
// The Store is thread-safe.
type Store[S any] struct {
	mod    Modifiers[S]
	middle []Middleware[S]

	// pmu prevents concurrent Perform() calls.
	pmu sync.Mutex

	// state holds a State[S].
	state atomic.Value

	// smu protects subscribers and sid.
	smu         sync.RWMutex
	subscribers map[string][]subscriber[S]
	sid         int
}

// New is the constructor for Store. initialState must be a struct.
func New[S any](initialState S, mod Modifiers[S], middle []Middleware[S]) (*Store[S], error) {
	if k := reflect.TypeOf(initialState).Kind(); k != reflect.Struct {
		return nil, fmt.Errorf("a state may only be of type struct, which does not include *struct, was: %s", k)
	}
	if len(mod.mods) == 0 {
		return nil, fmt.Errorf("mod must contain at least one Modifier")
	}

	fieldVersions := map[string]uint64{}
	for _, f := range fieldList(initialState) {
		fieldVersions[f] = 0
	}

	s := &Store[S]{mod: mod, middle: middle, subscribers: map[string][]subscriber[S]{}}
	s.state.Store(State[S]{FieldVersions: fieldVersions, Data: initialState})
	return s, nil
}

// State returns the current stored state.
func (s *Store[S]) State() State[S] {
	return s.state.Load().(State[S])
}

// Perform performs an Action on the Store's state.
func (s *Store[S]) Perform(a Action, options ...PerformOption[S]) error {
	opts := &performOptions[S]{}
	for _, opt := range options {
		opt(opts)
	}
	s.pmu.Lock()
	defer s.pmu.Unlock()

	state := s.State()
	n := s.mod.run(state.Data, a)

	middleWg := &sync.WaitGroup{}
	middleWg.Add(len(s.middle))
	n, commitChans, err := s.processMiddleware(a, n, middleWg)
	if err != nil {
		for _, ch := range commitChans {
			close(ch)
		}
		return err
	}

	s.perform(state, n, commitChans, opts)

	done := make(chan struct{})
	go func() {
		middleWg.Wait()
		close(done)
	}()

	// This helps diagnose misbehaving middleware.
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-timer.C:
			glog.Infof("middleware is taking longer that 5 seconds, did you call wg.Done()?")
			timer.Reset(5 * time.Second)
		}
	}
}

func (s *Store[S]) processMiddleware(a Action, newData S, wg *sync.WaitGroup) (S, []chan State[S], error) {
	commitChans := make([]chan State[S], len(s.middle))
	for i := range commitChans {
		commitChans[i] = make(chan State[S], 1)
	}

	for i, m := range s.middle {
		args := &MWArgs[S]{Action: a, NewData: newData, GetState: s.State, Committed: commitChans[i], WG: wg}
		stop, err := m(args)
		if err != nil {
			// Middleware after this one never ran, release the WaitGroup for them.
			for j := i + 1; j < len(s.middle); j++ {
				wg.Done()
			}
			return newData, commitChans, err
		}
		newData = args.NewData
		if stop {
			for j := i + 1; j < len(s.middle); j++ {
				wg.Done()
				close(commitChans[j])
			}
			return newData, commitChans[:i+1], nil
		}
	}
	return newData, commitChans, nil
}

func (s *Store[S]) perform(state State[S], n S, commitChans []chan State[S], opts *performOptions[S]) {
	changed := fieldsChanged(state.Data, n)

	if len(changed) == 0 {
		for _, ch := range commitChans {
			close(ch)
		}
		return
	}

	// Copy the field versions so that its safe between loaded states.
	fieldVersions := make(map[string]uint64, len(state.FieldVersions))
	for k, v := range state.FieldVersions {
		fieldVersions[k] = v
	}
	for _, k := range changed {
		fieldVersions[k]++
	}
	sort.Strings(changed)

	written := State[S]{Data: n, Version: state.Version + 1, FieldVersions: fieldVersions}
	s.state.Store(written)

	if !opts.noUpdate {
		s.smu.RLock()
		if len(s.subscribers) > 0 {
			go s.cast(changed, written, opts)
		}
		s.smu.RUnlock()
	}

	for _, ch := range commitChans {
		ch <- written
	}
}

// Subscribe creates a subscriber to be notified when a field is updated.
// The notification comes over the returned channel. If the field is set to
// Any, any field change sends an update. A subscriber that is not keeping up
// misses intermediate signals, but always can read the latest State().
// CancelFunc() cancels the subscription and closes the channel.
func (s *Store[S]) Subscribe(field string) (chan Signal[S], CancelFunc, error) {
	if field != Any && !publicRE.MatchString(field) {
		return nil, nil, fmt.Errorf("cannot subscribe to a field that is not public: %s", field)
	}
	if field != Any && !reflect.ValueOf(s.State().Data).FieldByName(field).IsValid() {
		return nil, nil, fmt.Errorf("cannot subscribe to non-existing field: %s", field)
	}

	ch := make(chan Signal[S], 1)

	s.smu.Lock()
	defer s.smu.Unlock()

	id := s.sid
	s.sid++
	s.subscribers[field] = append(s.subscribers[field], subscriber[S]{id: id, ch: ch})

	var once sync.Once
	cancel := func() {
		once.Do(func() { s.unsubscribe(field, id) })
	}
	return ch, cancel, nil
}

func (s *Store[S]) unsubscribe(field string, id int) {
	s.smu.Lock()
	defer s.smu.Unlock()

	v := s.subscribers[field]
	l := make([]subscriber[S], 0, len(v))
	for _, sub := range v {
		if sub.id == id {
			close(sub.ch)
			continue
		}
		l = append(l, sub)
	}
	if len(l) == 0 {
		delete(s.subscribers, field)
		return
	}
	s.subscribers[field] = l
}

// cast updates subscribers for data changes.
func (s *Store[S]) cast(changed []string, state State[S], opts *performOptions[S]) {
	s.smu.RLock()
	defer s.smu.RUnlock()

	for _, field := range changed {
		for _, sub := range s.subscribers[field] {
			signal(Signal[S]{Version: state.FieldVersions[field], State: state, Fields: []string{field}}, sub.ch)
		}
	}
	for _, sub := range s.subscribers[Any] {
		signal(Signal[S]{Version: state.Version, State: state, Fields: changed}, sub.ch)
	}

	if opts.subscribe != nil {
		select {
		case opts.subscribe <- state:
		default:
			glog.Errorf("someone passed a waitForSubscribers with a full channel")
		}
	}
}

// signal sends sig on ch. If ch is full, the stale signal waiting in it is
// replaced so the subscriber always sees the newest state.
func signal[S any](sig Signal[S], ch chan Signal[S]) {
	for {
		select {
		case ch <- sig:
			return
		default:
		}
		select {
		case old := <-ch:
			if old.State.Version > sig.State.Version {
				sig = old
			}
		default:
		}
	}
}

// fieldsChanged reports the names of the exported fields that differ between a and z.
func fieldsChanged(a, z interface{}) []string {
	r := []string{}

	av := reflect.ValueOf(a)
	zv := reflect.ValueOf(z)
	for i := 0; i < av.NumField(); i++ {
		if av.Field(i).CanInterface() {
			if !reflect.DeepEqual(av.Field(i).Interface(), zv.Field(i).Interface()) {
				r = append(r, av.Type().Field(i).Name)
			}
		}
	}
	return r
}

// fieldList returns a list of all field names of the struct st.
func fieldList(st interface{}) []string {
	v := reflect.TypeOf(st)
	sl := make([]string, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		sl[i] = v.Field(i).Name
	}
	return sl
}

// CopyMap returns a shallow copy of m.
func CopyMap[K comparable, V any](m map[K]V) map[K]V {
	n := make(map[K]V, len(m)+1)
	for k, v := range m {
		n[k] = v
	}
	return n
}

// CopyAppend copies s into a new slice and appends items to the copy.
func CopyAppend[T any](s []T, items ...T) []T {
	n := make([]T, len(s), len(s)+len(items))
	copy(n, s)
	return append(n, items...)
}
