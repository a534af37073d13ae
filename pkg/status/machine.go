package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrNotRunning is returned by Confirm when there is nothing to verify.
var ErrNotRunning = errors.New("confirm requires a running endpoint")

// Table maps a state to the states it may move to.
type Table[S State] map[S][]S

// Rules describes one kind of machine.
type Rules[S State] struct {
	Initial S
	Table   Table[S]
	// Verified is entered only through Confirm, from one of ConfirmFrom.
	Verified    S
	ConfirmFrom []S
	// Errors are reachable from every state.
	Errors []S
}

// Transition is delivered to subscribers after every state change.
type Transition[S State] struct {
	Machine string
	From    S
	To      S
	At      time.Time
}

// TransitionError reports a move the table does not allow.
type TransitionError[S State] struct {
	Machine string
	From    S
	To      S
}

func (e *TransitionError[S]) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Machine, e.From, e.To)
}

// Option configures a Machine.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock used for transition timestamps.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// Machine is a single endpoint's lifecycle state. Writes are expected from
// the owning controller only; reads are safe from anywhere.
type Machine[S State] struct {
	name  string
	rules Rules[S]
	clock clock.Clock

	mu    sync.RWMutex
	cur   S
	since time.Time
	subs  map[int]chan Transition[S]
	next  int
}

// New builds a machine in rules.Initial.
func New[S State](name string, rules Rules[S], opts ...Option) *Machine[S] {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Machine[S]{
		name:  name,
		rules: rules,
		clock: o.clock,
		cur:   rules.Initial,
		since: o.clock.Now(),
		subs:  make(map[int]chan Transition[S]),
	}
}

// Name returns the endpoint name the machine belongs to.
func (m *Machine[S]) Name() string { return m.name }

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Since returns when the current state was entered.
func (m *Machine[S]) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Admission is the admission reading of the current state.
func (m *Machine[S]) Admission() Admission { return m.Current().Admission() }

// StatusString implements View.
func (m *Machine[S]) StatusString() string { return m.Current().String() }

// Can reports whether To(next) would succeed from the current state.
func (m *Machine[S]) Can(next S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowed(m.cur, next)
}

func (m *Machine[S]) allowed(from, to S) bool {
	if from == to {
		return true
	}
	if slices.Contains(m.rules.Errors, to) {
		return true
	}
	if to == m.rules.Verified {
		return false
	}
	return slices.Contains(m.rules.Table[from], to)
}

// To moves the machine to next. Moving to the current state is a no-op.
func (m *Machine[S]) To(next S) error {
	m.mu.Lock()
	from := m.cur
	if from == next {
		m.mu.Unlock()
		return nil
	}
	if !m.allowed(from, next) {
		m.mu.Unlock()
		return &TransitionError[S]{Machine: m.name, From: from, To: next}
	}
	tr := m.set(next)
	m.mu.Unlock()
	m.notify(tr)
	return nil
}

// Walk applies each step in order and stops at the first illegal one.
func (m *Machine[S]) Walk(steps ...S) error {
	for _, s := range steps {
		if err := m.To(s); err != nil {
			return err
		}
	}
	return nil
}

// Confirm records an external liveness signal. It moves a running endpoint
// to Verified; an already verified endpoint stays put.
func (m *Machine[S]) Confirm() error {
	m.mu.Lock()
	from := m.cur
	if from == m.rules.Verified {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(m.rules.ConfirmFrom, from) {
		m.mu.Unlock()
		return fmt.Errorf("%s in %s: %w", m.name, from, ErrNotRunning)
	}
	tr := m.set(m.rules.Verified)
	m.mu.Unlock()
	m.notify(tr)
	return nil
}

func (m *Machine[S]) set(next S) Transition[S] {
	tr := Transition[S]{Machine: m.name, From: m.cur, To: next, At: m.clock.Now()}
	m.cur = next
	m.since = tr.At
	return tr
}

// Subscribe returns a channel of transitions and a function to stop them.
// Slow subscribers miss transitions rather than block the controller.
func (m *Machine[S]) Subscribe(buf int) (<-chan Transition[S], func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Transition[S], buf)
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Machine[S]) notify(tr Transition[S]) {
	zap.L().Debug("status transition",
		zap.String("endpoint", tr.Machine),
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
			zap.L().Warn("status subscriber lagging", zap.String("endpoint", tr.Machine))
		}
	}
}
