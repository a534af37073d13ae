package protocol

import "sync"

// Slip is a dynamic routing slip: a stack of Routes where the last pushed
// route is the next to execute. Routes may be pushed at any time, including
// while the envelope is in flight. Safe for concurrent use.
type Slip struct {
	mu         sync.Mutex
	routes     []Route
	history    []Route
	inProgress bool
}

// NewSlip returns an empty slip with room for capacity routes.
func NewSlip(capacity int) *Slip {
	if capacity < 2 {
		capacity = 2
	}
	return &Slip{routes: make([]Route, 0, capacity)}
}

// AddRoute pushes r onto the top of the stack.
func (s *Slip) AddRoute(r Route) {
	s.mu.Lock()
	r.Routed = false
	s.routes = append(s.routes, r.clone())
	s.mu.Unlock()
}

// CurrentRoute returns a copy of the top of the stack without removing it.
func (s *Slip) CurrentRoute() (Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.routes) == 0 {
		return Route{}, false
	}
	return s.routes[len(s.routes)-1].clone(), true
}

// EndRoute pops the top route, marks it routed and archives it. ok=false
// means routing is complete, not an error.
func (s *Slip) EndRoute() (Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.routes)
	if n == 0 {
		return Route{}, false
	}
	r := s.routes[n-1]
	s.routes[n-1] = Route{}
	s.routes = s.routes[:n-1]
	r.Routed = true
	s.history = append(s.history, r)
	return r.clone(), true
}

// Remaining returns the number of routes still to execute.
func (s *Slip) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes)
}

// Start marks the slip as in progress. Idempotent.
func (s *Slip) Start() {
	s.mu.Lock()
	s.inProgress = true
	s.mu.Unlock()
}

// InProgress reports whether the first hop has begun.
func (s *Slip) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// History returns the popped routes, oldest first.
func (s *Slip) History() []Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Route, len(s.history))
	for i := range s.history {
		out[i] = s.history[i].clone()
	}
	return out
}

// Routes returns the pending routes bottom to top.
func (s *Slip) Routes() []Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Route, len(s.routes))
	for i := range s.routes {
		out[i] = s.routes[i].clone()
	}
	return out
}

// restore rebuilds a slip received from the wire. History does not travel.
func restoreSlip(routes []Route, inProgress bool) *Slip {
	s := NewSlip(len(routes))
	for _, r := range routes {
		s.routes = append(s.routes, r.clone())
	}
	s.inProgress = inProgress
	return s
}

// RestoreRoute undoes the last EndRoute when the hop could not be carried
// out. r goes back on top of the stack unrouted.
func (s *Slip) RestoreRoute(r Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.history); n > 0 {
		s.history[n-1] = Route{}
		s.history = s.history[:n-1]
	}
	r.Routed = false
	s.routes = append(s.routes, r.clone())
}

// DropRoute removes the top route without archiving it. It undoes an
// AddRoute whose hop never left the node.
func (s *Slip) DropRoute() (Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.routes)
	if n == 0 {
		return Route{}, false
	}
	r := s.routes[n-1]
	s.routes[n-1] = Route{}
	s.routes = s.routes[:n-1]
	return r, true
}
