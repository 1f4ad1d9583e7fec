package transport

import "sync"

// emitter is a typed observer registry. Multiple handlers per event are
// permitted; Off removes by the id returned from On. A panicking handler
// must not prevent the remaining handlers from running — emit isolates each
// call (see Socket.emit for the recover wrapper).
type emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[Event]map[int]Handler
}

// On registers fn for ev and returns an id usable with Off.
func (e *emitter) On(ev Event, fn Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[Event]map[int]Handler)
	}
	if e.handlers[ev] == nil {
		e.handlers[ev] = make(map[int]Handler)
	}
	e.nextID++
	e.handlers[ev][e.nextID] = fn
	return e.nextID
}

// Off unregisters the handler id for ev. Unknown ids are ignored.
func (e *emitter) Off(ev Event, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if hs, ok := e.handlers[ev]; ok {
		delete(hs, id)
	}
}

// snapshot returns the current handlers for ev. Registration order is not
// guaranteed; callers must not rely on ordering between handlers.
func (e *emitter) snapshot(ev Event) []Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	hs := e.handlers[ev]
	out := make([]Handler, 0, len(hs))
	for _, h := range hs {
		out = append(out, h)
	}
	return out
}
