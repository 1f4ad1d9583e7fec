package delivery

// nonceWindow is a bounded, insertion-ordered set of recently seen client
// nonces. When the window is full the oldest entry is evicted, so dedup
// holds for the most recent N nonces only; older duplicates are caught by
// the per-conversation id index instead.
type nonceWindow struct {
	cap   int
	order []string
	seen  map[string]struct{}
}

func newNonceWindow(capacity int) *nonceWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &nonceWindow{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// Observe records a nonce. It returns true the first time a nonce is seen
// and false for a duplicate still inside the window.
func (w *nonceWindow) Observe(nonce string) bool {
	if nonce == "" {
		return true
	}
	if _, ok := w.seen[nonce]; ok {
		return false
	}
	if len(w.order) >= w.cap {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.order = append(w.order, nonce)
	w.seen[nonce] = struct{}{}
	return true
}

// Contains reports whether a nonce is inside the window without recording it.
func (w *nonceWindow) Contains(nonce string) bool {
	_, ok := w.seen[nonce]
	return ok
}

func (w *nonceWindow) Len() int { return len(w.order) }
