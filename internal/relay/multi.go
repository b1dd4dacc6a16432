package relay

// MultiRelay fans events out to multiple relays. Nil relays are filtered
// out at construction, and a panicking subscriber never blocks the others.
type MultiRelay struct {
	relays []Relay
}

var _ Relay = (*MultiRelay)(nil)

// NewMulti creates a MultiRelay forwarding to all non-nil relays.
func NewMulti(relays ...Relay) *MultiRelay {
	filtered := make([]Relay, 0, len(relays))
	for _, r := range relays {
		if r != nil {
			filtered = append(filtered, r)
		}
	}
	return &MultiRelay{relays: filtered}
}

// safeCall calls fn with panic recovery. One subscriber failing shouldn't
// block others.
func safeCall(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

func (m *MultiRelay) ThinkingStart(runID string) {
	for _, r := range m.relays {
		safeCall(func() { r.ThinkingStart(runID) })
	}
}

func (m *MultiRelay) Token(runID, token string) {
	for _, r := range m.relays {
		safeCall(func() { r.Token(runID, token) })
	}
}

func (m *MultiRelay) ThinkingEnd(runID string) {
	for _, r := range m.relays {
		safeCall(func() { r.ThinkingEnd(runID) })
	}
}

func (m *MultiRelay) StreamError(runID string, err error) {
	for _, r := range m.relays {
		safeCall(func() { r.StreamError(runID, err) })
	}
}

func (m *MultiRelay) Close(runID string) {
	for _, r := range m.relays {
		safeCall(func() { r.Close(runID) })
	}
}
