package relay

// EventType identifies the kind of relayed event.
type EventType string

const (
	EventThinkingStart EventType = "thinking_start"
	EventToken         EventType = "token"
	EventThinkingEnd   EventType = "thinking_end"
	EventStreamError   EventType = "stream_error"
	EventClose         EventType = "close"
)

// Event is one discrete relayed event, as delivered to channel subscribers.
type Event struct {
	Type  EventType
	RunID string
	Token string // set for EventToken
	Err   error  // set for EventStreamError
}

// ChanRelay delivers events on a buffered channel. When the buffer is full
// the event is dropped rather than blocking the supervisor; a slow
// subscriber must not stall token emission for everyone else.
type ChanRelay struct {
	ch chan Event
}

var _ Relay = (*ChanRelay)(nil)

// NewChan creates a ChanRelay with the given buffer size.
func NewChan(buffer int) *ChanRelay {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChanRelay{ch: make(chan Event, buffer)}
}

// Events returns the subscriber channel.
func (r *ChanRelay) Events() <-chan Event { return r.ch }

func (r *ChanRelay) send(ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *ChanRelay) ThinkingStart(runID string) {
	r.send(Event{Type: EventThinkingStart, RunID: runID})
}

func (r *ChanRelay) Token(runID, token string) {
	r.send(Event{Type: EventToken, RunID: runID, Token: token})
}

func (r *ChanRelay) ThinkingEnd(runID string) {
	r.send(Event{Type: EventThinkingEnd, RunID: runID})
}

func (r *ChanRelay) StreamError(runID string, err error) {
	r.send(Event{Type: EventStreamError, RunID: runID, Err: err})
}

func (r *ChanRelay) Close(runID string) {
	r.send(Event{Type: EventClose, RunID: runID})
}
