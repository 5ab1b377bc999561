package session

import (
	"stratflow/internal/domain"
)

// EventType names a session event.
type EventType string

const (
	EventState   EventType = "state"
	EventMessage EventType = "message"
	EventChunk   EventType = "chunk"
	EventSpec    EventType = "spec"
	EventParams  EventType = "params"
	EventError   EventType = "error"
)

// Event is the wire format for SSE and gRPC watchers.
type Event struct {
	Type    EventType            `json:"type"`
	Session string               `json:"session"`
	State   State                `json:"state,omitempty"`
	Message *domain.Message      `json:"message,omitempty"`
	Text    string               `json:"text,omitempty"`
	Spec    *domain.StrategySpec `json:"spec,omitempty"`
	Params  map[string]any       `json:"params,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer; slow consumers miss events rather than block the session.
func (s *Session) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	if s.subsClosed {
		close(ch)
		return id, ch
	}
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Session) Unsubscribe(id int) {
	s.subsMu.Lock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
}

// broadcast sends an event to all subscribers non-blocking (drop on full).
func (s *Session) broadcast(e Event) {
	e.Session = s.id
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Slow consumer, drop event.
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subsClosed = true
}
