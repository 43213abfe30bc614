// Package events delivers ordered per-session events to subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/lowkeylabs/maestro/pkg/protocol"
)

const subscriberBuffer = 256

// Stream fans one session's events out to subscribers. Publishing never
// blocks: a subscriber whose queue is full loses the event and receives a
// single overflow error frame instead.
type Stream struct {
	sessionID string
	log       *slog.Logger

	mu     sync.Mutex
	seq    uint64
	subs   map[string]*subscriber
	closed bool
}

type subscriber struct {
	ch       chan protocol.Event
	overflow bool // overflow notice pending delivery
}

// NewStream creates a stream for one session.
func NewStream(sessionID string) *Stream {
	return &Stream{
		sessionID: sessionID,
		log:       slog.With("component", "events", "session_id", sessionID),
		subs:      make(map[string]*subscriber),
	}
}

// Subscribe registers a subscriber and returns its delivery channel.
// The channel closes when the subscriber is removed or the stream closes.
func (s *Stream) Subscribe(id string) <-chan protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan protocol.Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch
	}
	s.subs[id] = &subscriber{ch: ch}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Stream) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// Publish assigns the next sequence number and delivers to every
// subscriber in FIFO order.
func (s *Stream) Publish(eventType string, content map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.seq++
	ev := protocol.Event{
		Type:      eventType,
		Content:   content,
		SessionID: s.sessionID,
		Seq:       s.seq,
	}

	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
			if sub.overflow {
				// Queue drained enough to tell the subscriber what happened.
				s.seq++
				notice := protocol.Event{
					Type: protocol.EventError,
					Content: map[string]any{
						"kind":    protocol.ErrKindEventOverflow,
						"message": "subscriber queue overflowed; events were dropped",
					},
					SessionID: s.sessionID,
					Seq:       s.seq,
				}
				select {
				case sub.ch <- notice:
					sub.overflow = false
				default:
				}
			}
		default:
			if !sub.overflow {
				sub.overflow = true
				s.log.Warn("subscriber queue full, dropping events", "subscriber", id, "seq", s.seq)
			}
		}
	}
}

// Close terminates the stream and closes all subscriber channels.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}
