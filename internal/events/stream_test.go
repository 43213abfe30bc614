package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/lowkeylabs/maestro/pkg/protocol"
)

func TestPublishFIFOWithSeq(t *testing.T) {
	s := NewStream("sess-1")
	defer s.Close()
	ch := s.Subscribe("sub-1")

	for i := 0; i < 10; i++ {
		s.Publish(protocol.EventSystem, map[string]any{"n": i})
	}

	var lastSeq uint64
	for i := 0; i < 10; i++ {
		select {
		case ev := <-ch:
			if ev.Seq <= lastSeq {
				t.Errorf("seq went backwards: %d after %d", ev.Seq, lastSeq)
			}
			lastSeq = ev.Seq
			if ev.Content["n"] != i {
				t.Errorf("event %d out of order: %v", i, ev.Content["n"])
			}
			if ev.SessionID != "sess-1" {
				t.Errorf("session id = %q", ev.SessionID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestOverflowDropsAndNotifies(t *testing.T) {
	s := NewStream("sess-2")
	defer s.Close()
	ch := s.Subscribe("slow")

	// Fill the queue plus extra that must be dropped.
	total := subscriberBuffer + 50
	for i := 0; i < total; i++ {
		s.Publish(protocol.EventSystem, map[string]any{"n": i})
	}

	// Drain one and publish again; the overflow notice should follow.
	<-ch
	s.Publish(protocol.EventSystem, map[string]any{"n": "after"})

	sawOverflow := false
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("channel closed early")
			}
			if ev.Type == protocol.EventError && ev.Content["kind"] == protocol.ErrKindEventOverflow {
				sawOverflow = true
			}
		case <-time.After(100 * time.Millisecond):
			if !sawOverflow {
				t.Error("no overflow notice delivered")
			}
			return
		}
	}
}

func TestMultipleSubscribersIndependent(t *testing.T) {
	s := NewStream("sess-3")
	defer s.Close()
	a := s.Subscribe("a")
	b := s.Subscribe("b")

	s.Publish(protocol.EventAgentMessage, map[string]any{"text": "hi"})

	for name, ch := range map[string]<-chan protocol.Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Type != protocol.EventAgentMessage {
				t.Errorf("%s got %q", name, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s got nothing", name)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := NewStream("sess-4")
	defer s.Close()
	ch := s.Subscribe("x")
	s.Unsubscribe("x")
	if _, ok := <-ch; ok {
		t.Error("channel not closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	s.Publish(protocol.EventSystem, nil)
}

func TestCloseIdempotent(t *testing.T) {
	s := NewStream("sess-5")
	chans := make([]<-chan protocol.Event, 3)
	for i := range chans {
		chans[i] = s.Subscribe(fmt.Sprintf("sub-%d", i))
	}
	s.Close()
	s.Close()
	for _, ch := range chans {
		if _, ok := <-ch; ok {
			t.Error("channel not closed")
		}
	}
	if ch := s.Subscribe("late"); ch == nil {
		t.Error("nil channel for late subscriber")
	} else if _, ok := <-ch; ok {
		t.Error("late subscriber channel not closed")
	}
}
