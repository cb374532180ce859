package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
)

func publishN(h *Hub, sessionID string, n int) {
	for i := 0; i < n; i++ {
		h.Publish(sessionID, models.Fragment{Slot: models.SlotResponse, Text: fmt.Sprintf("frag-%d", i)})
	}
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	h := NewHub(64, nil, nil)
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	publishN(h, "s1", 10)

	for i := 0; i < 10; i++ {
		select {
		case frag := <-ch:
			if frag.Text != fmt.Sprintf("frag-%d", i) {
				t.Fatalf("fragment %d out of order: %q", i, frag.Text)
			}
			if frag.Seq != uint64(i) {
				t.Fatalf("fragment %d has seq %d", i, frag.Seq)
			}
			if frag.SessionID != "s1" {
				t.Fatalf("fragment carries session %q", frag.SessionID)
			}
		case <-time.After(time.Second):
			t.Fatalf("fragment %d never arrived", i)
		}
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	h := NewHub(4, nil, nil)
	done := make(chan struct{})
	go func() {
		publishN(h, "s1", 1000)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	h := NewHub(4, nil, nil)
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	// nobody drains ch; every publish must still return
	done := make(chan struct{})
	go func() {
		publishN(h, "s1", 100)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	// the stalled subscriber keeps the newest fragments, oldest dropped
	var got []models.Fragment
	for {
		select {
		case frag := <-ch:
			got = append(got, frag)
			continue
		default:
		}
		break
	}
	if len(got) != 4 {
		t.Fatalf("buffered %d fragments, want 4", len(got))
	}
	for i, frag := range got {
		want := fmt.Sprintf("frag-%d", 96+i)
		if frag.Text != want {
			t.Fatalf("buffered fragment %d = %q, want %q", i, frag.Text, want)
		}
	}
}

func TestIndependentSubscribers(t *testing.T) {
	h := NewHub(64, nil, nil)
	fast, cancelFast := h.Subscribe("s1")
	_, cancelSlow := h.Subscribe("s1")
	defer cancelFast()
	defer cancelSlow()

	publishN(h, "s1", 5)

	// the fast subscriber sees everything even though the slow one never
	// drains
	for i := 0; i < 5; i++ {
		select {
		case frag := <-fast:
			if frag.Text != fmt.Sprintf("frag-%d", i) {
				t.Fatalf("fast subscriber got %q at %d", frag.Text, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber missed fragment %d", i)
		}
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	h := NewHub(64, nil, nil)
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	h.Publish("s2", models.Fragment{Text: "other session"})
	h.Publish("s1", models.Fragment{Text: "mine"})

	select {
	case frag := <-ch:
		if frag.Text != "mine" {
			t.Fatalf("crossed sessions: got %q", frag.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("fragment never arrived")
	}
	select {
	case frag := <-ch:
		t.Fatalf("unexpected extra fragment %q", frag.Text)
	default:
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	h := NewHub(64, nil, nil)
	ch, cancel := h.Subscribe("s1")
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscriber channel not closed")
	}
	if n := h.SubscriberCount("s1"); n != 0 {
		t.Fatalf("subscriber count = %d after cancel", n)
	}
	// publishing after cancel must not panic or block
	publishN(h, "s1", 3)
}

func TestCloseSessionSignalsEndOfStream(t *testing.T) {
	h := NewHub(64, nil, nil)
	ch, _ := h.Subscribe("s1")
	publishN(h, "s1", 2)
	h.CloseSession("s1")

	var n int
	for range ch {
		n++
	}
	if n != 2 {
		t.Fatalf("drained %d fragments before close, want 2", n)
	}
	if h.SubscriberCount("s1") != 0 {
		t.Fatal("closed session still has subscribers")
	}
}

func hasStream(h *Hub, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.streams[sessionID]
	return ok
}

func TestCancelDropsIdleStream(t *testing.T) {
	h := NewHub(4, nil, nil)

	// subscribing to a session that never publishes must not leave a
	// permanent entry behind
	_, c1 := h.Subscribe("ghost")
	_, c2 := h.Subscribe("ghost")
	c1()
	if !hasStream(h, "ghost") {
		t.Fatal("stream dropped while a subscriber remains")
	}
	c2()
	if hasStream(h, "ghost") {
		t.Fatal("idle stream entry retained after last subscriber left")
	}
}

func TestCancelKeepsSequencedStream(t *testing.T) {
	h := NewHub(4, nil, nil)
	ch, cancel := h.Subscribe("s1")
	publishN(h, "s1", 3)
	for i := 0; i < 3; i++ {
		<-ch
	}
	cancel()

	// the entry survives so a later subscriber keeps a monotonic Seq
	if !hasStream(h, "s1") {
		t.Fatal("sequenced stream dropped before CloseSession")
	}
	ch2, cancel2 := h.Subscribe("s1")
	defer cancel2()
	publishN(h, "s1", 1)
	frag := <-ch2
	if frag.Seq != 3 {
		t.Fatalf("seq restarted: got %d, want 3", frag.Seq)
	}

	h.CloseSession("s1")
	if hasStream(h, "s1") {
		t.Fatal("stream retained after CloseSession")
	}
}

func TestSubscriberCount(t *testing.T) {
	h := NewHub(64, nil, nil)
	if n := h.SubscriberCount("s1"); n != 0 {
		t.Fatalf("count = %d for unknown session", n)
	}
	_, c1 := h.Subscribe("s1")
	_, c2 := h.Subscribe("s1")
	if n := h.SubscriberCount("s1"); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	c1()
	c2()
	if n := h.SubscriberCount("s1"); n != 0 {
		t.Fatalf("count = %d after unsubscribe, want 0", n)
	}
}
