package broadcast

import (
	"log"
	"sync"

	"github.com/Pedrovinicius123/api-ollama-reasoning/internal/telemetry"
	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
)

// Hub fans incremental fragments out to the observers of each session.
// Publish never blocks on a consumer: every subscriber owns a bounded
// channel and, when it is full, the oldest buffered fragment is dropped
// before the new one is queued. Per-session emission order is preserved
// because Publish holds the hub lock while enqueueing.
type Hub struct {
	mu      sync.Mutex
	buffer  int
	mirror  *Mirror
	logger  *log.Logger
	streams map[string]*stream
}

type stream struct {
	nextSeq uint64
	nextSub int
	subs    map[int]chan models.Fragment
}

// NewHub creates a Hub. mirror may be nil when redis is not configured.
func NewHub(buffer int, mirror *Mirror, logger *log.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[BCAST] ", log.LstdFlags)
	}
	return &Hub{
		buffer:  buffer,
		mirror:  mirror,
		logger:  logger,
		streams: make(map[string]*stream),
	}
}

// Publish delivers a fragment to all current subscribers of the session.
// The fragment's Seq is assigned here, monotonically per session.
func (h *Hub) Publish(sessionID string, frag models.Fragment) {
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	if !ok {
		st = &stream{subs: make(map[int]chan models.Fragment)}
		h.streams[sessionID] = st
	}
	frag.SessionID = sessionID
	frag.Seq = st.nextSeq
	st.nextSeq++
	telemetry.FragmentsPublished.Inc()
	for id, ch := range st.subs {
		select {
		case ch <- frag:
		default:
			// subscriber is not draining: drop its oldest fragment
			select {
			case <-ch:
				telemetry.FragmentsDropped.Inc()
			default:
			}
			select {
			case ch <- frag:
			default:
				telemetry.FragmentsDropped.Inc()
				h.logger.Printf("session %s: subscriber %d stalled, fragment %d dropped", sessionID, id, frag.Seq)
			}
		}
	}
	h.mu.Unlock()

	if h.mirror != nil {
		h.mirror.Enqueue(frag)
	}
}

// Subscribe registers an observer for the session and returns its fragment
// channel plus a cancel function. The observer sees fragments from the
// subscription point onward, in emission order.
func (h *Hub) Subscribe(sessionID string) (<-chan models.Fragment, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sessionID]
	if !ok {
		st = &stream{subs: make(map[int]chan models.Fragment)}
		h.streams[sessionID] = st
	}
	id := st.nextSub
	st.nextSub++
	ch := make(chan models.Fragment, h.buffer)
	st.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if st, ok := h.streams[sessionID]; ok {
			if sub, ok := st.subs[id]; ok {
				delete(st.subs, id)
				close(sub)
			}
			// an entry that never sequenced a fragment exists only for its
			// subscribers; sequenced entries live until CloseSession so Seq
			// stays monotonic for late observers
			if len(st.subs) == 0 && st.nextSeq == 0 {
				delete(h.streams, sessionID)
			}
		}
	}
	return ch, cancel
}

// SubscriberCount reports how many observers a session currently has.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sessionID]
	if !ok {
		return 0
	}
	return len(st.subs)
}

// CloseSession drops the session's stream and closes all its subscriber
// channels, signalling end-of-stream to observers.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sessionID]
	if !ok {
		return
	}
	for _, ch := range st.subs {
		close(ch)
	}
	delete(h.streams, sessionID)
}
