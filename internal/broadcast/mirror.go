package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
)

// Mirror copies published fragments into a per-session Redis Stream so
// observers in other processes can tail a session. Delivery is best-effort
// and fully decoupled from producers: Enqueue never blocks, and a single
// goroutine drains the queue into XADD.
type Mirror struct {
	client *redis.Client
	maxLen int64
	logger *log.Logger
	queue  chan models.Fragment
	stop   chan struct{}
	done   chan struct{}
}

// StreamKey is the Redis stream a session's fragments are mirrored to.
func StreamKey(sessionID string) string {
	return "reasoning:frags:" + sessionID
}

// NewMirror creates and starts a Mirror.
func NewMirror(client *redis.Client, maxLen int64, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.New(log.Writer(), "[MIRROR] ", log.LstdFlags)
	}
	m := &Mirror{
		client: client,
		maxLen: maxLen,
		logger: logger,
		queue:  make(chan models.Fragment, 1024),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Enqueue hands a fragment to the mirror without blocking. When the queue
// is full the fragment is dropped; the durable copy lives in the document
// store, the stream is a live tail only.
func (m *Mirror) Enqueue(frag models.Fragment) {
	select {
	case m.queue <- frag:
	default:
		m.logger.Printf("mirror queue full, fragment %d for session %s dropped", frag.Seq, frag.SessionID)
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case frag := <-m.queue:
			m.publish(frag)
		}
	}
}

func (m *Mirror) publish(frag models.Fragment) {
	raw, err := json.Marshal(frag)
	if err != nil {
		m.logger.Printf("marshal fragment: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	args := &redis.XAddArgs{
		Stream: StreamKey(frag.SessionID),
		Values: map[string]interface{}{"fragment": raw},
	}
	if m.maxLen > 0 {
		args.MaxLen = m.maxLen
		args.Approx = true
	}
	if err := m.client.XAdd(ctx, args).Err(); err != nil {
		m.logger.Printf("xadd session %s: %v", frag.SessionID, err)
	}
}

// Close stops the drain goroutine. Queued fragments not yet written are
// discarded.
func (m *Mirror) Close() {
	close(m.stop)
	<-m.done
}
