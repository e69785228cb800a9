// Package notify fans machine snapshots out to live subscribers (SSE, WebSocket)
// and to the optional NATS sink. Publishing never blocks ingest: every
// subscriber owns a bounded queue and the oldest frame is evicted when it is full.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	machines "loomwatch/internal/machines/domain"
	"loomwatch/internal/observability/metrics"
)

const (
	// TypeMachineUpdate carries one machine snapshot.
	TypeMachineUpdate = "machine_update"
	// TypeMaterialUpdate carries the full material catalog.
	TypeMaterialUpdate = "material_update"

	// DefaultQueueSize is the per-subscriber buffer depth.
	DefaultQueueSize = 16
)

// Message is the JSON envelope delivered to every subscriber.
type Message struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Frame is an encoded message queued for one subscriber.
type Frame struct {
	Type    string
	Payload []byte
}

// Publisher receives machine snapshots.
type Publisher interface {
	Publish(ctx context.Context, snapshot machines.Snapshot)
}

// Subscription is one subscriber queue.
type Subscription struct {
	ch        chan Frame
	transport string
}

// C returns the frames queued for the subscriber. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Frame {
	return s.ch
}

// Hub is the in-process broadcaster.
type Hub struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	queueSize int
	logger    *log.Logger
}

// NewHub constructs a hub. Non-positive queue sizes fall back to DefaultQueueSize.
func NewHub(queueSize int, logger *log.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{subs: make(map[*Subscription]struct{}), queueSize: queueSize, logger: logger}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, snapshot machines.Snapshot) {
	h.Broadcast(TypeMachineUpdate, snapshot)
}

// Broadcast encodes the message once and queues it for every subscriber.
func (h *Hub) Broadcast(msgType string, data any) {
	if h == nil {
		return
	}
	frame, err := NewFrame(msgType, data)
	if err != nil {
		h.logger.Printf("notify: encode %s: %v", msgType, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		sub.offer(frame)
	}
}

// Subscribe registers a new subscriber queue.
func (h *Hub) Subscribe(transport string) *Subscription {
	sub := &Subscription{ch: make(chan Frame, h.queueSize), transport: transport}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	count := h.countLocked(transport)
	h.mu.Unlock()
	metrics.SetSubscribers(transport, count)
	return sub
}

// Unsubscribe removes the subscriber and closes its queue.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.subs[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	count := h.countLocked(sub.transport)
	h.mu.Unlock()
	metrics.SetSubscribers(sub.transport, count)
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) countLocked(transport string) int {
	n := 0
	for sub := range h.subs {
		if sub.transport == transport {
			n++
		}
	}
	return n
}

// offer enqueues without blocking, evicting the oldest frame when the queue is full.
func (s *Subscription) offer(frame Frame) {
	for {
		select {
		case s.ch <- frame:
			return
		default:
		}
		select {
		case <-s.ch:
			metrics.IncNotifyDropped(s.transport)
		default:
		}
	}
}

// NewFrame encodes a message envelope with a fresh id.
func NewFrame(msgType string, data any) (Frame, error) {
	payload, err := json.Marshal(Message{ID: uuid.NewString(), Type: msgType, Data: data})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: msgType, Payload: payload}, nil
}
