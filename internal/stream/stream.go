package stream

import (
	"context"
	"sync"
	"time"

	"github.com/finportal/arledger/internal/ledger"
)

// AllocationEvent describes a single allocation change for live consumers.
type AllocationEvent struct {
	Kind          string       `json:"kind"` // applied, unapplied, rescaled, auto_applied
	ReceiptID     string       `json:"receipt_id,omitempty"`
	BillingID     string       `json:"billing_id,omitempty"`
	ApplicationID string       `json:"application_id,omitempty"`
	Amount        ledger.Money `json:"amount"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Event kinds published by the HTTP layer.
const (
	KindApplied     = "applied"
	KindUnapplied   = "unapplied"
	KindRescaled    = "rescaled"
	KindAutoApplied = "auto_applied"
)

// Stream fan-outs allocation events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan AllocationEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan AllocationEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan AllocationEvent {
	ch := make(chan AllocationEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt AllocationEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
