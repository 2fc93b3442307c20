package ledger

import (
	"sync"

	"go.uber.org/zap"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/metrics"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
)

const DefaultBuffer = 64

// Broker fans committed ledger records out to live subscribers. Publish never
// blocks: a subscriber whose buffer is full is dropped and its channel closed,
// after which it is expected to catch up from the pull feed using the last
// (OccurredAt, Seq) it saw.
type Broker struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	next    uint64
	closed  bool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type Subscription struct {
	id     uint64
	filter models.RecordFilter
	ch     chan models.RedemptionRecord
	broker *Broker

	mu      sync.Mutex
	dropped bool
}

func NewBroker(m *metrics.Metrics, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{subs: make(map[uint64]*Subscription), metrics: m, logger: logger}
}

// Subscribe registers a subscriber for records matching filter. Only the
// benefit, member and merchant fields of filter are used.
func (b *Broker) Subscribe(filter models.RecordFilter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	filter = models.RecordFilter{BenefitID: filter.BenefitID, MemberID: filter.MemberID, MerchantID: filter.MerchantID}
	s := &Subscription{filter: filter, ch: make(chan models.RedemptionRecord, buffer), broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.next++
	s.id = b.next
	b.subs[s.id] = s
	b.metrics.SubscriberAdded()
	return s
}

func (b *Broker) Publish(rec models.RedemptionRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		if !s.filter.Match(rec) {
			continue
		}
		select {
		case s.ch <- rec:
		default:
			s.mu.Lock()
			s.dropped = true
			s.mu.Unlock()
			b.remove(id, true)
			b.logger.Warn("ledger subscriber dropped", zap.Uint64("subscriber", id), zap.Int64("seq", rec.Seq))
		}
	}
}

// Len reports live subscribers.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.subs {
		b.remove(id, false)
	}
	b.closed = true
}

// remove must be called with b.mu held.
func (b *Broker) remove(id uint64, dropped bool) {
	s, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(s.ch)
	b.metrics.SubscriberRemoved(dropped)
}

func (s *Subscription) C() <-chan models.RedemptionRecord {
	return s.ch
}

// Dropped reports whether the broker cut the subscription for falling behind.
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.remove(s.id, false)
}
