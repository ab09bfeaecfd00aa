package broker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Table names the persisted collection a change touched.
type Table string

const (
	TableEncounters  Table = "encounters"
	TableInitiative  Table = "initiative_entries"
	TableCombatants  Table = "combatant_stats"
	TableConditions  Table = "conditions"
	TableEffects     Table = "effects"
	TableSavePrompts Table = "save_prompts"
	TableSaveResults Table = "save_results"
	TableCombatLog   Table = "combat_log"
)

// Op is the kind of write applied to a table.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// EncounterChanged notifies subscribers that a committed mutation touched
// table within an encounter. Seq is the encounter's log sequence at commit.
type EncounterChanged struct {
	EncounterID string    `json:"encounter_id"`
	Table       Table     `json:"table"`
	Op          Op        `json:"op"`
	Seq         int64     `json:"seq"`
	At          time.Time `json:"at"`
}

// DefaultBuffer is the subscriber queue length used when none is given.
const DefaultBuffer = 64

// Subscription receives events for one encounter (or all encounters when the
// filter is empty). Events are dropped, never queued unbounded, when C is full.
type Subscription struct {
	handle      int
	encounterID string
	ch          chan EncounterChanged

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// C returns the delivery channel. It is closed on Unsubscribe or Close.
func (s *Subscription) C() <-chan EncounterChanged {
	return s.ch
}

// Dropped returns how many events overflowed this subscriber's queue.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) offer(evt EncounterChanged) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped++
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broker fans committed changes out to subscribers without ever blocking the
// publisher.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int]*Subscription
	nextHandle  int
	logger      *zap.Logger
}

// New constructs an empty broker.
func New(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subscribers: make(map[int]*Subscription),
		logger:      logger,
	}
}

// Subscribe registers a subscriber. An empty encounterID receives every
// encounter's events. buffer <= 0 selects DefaultBuffer.
func (b *Broker) Subscribe(encounterID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		handle:      b.nextHandle,
		encounterID: encounterID,
		ch:          make(chan EncounterChanged, buffer),
	}
	b.nextHandle++
	b.subscribers[sub.handle] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subscribers, sub.handle)
	b.mu.Unlock()
	sub.close()
}

// Publish delivers evt to every matching subscriber. Full queues drop the
// event for that subscriber only.
func (b *Broker) Publish(evt EncounterChanged) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.encounterID != "" && sub.encounterID != evt.EncounterID {
			continue
		}
		if !sub.offer(evt) {
			b.logger.Debug("dropped change notification",
				zap.String("encounter_id", evt.EncounterID),
				zap.String("table", string(evt.Table)),
				zap.Int("subscriber", sub.handle),
			)
		}
	}
}

// PublishBatch publishes events in order.
func (b *Broker) PublishBatch(events []EncounterChanged) {
	for _, evt := range events {
		b.Publish(evt)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[int]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
