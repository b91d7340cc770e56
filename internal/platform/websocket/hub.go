// Package websocket fans carewatch events out to live subscribers. Clients
// subscribe to scopes (a patient, a ward, or everything); each subscription
// owns a bounded queue so that a slow reader never blocks a publisher.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/carewatch/internal/platform/apperror"
	"github.com/ehr/carewatch/internal/platform/telemetry"
)

// DefaultQueueSize is the per-subscription queue capacity.
const DefaultQueueSize = 256

var (
	// ErrSubscriptionClosed is returned by Next once the subscription is gone.
	ErrSubscriptionClosed = errors.New("websocket: subscription closed")
	errQueueFull          = errors.New("subscriber queue full")
)

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

type ScopeKind string

const (
	ScopePatient ScopeKind = "patient"
	ScopeWard    ScopeKind = "ward"
	ScopeAll     ScopeKind = "all"
)

// Scope selects the events a subscription receives.
type Scope struct {
	Kind  ScopeKind
	Value string
}

func PatientScope(id uuid.UUID) Scope { return Scope{Kind: ScopePatient, Value: id.String()} }

func WardScope(ward string) Scope { return Scope{Kind: ScopeWard, Value: ward} }

func AllScope() Scope { return Scope{Kind: ScopeAll} }

// Topic is the hub's index key for the scope.
func (s Scope) Topic() string {
	if s.Kind == ScopeAll {
		return string(ScopeAll)
	}
	return string(s.Kind) + ":" + s.Value
}

func (s Scope) String() string { return s.Topic() }

// ParseScope is the inverse of Topic. Patient scopes must carry a UUID.
func ParseScope(topic string) (Scope, error) {
	if topic == string(ScopeAll) {
		return AllScope(), nil
	}
	kind, value, ok := strings.Cut(topic, ":")
	if !ok || value == "" {
		return Scope{}, apperror.Validation("invalid scope %q", topic)
	}
	switch ScopeKind(kind) {
	case ScopePatient:
		id, err := uuid.Parse(value)
		if err != nil {
			return Scope{}, apperror.Validation("invalid patient scope %q", topic)
		}
		return PatientScope(id), nil
	case ScopeWard:
		return WardScope(value), nil
	}
	return Scope{}, apperror.Validation("unknown scope kind %q", kind)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Event is one notification delivered to subscribers. PreviousWard is set on
// transfers so that the ward the patient left sees the move as well.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	PatientID    uuid.UUID       `json:"patient_id"`
	Ward         string          `json:"ward,omitempty"`
	PreviousWard string          `json:"previous_ward,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Topics returns the index keys the event is delivered under.
func (e Event) Topics() []string {
	topics := []string{PatientScope(e.PatientID).Topic()}
	if e.Ward != "" {
		topics = append(topics, WardScope(e.Ward).Topic())
	}
	if e.PreviousWard != "" && e.PreviousWard != e.Ward {
		topics = append(topics, WardScope(e.PreviousWard).Topic())
	}
	return append(topics, AllScope().Topic())
}

// EventPublisher defines the interface for publishing events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Scopes []string `json:"scopes"`
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

// Subscription is one subscriber's bounded queue. When the queue is full the
// oldest event is discarded to make room for the newest.
type Subscription struct {
	ID string

	hub *Hub

	mu      sync.Mutex
	scopes  map[string]Scope
	buf     []Event
	head    int
	n       int
	closed  bool
	dropped int64

	notify chan struct{}
	done   chan struct{}
}

func newSubscription(hub *Hub, size int) *Subscription {
	return &Subscription{
		ID:     uuid.New().String(),
		hub:    hub,
		scopes: make(map[string]Scope),
		buf:    make([]Event, size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends e and reports whether an older event had to be discarded.
func (s *Subscription) push(e Event) (Event, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Event{}, false
	}
	var lost Event
	overflow := s.n == len(s.buf)
	if overflow {
		lost = s.buf[s.head]
		s.head = (s.head + 1) % len(s.buf)
		s.n--
		s.dropped++
	}
	s.buf[(s.head+s.n)%len(s.buf)] = e
	s.n++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return lost, overflow
}

func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return Event{}, false
	}
	e := s.buf[s.head]
	s.buf[s.head] = Event{}
	s.head = (s.head + 1) % len(s.buf)
	s.n--
	return e, true
}

// Next blocks until an event is queued, ctx ends, or the subscription is
// closed. Events still queued when the subscription closes are abandoned.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-s.done:
			return Event{}, ErrSubscriptionClosed
		default:
		}
		if e, ok := s.pop(); ok {
			return e, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			return Event{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Len returns the number of queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Dropped returns how many events were discarded on overflow.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Scopes returns the current scopes of the subscription.
func (s *Subscription) Scopes() []Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scope, 0, len(s.scopes))
	for _, sc := range s.scopes {
		out = append(out, sc)
	}
	return out
}

// Close removes the subscription from its hub.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

// ---------------------------------------------------------------------------
// Hub
// ---------------------------------------------------------------------------

// HubConfig tunes a Hub.
type HubConfig struct {
	QueueSize int
}

// Hub indexes subscriptions by topic. Publish never blocks on a subscriber:
// delivery is a queue push under the subscription's own lock.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{} // topic -> set of subscriptions
	all    map[*Subscription]struct{}

	queueSize int
	logger    zerolog.Logger // sampled, for overflow reports
	metrics   *telemetry.TelemetryProvider
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(cfg HubConfig, logger zerolog.Logger, metrics *telemetry.TelemetryProvider) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Hub{
		topics:    make(map[string]map[*Subscription]struct{}),
		all:       make(map[*Subscription]struct{}),
		queueSize: cfg.QueueSize,
		logger: logger.With().Str("component", "fanout").Logger().
			Sample(&zerolog.BurstSampler{Burst: 10, Period: time.Second}),
		metrics: metrics,
	}
}

// Subscribe registers a new subscription for the given scopes.
func (h *Hub) Subscribe(scopes ...Scope) *Subscription {
	sub := newSubscription(h, h.queueSize)

	h.mu.Lock()
	h.all[sub] = struct{}{}
	h.addLocked(sub, scopes)
	h.mu.Unlock()

	h.metrics.AddGauge(telemetry.FanoutSubscribers, 1)
	return sub
}

// AddScopes widens an existing subscription.
func (h *Hub) AddScopes(sub *Subscription, scopes ...Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[sub]; !ok {
		return
	}
	h.addLocked(sub, scopes)
}

// RemoveScopes narrows an existing subscription.
func (h *Hub) RemoveScopes(sub *Subscription, scopes ...Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sc := range scopes {
		topic := sc.Topic()
		h.detachLocked(sub, topic)
		sub.mu.Lock()
		delete(sub.scopes, topic)
		sub.mu.Unlock()
	}
}

func (h *Hub) addLocked(sub *Subscription, scopes []Scope) {
	for _, sc := range scopes {
		topic := sc.Topic()
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[*Subscription]struct{})
		}
		h.topics[topic][sub] = struct{}{}
		sub.mu.Lock()
		sub.scopes[topic] = sc
		sub.mu.Unlock()
	}
}

func (h *Hub) detachLocked(sub *Subscription, topic string) {
	if subscribers, ok := h.topics[topic]; ok {
		delete(subscribers, sub)
		if len(subscribers) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Unsubscribe removes the subscription and discards its queue. Calling it
// more than once is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.all[sub]; !ok {
		h.mu.Unlock()
		return
	}
	sub.mu.Lock()
	for topic := range sub.scopes {
		h.detachLocked(sub, topic)
	}
	sub.closed = true
	sub.buf = nil
	sub.n = 0
	sub.mu.Unlock()
	delete(h.all, sub)
	close(sub.done)
	h.mu.Unlock()

	h.metrics.AddGauge(telemetry.FanoutSubscribers, -1)
}

// ProcessMessage handles an inbound ClientMessage, dispatching to AddScopes
// or RemoveScopes as appropriate.
func (h *Hub) ProcessMessage(sub *Subscription, msg ClientMessage) error {
	scopes := make([]Scope, 0, len(msg.Scopes))
	for _, raw := range msg.Scopes {
		sc, err := ParseScope(raw)
		if err != nil {
			return err
		}
		scopes = append(scopes, sc)
	}
	switch msg.Action {
	case "subscribe":
		h.AddScopes(sub, scopes...)
	case "unsubscribe":
		h.RemoveScopes(sub, scopes...)
	default:
		return apperror.Validation("unknown action %q", msg.Action)
	}
	return nil
}

// Publish delivers event to every subscription whose scopes match it, once
// per subscription. Overflow is reported through the log and metrics and is
// never returned to the caller.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Subscription]struct{})
	for _, topic := range event.Topics() {
		for sub := range h.topics[topic] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			if lost, overflow := sub.push(event); overflow {
				h.reportDrop(sub, lost)
			}
		}
	}
	return nil
}

func (h *Hub) reportDrop(sub *Subscription, lost Event) {
	h.metrics.Inc(telemetry.FanoutDropped, "")
	err := apperror.Delivery(errQueueFull, "subscription %s dropped %s event %s", sub.ID, lost.Type, lost.ID)
	h.logger.Warn().
		Err(err).
		Str("subscription_id", sub.ID).
		Str("patient_id", lost.PatientID.String()).
		Msg("fan-out queue overflow")
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of subscriptions indexed under a scope.
func (h *Hub) TopicCount(sc Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[sc.Topic()])
}
