package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fieldsync/internal/domain"
	"fieldsync/internal/metrics"
	"fieldsync/internal/xid"
)

var (
	ErrInvalidChannel = errors.New("invalid channel")
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrSessionClosed  = errors.New("session closed")
)

func TenantChannel(tenantID string) string {
	return "tenant:" + tenantID
}

// AreaChannel names an area inside a tenant. Area ids are only unique per
// tenant, so the tenant is part of the channel name.
func AreaChannel(tenantID, areaID string) string {
	return "area:" + tenantID + ":" + areaID
}

// ParseAreaChannel splits area:<tenant>:<area> into its parts.
func ParseAreaChannel(channel string) (tenantID, areaID string, ok bool) {
	rest, found := strings.CutPrefix(channel, "area:")
	if !found {
		return "", "", false
	}
	tenantID, areaID, found = strings.Cut(rest, ":")
	if !found || tenantID == "" || areaID == "" {
		return "", "", false
	}
	return tenantID, areaID, true
}

// ValidChannel accepts tenant:<id> and area:<tenant>:<id>.
func ValidChannel(channel string) bool {
	if tenantID, found := strings.CutPrefix(channel, "tenant:"); found {
		return tenantID != ""
	}
	_, _, ok := ParseAreaChannel(channel)
	return ok
}

// Owner identifies the user a subscription was opened for.
type Owner struct {
	Username string
	TenantID string
}

// Hub fans events out to subscriptions. Delivery is best effort: a
// subscriber whose buffer is full misses the event and publishers never wait.
type Hub struct {
	mu        sync.RWMutex
	publishMu sync.Mutex
	sessions  map[string]*Subscription
	buffer    int
	forward   func(ctx context.Context, event domain.Event)
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewHub(bufferSize int, m *metrics.Metrics, log *zap.Logger) *Hub {
	if bufferSize < 1 {
		bufferSize = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]*Subscription),
		buffer:   bufferSize,
		metrics:  m,
		log:      log,
	}
}

// SetForwarder registers a hook that receives every locally published event,
// used to relay events to other server instances.
func (h *Hub) SetForwarder(forward func(ctx context.Context, event domain.Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forward = forward
}

func (h *Hub) Subscribe(channels ...string) (*Subscription, error) {
	return h.SubscribeAs(Owner{}, channels...)
}

// SubscribeAs opens a subscription that remembers who opened it, so later
// join and leave requests can be checked against the caller.
func (h *Hub) SubscribeAs(owner Owner, channels ...string) (*Subscription, error) {
	for _, channel := range channels {
		if !ValidChannel(channel) {
			return nil, ErrInvalidChannel
		}
	}

	sub := &Subscription{
		ID:       xid.New("sess"),
		Owner:    owner,
		hub:      h,
		channels: make(map[string]bool, len(channels)),
		events:   make(chan domain.Event, h.buffer),
	}
	for _, channel := range channels {
		sub.channels[channel] = true
	}

	h.mu.Lock()
	h.sessions[sub.ID] = sub
	h.mu.Unlock()
	h.metrics.SubscriberAdded()
	return sub, nil
}

func (h *Hub) Session(id string) (*Subscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.sessions[id]
	return sub, ok
}

func (h *Hub) Publish(ctx context.Context, channel string, eventType string, payload any) error {
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}
	if !domain.IsKnownEvent(eventType) {
		return ErrUnknownEvent
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := domain.Event{
		Type:    eventType,
		Channel: channel,
		Payload: raw,
		At:      time.Now().UTC(),
	}
	h.Deliver(event)
	h.metrics.EventPublished(eventType)

	h.mu.RLock()
	forward := h.forward
	h.mu.RUnlock()
	if forward != nil {
		forward(ctx, event)
	}
	return nil
}

// Deliver fans an event out to local subscribers only.
func (h *Hub) Deliver(event domain.Event) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.sessions))
	for _, sub := range h.sessions {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.offer(event)
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		h.metrics.SubscriberRemoved()
	}
}

type Subscription struct {
	ID    string
	Owner Owner

	hub      *Hub
	mu       sync.Mutex
	channels map[string]bool
	events   chan domain.Event
	closed   bool
	dropped  int
}

func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

func (s *Subscription) Join(channel string) error {
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.channels[channel] = true
	return nil
}

func (s *Subscription) Leave(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
}

func (s *Subscription) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]string, 0, len(s.channels))
	for channel := range s.channels {
		channels = append(channels, channel)
	}
	return channels
}

func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	s.hub.remove(s.ID)
}

// offer reports whether the event was queued for this subscriber.
func (s *Subscription) offer(event domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.channels[event.Channel] {
		return false
	}
	select {
	case s.events <- event:
		return true
	default:
		s.dropped++
		s.hub.metrics.EventDropped()
		s.hub.log.Debug("realtime subscriber buffer full, dropping event",
			zap.String("session", s.ID),
			zap.String("channel", event.Channel),
			zap.String("event", event.Type),
		)
		return false
	}
}
