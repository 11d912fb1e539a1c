package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor tracks whether the server is reachable. Subscribers are notified
// only on transitions.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
	log    *zap.Logger
}

func NewMonitor(initial bool, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{online: initial, subs: make(map[int]chan bool), log: log}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.log.Info("connectivity changed", zap.Bool("online", online))
	for _, ch := range m.subs {
		// Keep only the latest state for slow subscribers.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel of state transitions and a cancel func.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Probe checks healthURL once and records the result.
func (m *Monitor) Probe(ctx context.Context, client *http.Client, healthURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		m.SetOnline(false)
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		m.SetOnline(false)
		return false
	}
	resp.Body.Close()
	online := resp.StatusCode < 500
	m.SetOnline(online)
	return online
}

// Run probes healthURL every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, client *http.Client, healthURL string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Probe(ctx, client, healthURL)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx, client, healthURL)
		}
	}
}
