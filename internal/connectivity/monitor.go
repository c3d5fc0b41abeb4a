// Package connectivity tracks whether the client can currently reach the server.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultProbeTimeout = 3 * time.Second

// Monitor holds the process-wide online flag. It is written only through Set and
// Follow; readers either poll IsOnline or subscribe to transitions.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	subscribers map[int64]chan bool
	nextID      int64
	logger      *zap.Logger
}

// NewMonitor constructs a Monitor initialized to the given reachability.
func NewMonitor(initial bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		online:      initial,
		subscribers: make(map[int64]chan bool),
		logger:      logger,
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a reachability observation and reports whether it was a transition.
// Subscribers are notified of transitions only.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, stream := range m.subscribers {
		publishLatest(stream, online)
	}
	return true
}

// Subscribe returns a stream of transitions. A slow subscriber only ever sees the
// most recent state. The returned function releases the subscription.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	stream := make(chan bool, 1)
	m.subscribers[id] = stream
	var once sync.Once
	return stream, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// Follow feeds every value read from states into Set until ctx is done or states closes.
func (m *Monitor) Follow(ctx context.Context, states <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-states:
			if !ok {
				return
			}
			m.Set(online)
		}
	}
}

func publishLatest(stream chan bool, online bool) {
	select {
	case stream <- online:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	select {
	case stream <- online:
	default:
	}
}

// Probe performs one reachability check against url and reports whether it
// answered with a 2xx status.
func Probe(ctx context.Context, client *http.Client, url string) bool {
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false
	}
	response, err := client.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close()
	return response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices
}
