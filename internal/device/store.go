package device

import (
	"log/slog"
	"sync"

	"github.com/soerenschneider/conn-watchdog/internal/metrics"
)

// Store holds the last known connectivity state and notifies subscribers about changes.
type Store struct {
	mutex       sync.RWMutex
	connected   bool
	subscribers []func(connected bool)
}

func NewStore(connected bool) *Store {
	updateMetrics(connected)
	return &Store{connected: connected}
}

func (s *Store) CurrentConnectivity() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.connected
}

// SetConnectivity updates the state. Subscribers are only called if the value actually changed
// and are invoked without holding the lock.
func (s *Store) SetConnectivity(connected bool) {
	s.mutex.Lock()
	old := s.connected
	s.connected = connected
	subscribers := s.subscribers
	s.mutex.Unlock()

	if old == connected {
		return
	}

	slog.Info("Connectivity change", "old", old, "new", connected)
	updateMetrics(connected)
	metrics.StatusChangeTimestamp.SetToCurrentTime()
	metrics.Transitions.WithLabelValues(stateName(connected)).Inc()

	for _, subscriber := range subscribers {
		subscriber(connected)
	}
}

func (s *Store) Subscribe(subscriber func(connected bool)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.subscribers = append(s.subscribers, subscriber)
}

func stateName(connected bool) string {
	if connected {
		return "connected"
	}
	return "disconnected"
}

func updateMetrics(connected bool) {
	var val float64 = 0
	if connected {
		val = 1
	}
	metrics.Connected.Set(val)
}
