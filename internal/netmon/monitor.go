// Package netmon tracks platform connectivity for sync scheduling. The
// monitor is the single source of truth for whether the sync manager may
// attempt network I/O.
package netmon

import (
	"sync"
	"time"

	"github.com/astraldesk/chartcache/internal/logging"
)

// State is the primary connectivity state.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Quality is the coarse connection-quality tag, valid only while online.
type Quality string

const (
	QualityFast Quality = "fast"
	QualitySlow Quality = "slow"
)

// Event is published to subscribers on state transitions. Online events
// are debounced so the network stack can stabilize before a drain starts.
type Event struct {
	State   State
	Quality Quality
	At      time.Time
}

// QualityProbe samples the platform's connection-quality hint. A nil probe
// or an unknown result defaults to fast.
type QualityProbe func() Quality

// Monitor observes online/offline transitions fed by the platform layer.
type Monitor struct {
	mu       sync.Mutex
	state    State
	quality  Quality
	probe    QualityProbe
	debounce time.Duration

	pending *time.Timer // debounced online notification, nil when none

	subs   map[int]chan Event
	nextID int
}

// NewMonitor creates a Monitor. The initial state is online with fast
// quality until the platform reports otherwise.
func NewMonitor(probe QualityProbe, debounce time.Duration) *Monitor {
	return &Monitor{
		state:    StateOnline,
		quality:  QualityFast,
		probe:    probe,
		debounce: debounce,
		subs:     make(map[int]chan Event),
	}
}

// SetOnline feeds a platform-reported connectivity event into the monitor.
// Offline transitions publish immediately; online transitions publish
// after the debounce interval, and are cancelled if the platform flips
// back offline before it elapses.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := StateOffline
	if online {
		next = StateOnline
	}
	if next == m.state {
		return
	}
	m.state = next

	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}

	logging.Info("connectivity state changed", map[string]interface{}{
		"state": string(next),
	})

	if !online {
		m.publishLocked()
		return
	}

	m.quality = m.sampleQualityLocked()
	if m.debounce <= 0 {
		m.publishLocked()
		return
	}
	m.pending = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.pending = nil
		if m.state == StateOnline {
			m.publishLocked()
		}
	})
}

// IsOnline reports the current primary state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOnline
}

// Quality re-samples and returns the connection quality. Offline monitors
// report the last known value.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateOnline {
		m.quality = m.sampleQualityLocked()
	}
	return m.quality
}

// Current returns the state and quality as one snapshot.
func (m *Monitor) Current() (State, Quality) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.quality
}

func (m *Monitor) sampleQualityLocked() Quality {
	if m.probe == nil {
		return QualityFast
	}
	q := m.probe()
	if q != QualityFast && q != QualitySlow {
		return QualityFast
	}
	return q
}

// Subscribe registers a transition listener. The channel is buffered;
// a slow subscriber drops events rather than blocking the monitor.
func (m *Monitor) Subscribe() (int, <-chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, 8)
	m.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (m *Monitor) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
}

func (m *Monitor) publishLocked() {
	ev := Event{State: m.state, Quality: m.quality, At: time.Now()}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
