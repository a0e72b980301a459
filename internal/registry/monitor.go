package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatMonitor periodically sweeps the registry for nodes whose
// heartbeats have gone stale and feeds the resulting demotions back through
// the registry's transition channel. The sweep reads in-memory state only and
// never performs network I/O, so it is safe to run at any frequency
// concurrently with registration and heartbeat traffic.
type HeartbeatMonitor struct {
	registry *Registry
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeatMonitor creates a monitor sweeping at the given interval.
// The interval should be well below the registry's heartbeat timeout.
func NewHeartbeatMonitor(r *Registry, interval time.Duration, logger zerolog.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry: r,
		interval: interval,
		logger:   logger.With().Str("component", "heartbeat_monitor").Logger(),
		now:      r.now,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *HeartbeatMonitor) Start() {
	m.wg.Add(1)
	go m.loop()
	m.logger.Info().Dur("interval", m.interval).Msg("heartbeat monitor started")
}

// Stop terminates the sweep loop and waits for it to exit.
func (m *HeartbeatMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *HeartbeatMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Sweep runs one pass. It is idempotent: demotions carry the observation
// timestamp they were based on, so re-running a sweep or racing a concurrent
// heartbeat cannot regress a node that has since recovered.
func (m *HeartbeatMonitor) Sweep() {
	candidates := m.registry.sweepCandidates(m.now())
	for _, t := range candidates {
		m.logger.Debug().
			Str("node_id", t.NodeID).
			Str("to", string(t.To)).
			Time("observed_at", t.ObservedAt).
			Msg("sweep demotion")
		m.registry.Offer(t)
	}
}
