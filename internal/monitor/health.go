package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HealthConfig holds silence-detection settings.
type HealthConfig struct {
	// SweepInterval is how often all Active sessions are checked.
	SweepInterval time.Duration
	// SilenceThreshold is the silence duration that triggers an alert.
	SilenceThreshold time.Duration
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 30 * time.Second
	}
	return c
}

// HealthMonitor watches conversation activity and raises silence alerts.
// Advisory only: it reads registry snapshots and publishes to the bus, never
// mutating conversation state. One alert per continuous silence streak; the
// flag re-arms only when activity resumes.
type HealthMonitor struct {
	registry *Registry
	pub      Publisher
	cfg      HealthConfig
	logger   *zap.Logger

	// alerted tracks which sessions already fired for the current streak.
	// Touched only by the sweep goroutine.
	alerted map[string]bool
}

// NewHealthMonitor creates a health monitor over the given registry.
func NewHealthMonitor(registry *Registry, pub Publisher, cfg HealthConfig, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		registry: registry,
		pub:      pub,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		alerted:  make(map[string]bool),
	}
}

// Run sweeps until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one pass over all Active sessions. A panic while checking one
// session is contained so the rest of the sweep (and the process) continues.
func (m *HealthMonitor) Sweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health sweep panicked", zap.Any("panic", r))
		}
	}()

	sessions := m.registry.ListActive()

	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.ID] = true
		m.checkSession(s)
	}

	// Forget alert state for sessions that have ended.
	for id := range m.alerted {
		if !live[id] {
			delete(m.alerted, id)
		}
	}
}

func (m *HealthMonitor) checkSession(s Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panicked",
				zap.String("conversation_id", s.ID),
				zap.Any("panic", r))
		}
	}()

	if s.LastActivityAt.IsZero() {
		return
	}
	silence := time.Since(s.LastActivityAt)
	if silence <= m.cfg.SilenceThreshold {
		// Activity resumed; re-arm for the next streak.
		m.alerted[s.ID] = false
		return
	}
	if m.alerted[s.ID] {
		return
	}
	m.alerted[s.ID] = true
	m.logger.Warn("prolonged silence detected",
		zap.String("conversation_id", s.ID),
		zap.Duration("silence", silence))
	m.pub.Publish(s.ID, NewEvent(s.ID, KindSilenceAlert, SilencePayload{
		DurationSec: silence.Seconds(),
	}))
}
