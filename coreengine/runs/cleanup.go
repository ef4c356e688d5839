package runs

import (
	"time"
)

// CleanupConfig holds configurable cleanup parameters.
type CleanupConfig struct {
	// Interval is how often to run cleanup (default: 5 minutes).
	Interval time.Duration
	// RunRetention is how long finished runs stay queryable (default: 1 hour).
	RunRetention time.Duration
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:     5 * time.Minute,
		RunRetention: 1 * time.Hour,
	}
}

// StartCleanupLoop starts a background goroutine that periodically forgets
// finished runs. Returns a stop function that should be called to stop the
// cleanup loop.
func (m *Manager) StartCleanupLoop(cfg CleanupConfig) func() {
	if cfg.Interval == 0 {
		cfg = DefaultCleanupConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				m.runCleanupCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func (m *Manager) runCleanupCycle(cfg CleanupConfig) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("cleanup_panic_recovered", "error", r)
		}
	}()

	count := m.CleanupFinished(cfg.RunRetention)
	m.logger.Debug("cleanup_cycle_completed", "runs_cleaned", count)
}

// CleanupFinished forgets runs that finished more than retention ago, drops
// their events from the bus history, and returns how many were dropped.
func (m *Manager) CleanupFinished(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	var stale []string
	for id, r := range m.runs {
		r.mu.Lock()
		expired := r.finished != nil && r.finished.Before(cutoff)
		r.mu.Unlock()
		if expired {
			delete(m.runs, id)
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	// The bus history of a forgotten run is no longer reachable through
	// the manager.
	for _, id := range stale {
		m.bus.PruneRun(id)
	}
	return len(stale)
}
