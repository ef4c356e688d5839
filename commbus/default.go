package commbus

import (
	"sync"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
)

var (
	defaultBus *ProgressBus
	defaultMu  sync.RWMutex
)

// InitDefault creates the process-wide bus if it does not exist yet and
// returns it. Later calls return the same bus.
func InitDefault(logger logging.Logger) *ProgressBus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		defaultBus = NewProgressBus(logger)
	}
	return defaultBus
}

// Default returns the process-wide bus, or ErrNoDefaultBus.
func Default() (*ProgressBus, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultBus == nil {
		return nil, ErrNoDefaultBus
	}
	return defaultBus, nil
}

// ResetDefault drops the process-wide bus. Intended for tests.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultBus = nil
}
