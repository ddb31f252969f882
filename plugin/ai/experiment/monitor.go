package experiment

import (
	"context"
	"time"

	aierrors "github.com/hrygo/promptlab/internal/errors"
	"github.com/hrygo/promptlab/internal/observability"
)

// startMonitorLocked launches the periodic check of a running experiment.
// The caller holds st.mu.
func (m *Manager) startMonitorLocked(st *testState) {
	if st.stopMonitor != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	st.stopMonitor = cancel

	m.wg.Add(1)
	go m.monitor(ctx, st.exp.ID)
}

// stopMonitorLocked cancels the periodic check. The caller holds st.mu.
func (m *Manager) stopMonitorLocked(st *testState) {
	if st.stopMonitor != nil {
		st.stopMonitor()
		st.stopMonitor = nil
	}
}

func (m *Manager) monitor(ctx context.Context, testID string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunCheck(ctx, testID); err != nil {
				if aierrors.IsCode(err, aierrors.ErrCodeNotFound) {
					return
				}
				m.logger.Error("experiment check failed",
					observability.LogFieldExperimentID, testID,
					observability.ErrAttr(err),
				)
			}
		}
	}
}
