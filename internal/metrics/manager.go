package metrics

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// Manager owns the Prometheus registry for the ledger and snapshots
// process-level state (memory, goroutines, uptime) on demand. Domain
// counters are recorded by the components themselves through
// GetPrometheusMetrics; the server's health and stats handlers trigger the
// system snapshot before reading.
type Manager struct {
	prometheus *PrometheusMetrics
	logger     *logrus.Entry
	startedAt  time.Time
}

// NewManager creates a metrics manager with a fresh metric set
func NewManager() *Manager {
	manager := &Manager{
		prometheus: NewPrometheusMetrics(),
		logger:     utils.GetLogger().WithField("component", "metrics"),
		startedAt:  time.Now(),
	}

	manager.logger.Debug("Metrics manager initialized")
	return manager
}

// GetPrometheusMetrics returns the Prometheus metric set
func (m *Manager) GetPrometheusMetrics() *PrometheusMetrics {
	return m.prometheus
}

// UpdateSystemMetrics refreshes the process-level gauges
func (m *Manager) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.prometheus.UpdateMemoryUsage(memStats.Alloc)
	m.prometheus.UpdateGoroutineCount(runtime.NumGoroutine())
	m.prometheus.UpdateApplicationUptime(m.startedAt)
}
