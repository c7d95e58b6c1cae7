// Package reconcile runs the background repair loop: it settles the fate of
// timed-out transfers against the network's authoritative record, provisions
// missing notarization topics, and keeps topic mirrors synced.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/internal/audit"
	"github.com/solidcrowd/crowdledger/internal/metrics"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/notarization"
	"github.com/solidcrowd/crowdledger/internal/settlement"
	"github.com/solidcrowd/crowdledger/internal/storage"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// Config holds reconciler configuration
type Config struct {
	RunInterval  time.Duration `json:"run_interval"`
	VerifyWindow time.Duration `json:"verify_window"`
	BatchSize    int           `json:"batch_size"`
}

// Reconciler periodically repairs local state against the external networks
type Reconciler struct {
	storage    storage.Storage
	settlement settlement.Client
	registry   *notarization.Registry
	audit      *audit.Trail
	config     *Config
	logger     *logrus.Logger

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	stats          *Stats
	metricsManager *metrics.Manager
}

// Stats provides reconciliation statistics
type Stats struct {
	StartTime          time.Time  `json:"start_time"`
	IsRunning          bool       `json:"is_running"`
	TotalRuns          uint64     `json:"total_runs"`
	TotalRecovered     uint64     `json:"total_recovered"`
	TotalClosedFailed  uint64     `json:"total_closed_failed"`
	TotalTopicsCreated uint64     `json:"total_topics_created"`
	TotalMirrored      uint64     `json:"total_mirrored"`
	ErrorCount         uint64     `json:"error_count"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	LastError          *string    `json:"last_error,omitempty"`
}

// Health provides reconciler health information
type Health struct {
	Healthy   bool     `json:"healthy"`
	IsRunning bool     `json:"is_running"`
	Issues    []string `json:"issues,omitempty"`
}

// NewReconciler creates a reconciler
func NewReconciler(store storage.Storage, client settlement.Client, registry *notarization.Registry, trail *audit.Trail, config *Config) *Reconciler {
	return &Reconciler{
		storage:    store,
		settlement: client,
		registry:   registry,
		audit:      trail,
		config:     config,
		logger:     utils.GetLogger(),
		stopChan:   make(chan struct{}),
		stats: &Stats{
			StartTime: time.Now(),
		},
	}
}

// SetMetricsManager wires the metrics manager
func (r *Reconciler) SetMetricsManager(manager *metrics.Manager) {
	r.metricsManager = manager
}

// Start starts the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Reconciler already running", "")
	}

	r.logger.WithFields(logrus.Fields{
		"run_interval":  r.config.RunInterval,
		"verify_window": r.config.VerifyWindow,
	}).Info("Starting reconciler")

	r.running = true
	r.stats.StartTime = time.Now()
	r.stats.IsRunning = true

	r.wg.Add(1)
	go r.loop(ctx)

	return nil
}

// Stop stops the reconciliation loop
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	r.logger.Info("Stopping reconciler")

	r.running = false
	r.stats.IsRunning = false

	r.stopOnce.Do(func() {
		close(r.stopChan)
	})

	r.wg.Wait()

	r.logger.Info("Reconciler stopped")
	return nil
}

// IsRunning returns whether the reconciler is running
func (r *Reconciler) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes one full reconciliation pass. Also callable directly
// from the CLI.
func (r *Reconciler) RunOnce(ctx context.Context) {
	start := time.Now()
	status := "success"

	if err := r.verifyTimedOutTransfers(ctx); err != nil {
		r.recordError(err)
		status = "error"
	}
	if err := r.resolveStuckPending(ctx); err != nil {
		r.recordError(err)
		status = "error"
	}
	if err := r.ensureTopics(ctx); err != nil {
		r.recordError(err)
		status = "error"
	}
	if err := r.syncTopics(ctx); err != nil {
		r.recordError(err)
		status = "error"
	}

	now := time.Now().UTC()
	r.mu.Lock()
	r.stats.TotalRuns++
	r.stats.LastRunAt = &now
	r.mu.Unlock()

	_ = r.storage.SetSystemState("last_reconcile_run", now.Format(time.RFC3339))

	if r.metricsManager != nil {
		r.metricsManager.GetPrometheusMetrics().RecordReconcileRun(status, time.Since(start))
	}

	r.logger.WithFields(logrus.Fields{
		"status":   status,
		"duration": time.Since(start),
	}).Debug("Reconciliation pass finished")
}

// verifyTimedOutTransfers asks the network for the final result of each
// transfer that timed out locally within the verify window. Transfers the
// network executed are confirmed through the normal atomic unit; the rest
// stay failed and lose their timed-out flag so they are not re-checked.
func (r *Reconciler) verifyTimedOutTransfers(ctx context.Context) error {
	errStatus := models.ContributionStatusError
	timedOut := true
	after := time.Now().Add(-r.config.VerifyWindow)

	contributions, err := r.storage.GetContributions(ctx, models.ContributionFilter{
		Status:       &errStatus,
		TimedOut:     &timedOut,
		CreatedAfter: &after,
		Limit:        r.config.BatchSize,
	})
	if err != nil {
		return err
	}

	for _, contribution := range contributions {
		if contribution.TxRef == "" {
			// No reference means the request never reached the network;
			// nothing to verify, stop re-checking.
			r.closeTimedOut(ctx, contribution)
			continue
		}

		executed, err := r.settlement.VerifyTransaction(ctx, contribution.TxRef)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"contribution_id": contribution.ID,
				"tx_ref":          contribution.TxRef,
				"error":           err.Error(),
			}).Warn("Transfer verification failed, will retry next pass")
			continue
		}

		if !executed {
			r.closeTimedOut(ctx, contribution)
			continue
		}

		r.recover(ctx, contribution)
	}

	return nil
}

// resolveStuckPending finishes contributions whose transfer executed but
// whose local confirmation never landed. A pending contribution only
// carries a reference when the transfer succeeded, so the outcome is known
// and the atomic unit can be applied directly.
func (r *Reconciler) resolveStuckPending(ctx context.Context) error {
	pending := models.ContributionStatusPending

	contributions, err := r.storage.GetContributions(ctx, models.ContributionFilter{
		Status:    &pending,
		WithTxRef: true,
		Limit:     r.config.BatchSize,
	})
	if err != nil {
		return err
	}

	for _, contribution := range contributions {
		if _, err := r.storage.ApplyConfirmation(ctx, contribution.ID, contribution.TxRef); err != nil {
			r.recordError(err)
			continue
		}

		r.mu.Lock()
		r.stats.TotalRecovered++
		r.mu.Unlock()

		if r.metricsManager != nil {
			r.metricsManager.GetPrometheusMetrics().RecordReconcileRecovered()
		}

		_ = r.audit.Record(ctx, "reconciler", models.AuditActionConfirm, "contribution", contribution.ID, map[string]interface{}{
			"project_id": contribution.ProjectID,
			"amount":     contribution.Amount,
			"tx_ref":     contribution.TxRef,
			"recovered":  true,
		})

		r.logger.WithFields(logrus.Fields{
			"contribution_id": contribution.ID,
			"tx_ref":          contribution.TxRef,
		}).Info("Stuck pending contribution confirmed")
	}

	return nil
}

// recover confirms a transfer the network executed despite the local timeout
func (r *Reconciler) recover(ctx context.Context, contribution *models.Contribution) {
	// The contribution sits in error status; move it back to pending so the
	// atomic unit's status guard holds.
	contribution.Status = models.ContributionStatusPending
	contribution.FailureReason = ""
	if err := r.storage.UpdateContribution(ctx, contribution); err != nil {
		r.recordError(err)
		return
	}

	if _, err := r.storage.ApplyConfirmation(ctx, contribution.ID, contribution.TxRef); err != nil {
		r.recordError(err)
		return
	}

	r.mu.Lock()
	r.stats.TotalRecovered++
	r.mu.Unlock()

	if r.metricsManager != nil {
		r.metricsManager.GetPrometheusMetrics().RecordReconcileRecovered()
	}

	_ = r.audit.Record(ctx, "reconciler", models.AuditActionConfirm, "contribution", contribution.ID, map[string]interface{}{
		"project_id": contribution.ProjectID,
		"amount":     contribution.Amount,
		"tx_ref":     contribution.TxRef,
		"recovered":  true,
	})

	r.logger.WithFields(logrus.Fields{
		"contribution_id": contribution.ID,
		"tx_ref":          contribution.TxRef,
	}).Info("Timed-out transfer recovered as confirmed")
}

// closeTimedOut finalizes a timed-out contribution as failed
func (r *Reconciler) closeTimedOut(ctx context.Context, contribution *models.Contribution) {
	contribution.TimedOut = false
	if err := r.storage.UpdateContribution(ctx, contribution); err != nil {
		r.recordError(err)
		return
	}

	r.mu.Lock()
	r.stats.TotalClosedFailed++
	r.mu.Unlock()

	_ = r.audit.Record(ctx, "reconciler", models.AuditActionFail, "contribution", contribution.ID, map[string]interface{}{
		"project_id": contribution.ProjectID,
		"reason":     "timed-out transfer not found on network",
	})
}

// ensureTopics provisions notarization topics for active projects that
// still lack one, catching up after notarization outages
func (r *Reconciler) ensureTopics(ctx context.Context) error {
	active := models.ProjectStatusActive

	projects, err := r.storage.GetProjects(ctx, models.ProjectFilter{
		Status:       &active,
		WithoutTopic: true,
		Limit:        r.config.BatchSize,
	})
	if err != nil {
		return err
	}

	for _, project := range projects {
		if _, err := r.registry.EnsureTopic(ctx, project, "reconciler"); err != nil {
			r.logger.WithFields(logrus.Fields{
				"project_id": project.ID,
				"error":      err.Error(),
			}).Warn("Topic provisioning failed, will retry next pass")
			continue
		}

		r.mu.Lock()
		r.stats.TotalTopicsCreated++
		r.mu.Unlock()

		if r.metricsManager != nil {
			r.metricsManager.GetPrometheusMetrics().RecordTopicCreated()
		}
	}

	return nil
}

// syncTopics mirrors remote messages for every known topic
func (r *Reconciler) syncTopics(ctx context.Context) error {
	results, err := r.registry.SyncAll(ctx)
	if err != nil {
		return err
	}

	var mirrored int
	for _, result := range results {
		mirrored += result.NewlyMirrored
	}

	if mirrored > 0 {
		r.mu.Lock()
		r.stats.TotalMirrored += uint64(mirrored)
		r.mu.Unlock()

		if r.metricsManager != nil {
			r.metricsManager.GetPrometheusMetrics().RecordMessagesMirrored(mirrored)
		}
	}

	return nil
}

func (r *Reconciler) recordError(err error) {
	message := err.Error()

	r.mu.Lock()
	r.stats.ErrorCount++
	r.stats.LastError = &message
	r.mu.Unlock()

	r.logger.WithField("error", message).Error("Reconciliation step failed")
}

// GetStats returns a snapshot of reconciliation statistics
func (r *Reconciler) GetStats() *Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := *r.stats
	return &snapshot
}

// GetHealth returns reconciler health
func (r *Reconciler) GetHealth() *Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := &Health{
		Healthy:   true,
		IsRunning: r.running,
	}

	if !r.running {
		health.Healthy = false
		health.Issues = append(health.Issues, "reconciler not running")
	}
	if r.stats.LastError != nil && r.stats.TotalRuns > 0 && r.stats.ErrorCount > r.stats.TotalRuns/2 {
		health.Healthy = false
		health.Issues = append(health.Issues, "majority of reconciliation runs failing")
	}

	return health
}
