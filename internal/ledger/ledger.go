// Package ledger implements the contribution flow and the project funding
// lifecycle. Settlement calls happen outside any database transaction; the
// ledger reconciles their outcome into storage through the atomic units.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/internal/audit"
	"github.com/solidcrowd/crowdledger/internal/metrics"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/settlement"
	"github.com/solidcrowd/crowdledger/internal/storage"
	"github.com/solidcrowd/crowdledger/internal/wallet"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// Config holds ledger behavior configuration
type Config struct {
	MinContribution   int64
	AnonymizationSalt string
}

// Ledger processes contributions against projects
type Ledger struct {
	storage    storage.Storage
	settlement settlement.Client
	wallets    *wallet.Provisioner
	audit      *audit.Trail
	config     *Config
	logger     *logrus.Logger

	metricsManager *metrics.Manager
}

// SubmitContributionRequest describes one contribution attempt
type SubmitContributionRequest struct {
	ProjectID       string `json:"project_id"`
	ContributorID   string `json:"contributor_id"`
	ContributorName string `json:"contributor_name"`
	Anonymous       bool   `json:"anonymous"`
	Amount          int64  `json:"amount"`
}

// New creates a contribution ledger
func New(store storage.Storage, client settlement.Client, wallets *wallet.Provisioner, trail *audit.Trail, config *Config) *Ledger {
	return &Ledger{
		storage:    store,
		settlement: client,
		wallets:    wallets,
		audit:      trail,
		config:     config,
		logger:     utils.GetLogger(),
	}
}

// SetMetricsManager wires the metrics manager
func (l *Ledger) SetMetricsManager(manager *metrics.Manager) {
	l.metricsManager = manager
}

// SubmitContribution runs one contribution end to end: validation, wallet
// resolution, the settlement transfer, and the atomic confirmation. The
// returned contribution reflects its final status; a nil error with a
// non-confirmed status means the attempt was cleanly rejected or failed.
func (l *Ledger) SubmitContribution(ctx context.Context, req *SubmitContributionRequest) (*models.Contribution, error) {
	start := time.Now()

	project, err := l.validateSubmission(ctx, req)
	if err != nil {
		return nil, err
	}

	contributorWallet, err := l.wallets.EnsureWallet(ctx, models.WalletOwnerUser, req.ContributorID)
	if err != nil {
		return nil, err
	}
	projectWallet, err := l.wallets.EnsureWallet(ctx, models.WalletOwnerProject, req.ProjectID)
	if err != nil {
		return nil, err
	}

	contributorName := req.ContributorName
	if req.Anonymous {
		contributorName = utils.AnonymizeContributor(req.ContributorID, l.config.AnonymizationSalt)
	}

	contribution := &models.Contribution{
		ID:              utils.GenerateID(),
		AuditUUID:       utils.GenerateID(),
		ProjectID:       req.ProjectID,
		ContributorID:   req.ContributorID,
		ContributorName: contributorName,
		Anonymous:       req.Anonymous,
		Amount:          req.Amount,
		Status:          models.ContributionStatusPending,
		CreatedAt:       time.Now().UTC(),
	}

	if err := l.storage.SaveContribution(ctx, contribution); err != nil {
		return nil, err
	}

	_ = l.audit.Record(ctx, req.ContributorID, models.AuditActionCreate, "contribution", contribution.ID, map[string]interface{}{
		"project_id": req.ProjectID,
		"amount":     req.Amount,
	})

	secret, err := l.wallets.DecryptSecret(contributorWallet)
	if err != nil {
		l.markFailed(ctx, contribution, "secret decryption failed", false)
		return contribution, err
	}

	txRef, ok, err := l.settlement.Transfer(ctx, &settlement.TransferRequest{
		SenderAccount:   contributorWallet.AccountID,
		SenderSecret:    secret,
		ReceiverAccount: projectWallet.AccountID,
		Amount:          req.Amount,
		Memo:            fmt.Sprintf("contribution %s to project %s", contribution.AuditUUID, project.AuditUUID),
	})

	if err != nil {
		timedOut := settlement.IsTimeout(err)
		// The reference was assigned before submission; keep it so the
		// reconciler can ask the network whether the transfer executed.
		contribution.TxRef = txRef
		l.markFailed(ctx, contribution, err.Error(), timedOut)
		if timedOut && l.metricsManager != nil {
			l.metricsManager.GetPrometheusMetrics().RecordSettlementTimeout()
		}
		l.recordOutcome(contribution, start)
		return contribution, nil
	}
	if !ok {
		l.markFailed(ctx, contribution, "rejected by settlement network", false)
		l.recordOutcome(contribution, start)
		return contribution, nil
	}

	if err := l.confirm(ctx, contribution, txRef); err != nil {
		// The transfer executed but the local confirmation could not land.
		// The contribution stays pending with its reference recorded; the
		// reconciler picks it up.
		contribution.TxRef = txRef
		_ = l.storage.UpdateContribution(ctx, contribution)
		return contribution, err
	}

	contribution.TxRef = txRef
	contribution.Status = models.ContributionStatusConfirmed
	now := time.Now().UTC()
	contribution.ConfirmedAt = &now

	l.recordOutcome(contribution, start)
	return contribution, nil
}

// confirm applies the atomic confirmation, retrying once after a
// concurrency conflict in case the project state moved underneath us
func (l *Ledger) confirm(ctx context.Context, contribution *models.Contribution, txRef string) error {
	result, err := l.storage.ApplyConfirmation(ctx, contribution.ID, txRef)
	if utils.IsCode(err, utils.ErrCodeConcurrency) {
		if l.metricsManager != nil {
			l.metricsManager.GetPrometheusMetrics().RecordConcurrencyRetry()
		}
		result, err = l.storage.ApplyConfirmation(ctx, contribution.ID, txRef)
	}
	if err != nil {
		return err
	}

	_ = l.audit.Record(ctx, contribution.ContributorID, models.AuditActionConfirm, "contribution", contribution.ID, map[string]interface{}{
		"project_id":       contribution.ProjectID,
		"amount":           contribution.Amount,
		"tx_ref":           txRef,
		"collected_amount": result.CollectedAmount,
	})

	if result.Completed {
		l.logger.WithFields(logrus.Fields{
			"project_id": contribution.ProjectID,
			"collected":  result.CollectedAmount,
		}).Info("Project reached its requested amount")

		_ = l.audit.Record(ctx, "system", models.AuditActionUpdate, "project", contribution.ProjectID, map[string]interface{}{
			"status":           models.ProjectStatusCompleted,
			"collected_amount": result.CollectedAmount,
		})
	}

	if l.metricsManager != nil {
		l.metricsManager.GetPrometheusMetrics().UpdateCollectedAmount(result.ProjectID, result.CollectedAmount)
	}

	return nil
}

// validateSubmission checks the request against the project state
func (l *Ledger) validateSubmission(ctx context.Context, req *SubmitContributionRequest) (*models.Project, error) {
	if req.ContributorID == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Contributor ID is required", "")
	}
	if req.Amount < l.config.MinContribution {
		return nil, utils.NewAppError(utils.ErrCodeValidation,
			"Contribution is below the minimum",
			fmt.Sprintf("minimum %d, got %d", l.config.MinContribution, req.Amount))
	}

	project, err := l.storage.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Project not found", req.ProjectID)
	}
	if !project.IsActive() {
		return nil, utils.NewAppError(utils.ErrCodeValidation,
			"Project is not accepting contributions", project.Status)
	}
	if project.EnforceCap && req.Amount > project.RemainingAmount() {
		return nil, utils.NewAppError(utils.ErrCodeValidation,
			"Contribution exceeds the remaining amount",
			fmt.Sprintf("remaining %d, got %d", project.RemainingAmount(), req.Amount))
	}

	return project, nil
}

// markFailed records a failed or timed-out contribution outcome
func (l *Ledger) markFailed(ctx context.Context, contribution *models.Contribution, reason string, timedOut bool) {
	contribution.Status = models.ContributionStatusError
	contribution.FailureReason = reason
	contribution.TimedOut = timedOut

	if err := l.storage.UpdateContribution(ctx, contribution); err != nil {
		l.logger.WithFields(logrus.Fields{
			"contribution_id": contribution.ID,
			"error":           err.Error(),
		}).Error("Failed to record contribution failure")
	}

	_ = l.audit.Record(ctx, contribution.ContributorID, models.AuditActionFail, "contribution", contribution.ID, map[string]interface{}{
		"project_id": contribution.ProjectID,
		"amount":     contribution.Amount,
		"reason":     reason,
		"timed_out":  timedOut,
	})

	l.logger.WithFields(logrus.Fields{
		"contribution_id": contribution.ID,
		"project_id":      contribution.ProjectID,
		"reason":          reason,
		"timed_out":       timedOut,
	}).Warn("Contribution failed")
}

func (l *Ledger) recordOutcome(contribution *models.Contribution, start time.Time) {
	if l.metricsManager == nil {
		return
	}
	m := l.metricsManager.GetPrometheusMetrics()
	m.RecordContribution(contribution.Status, contribution.Amount)
	m.RecordContributionDuration(time.Since(start))
}

// RefundContribution reverses a confirmed contribution in the ledger: the
// contribution flips to refunded and the project total drops by its amount.
// The external transfer is not reversed; moving value back to the
// contributor is an operator concern outside this system.
func (l *Ledger) RefundContribution(ctx context.Context, contributionID, actor string) (*models.Contribution, error) {
	contribution, err := l.storage.GetContribution(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	if contribution == nil {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Contribution not found", contributionID)
	}
	if contribution.Status != models.ContributionStatusConfirmed {
		return nil, utils.NewAppError(utils.ErrCodeStateTransition,
			"Only confirmed contributions can be refunded", contribution.Status)
	}

	if err := l.storage.ApplyRefund(ctx, contributionID); err != nil {
		return nil, err
	}

	_ = l.audit.Record(ctx, actor, models.AuditActionRefund, "contribution", contributionID, map[string]interface{}{
		"project_id": contribution.ProjectID,
		"amount":     contribution.Amount,
	})

	if l.metricsManager != nil {
		l.metricsManager.GetPrometheusMetrics().RecordContribution(models.ContributionStatusRefunded, contribution.Amount)
	}

	return l.storage.GetContribution(ctx, contributionID)
}

// GetContribution retrieves a contribution by ID
func (l *Ledger) GetContribution(ctx context.Context, id string) (*models.Contribution, error) {
	contribution, err := l.storage.GetContribution(ctx, id)
	if err != nil {
		return nil, err
	}
	if contribution == nil {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Contribution not found", id)
	}
	return contribution, nil
}

// ListContributions retrieves contributions matching the filter
func (l *Ledger) ListContributions(ctx context.Context, filter models.ContributionFilter) ([]*models.Contribution, error) {
	return l.storage.GetContributions(ctx, filter)
}
