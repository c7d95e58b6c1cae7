package ledger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/internal/audit"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/notarization"
	"github.com/solidcrowd/crowdledger/internal/storage"
	"github.com/solidcrowd/crowdledger/internal/wallet"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// ProjectService manages the project funding lifecycle. Status moves along
// draft -> pending_review -> active -> completed, with pending_review able
// to drop to rejected; every transition is guarded and audited.
type ProjectService struct {
	storage  storage.Storage
	wallets  *wallet.Provisioner
	registry *notarization.Registry
	audit    *audit.Trail
	logger   *logrus.Logger
}

// CreateProjectRequest describes a new project
type CreateProjectRequest struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	OwnerID         string `json:"owner_id"`
	RequestedAmount int64  `json:"requested_amount"`
	EnforceCap      *bool  `json:"enforce_cap,omitempty"`
}

// NewProjectService creates a project service
func NewProjectService(store storage.Storage, wallets *wallet.Provisioner, registry *notarization.Registry, trail *audit.Trail) *ProjectService {
	return &ProjectService{
		storage:  store,
		wallets:  wallets,
		registry: registry,
		audit:    trail,
		logger:   utils.GetLogger(),
	}
}

// CreateProject registers a new draft project and provisions its wallet
func (s *ProjectService) CreateProject(ctx context.Context, req *CreateProjectRequest) (*models.Project, error) {
	if req.Title == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Project title is required", "")
	}
	if req.OwnerID == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Project owner is required", "")
	}
	if req.RequestedAmount <= 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Requested amount must be positive", "")
	}

	enforceCap := true
	if req.EnforceCap != nil {
		enforceCap = *req.EnforceCap
	}

	now := time.Now().UTC()
	project := &models.Project{
		ID:              utils.GenerateID(),
		AuditUUID:       utils.GenerateID(),
		Title:           req.Title,
		Description:     req.Description,
		OwnerID:         req.OwnerID,
		RequestedAmount: req.RequestedAmount,
		EnforceCap:      enforceCap,
		Status:          models.ProjectStatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.storage.SaveProject(ctx, project); err != nil {
		return nil, err
	}

	// Wallet creation is best effort at this point; a missing wallet is
	// provisioned again on the first contribution.
	if _, err := s.wallets.EnsureWallet(ctx, models.WalletOwnerProject, project.ID); err != nil {
		s.logger.WithFields(logrus.Fields{
			"project_id": project.ID,
			"error":      err.Error(),
		}).Warn("Project wallet provisioning deferred")
	}

	_ = s.audit.Record(ctx, req.OwnerID, models.AuditActionCreate, "project", project.ID, map[string]interface{}{
		"title":            project.Title,
		"requested_amount": project.RequestedAmount,
		"enforce_cap":      project.EnforceCap,
	})

	return project, nil
}

// SubmitForReview moves a draft project into review
func (s *ProjectService) SubmitForReview(ctx context.Context, projectID, actor string) (*models.Project, error) {
	err := s.storage.TransitionProjectStatus(ctx, projectID,
		models.ProjectStatusDraft, models.ProjectStatusPendingReview, "")
	if err != nil {
		return nil, err
	}

	_ = s.audit.Record(ctx, actor, models.AuditActionUpdate, "project", projectID, map[string]interface{}{
		"status": models.ProjectStatusPendingReview,
	})

	return s.GetProject(ctx, projectID)
}

// Validate activates a reviewed project. Activation also anchors the
// project on the notarization log; a notarization failure degrades to a
// warning, the validation itself stands.
func (s *ProjectService) Validate(ctx context.Context, projectID, validatorID string) (*models.Project, error) {
	if validatorID == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Validator ID is required", "")
	}

	err := s.storage.TransitionProjectStatus(ctx, projectID,
		models.ProjectStatusPendingReview, models.ProjectStatusActive, validatorID)
	if err != nil {
		return nil, err
	}

	_ = s.audit.Record(ctx, validatorID, models.AuditActionValidate, "project", projectID, map[string]interface{}{
		"status": models.ProjectStatusActive,
	})

	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if _, err := s.registry.EnsureTopic(ctx, project, validatorID); err != nil {
		s.logger.WithFields(logrus.Fields{
			"project_id": projectID,
			"error":      err.Error(),
		}).Warn("Notarization topic creation failed, validation stands")
		return project, nil
	}

	if err := s.registry.PublishValidation(ctx, project, validatorID); err != nil {
		s.logger.WithFields(logrus.Fields{
			"project_id": projectID,
			"error":      err.Error(),
		}).Warn("Validation notarization failed, validation stands")
	}

	return s.GetProject(ctx, projectID)
}

// Reject declines a project under review
func (s *ProjectService) Reject(ctx context.Context, projectID, validatorID, reason string) (*models.Project, error) {
	err := s.storage.TransitionProjectStatus(ctx, projectID,
		models.ProjectStatusPendingReview, models.ProjectStatusRejected, validatorID)
	if err != nil {
		return nil, err
	}

	_ = s.audit.Record(ctx, validatorID, models.AuditActionReject, "project", projectID, map[string]interface{}{
		"status": models.ProjectStatusRejected,
		"reason": reason,
	})

	return s.GetProject(ctx, projectID)
}

// GetProject retrieves a project by ID
func (s *ProjectService) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project, err := s.storage.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Project not found", id)
	}
	return project, nil
}

// ListProjects retrieves projects matching the filter
func (s *ProjectService) ListProjects(ctx context.Context, filter models.ProjectFilter) ([]*models.Project, error) {
	return s.storage.GetProjects(ctx, filter)
}
