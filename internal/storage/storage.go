package storage

import (
	"context"
	"time"

	"github.com/solidcrowd/crowdledger/internal/models"
)

// Storage defines the interface for ledger persistence. The Apply* methods
// are atomic units: each runs in a single database transaction so a crash
// can never leave a contribution and its project total out of step.
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Project operations
	SaveProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjects(ctx context.Context, filter models.ProjectFilter) ([]*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	// TransitionProjectStatus moves a project from one status to another,
	// failing when the project is no longer in the expected status.
	TransitionProjectStatus(ctx context.Context, id, fromStatus, toStatus, validatedBy string) error

	// Wallet operations
	SaveWallet(ctx context.Context, wallet *models.Wallet) error
	GetWallet(ctx context.Context, ownerKind, ownerID string) (*models.Wallet, error)
	GetWalletByAccount(ctx context.Context, accountID string) (*models.Wallet, error)

	// Contribution operations
	SaveContribution(ctx context.Context, contribution *models.Contribution) error
	GetContribution(ctx context.Context, id string) (*models.Contribution, error)
	GetContributions(ctx context.Context, filter models.ContributionFilter) ([]*models.Contribution, error)
	UpdateContribution(ctx context.Context, contribution *models.Contribution) error
	// ApplyConfirmation flips a pending contribution to confirmed and adds
	// its amount to the project total in one transaction.
	ApplyConfirmation(ctx context.Context, contributionID, txRef string) (*ConfirmationResult, error)
	// ApplyRefund flips a confirmed contribution to refunded and subtracts
	// its amount from the project total in one transaction.
	ApplyRefund(ctx context.Context, contributionID string) error

	// Notarization operations
	CreateTopicWithReference(ctx context.Context, topic *models.NotarizationTopic) (*models.NotarizationTopic, bool, error)
	GetTopic(ctx context.Context, projectID string) (*models.NotarizationTopic, error)
	GetTopics(ctx context.Context) ([]*models.NotarizationTopic, error)
	InsertMessageIfAbsent(ctx context.Context, message *models.NotarizationMessage) (bool, error)
	GetMessages(ctx context.Context, topicID string, limit, offset int) ([]*models.NotarizationMessage, error)
	UpdateTopicStats(ctx context.Context, topicID string, added int64, lastMessageAt time.Time) error

	// Audit operations
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	GetAuditEntries(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error)

	// System state
	GetSystemState(key string) (string, error)
	SetSystemState(key, value string) error

	// Statistics
	GetStorageStats() (*StorageStats, error)
}

// ConfirmationResult reports the project state after an applied confirmation
type ConfirmationResult struct {
	ProjectID       string `json:"project_id"`
	CollectedAmount int64  `json:"collected_amount"`
	ProjectStatus   string `json:"project_status"`
	Completed       bool   `json:"completed"`
}

// StorageStats provides storage statistics
type StorageStats struct {
	TotalProjects      int64      `json:"total_projects"`
	TotalContributions int64      `json:"total_contributions"`
	TotalWallets       int64      `json:"total_wallets"`
	TotalTopics        int64      `json:"total_topics"`
	TotalMessages      int64      `json:"total_messages"`
	TotalAuditEntries  int64      `json:"total_audit_entries"`
	OldestContribution *time.Time `json:"oldest_contribution,omitempty"`
	LatestContribution *time.Time `json:"latest_contribution,omitempty"`
	DatabaseSize       int64      `json:"database_size_bytes"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}
