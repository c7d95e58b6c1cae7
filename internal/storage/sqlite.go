package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/pkg/utils"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetSQLiteMigrations(),
	}
}

// Connect establishes database connection
func (s *SQLiteStorage) Connect() error {
	// Ensure directory exists
	dir := filepath.Dir(s.config.ConnectionString)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
		}
	}

	db, err := sql.Open("sqlite", s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxConnections / 2)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to enable WAL mode", err.Error())
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to enable foreign keys", err.Error())
	}

	// Wait for locks instead of failing immediately under write contention
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set busy timeout", err.Error())
	}

	s.db = db
	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite database connected")

	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStorage) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}

	s.logger.Info("Starting database migrations")

	for _, migration := range s.migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Info("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}

	s.logger.Info("Database migrations completed")
	return nil
}

// SaveProject inserts a new project
func (s *SQLiteStorage) SaveProject(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects
		(id, audit_uuid, title, description, owner_id, requested_amount, collected_amount,
		 enforce_cap, status, topic_ref, validated_by, validated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		project.ID, project.AuditUUID, project.Title, project.Description,
		project.OwnerID, project.RequestedAmount, project.CollectedAmount,
		project.EnforceCap, project.Status, project.TopicRef,
		project.ValidatedBy, project.ValidatedAt, project.CreatedAt, project.UpdatedAt)

	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save project", err.Error())
	}

	return nil
}

// GetProject retrieves a single project by ID
func (s *SQLiteStorage) GetProject(ctx context.Context, id string) (*models.Project, error) {
	query := `
		SELECT id, audit_uuid, title, description, owner_id, requested_amount, collected_amount,
		       enforce_cap, status, topic_ref, validated_by, validated_at, created_at, updated_at
		FROM projects WHERE id = ?
	`

	return scanProject(s.db.QueryRowContext(ctx, query, id))
}

// GetProjects retrieves projects based on filter
func (s *SQLiteStorage) GetProjects(ctx context.Context, filter models.ProjectFilter) ([]*models.Project, error) {
	query := `
		SELECT id, audit_uuid, title, description, owner_id, requested_amount, collected_amount,
		       enforce_cap, status, topic_ref, validated_by, validated_at, created_at, updated_at
		FROM projects WHERE 1=1
	`
	args := []interface{}{}

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	if filter.OwnerID != nil {
		query += " AND owner_id = ?"
		args = append(args, *filter.OwnerID)
	}
	if filter.WithoutTopic {
		query += " AND topic_ref = ''"
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query projects", err.Error())
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}

	return projects, rows.Err()
}

// UpdateProject updates mutable project fields. Collected amount and status
// are excluded: those only move through the atomic units and
// TransitionProjectStatus.
func (s *SQLiteStorage) UpdateProject(ctx context.Context, project *models.Project) error {
	query := `
		UPDATE projects
		SET title = ?, description = ?, requested_amount = ?, enforce_cap = ?,
		    topic_ref = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		project.Title, project.Description, project.RequestedAmount,
		project.EnforceCap, project.TopicRef, time.Now().UTC(), project.ID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update project", err.Error())
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "Project not found", project.ID)
	}

	return nil
}

// TransitionProjectStatus moves a project between statuses with an
// optimistic guard on the expected current status
func (s *SQLiteStorage) TransitionProjectStatus(ctx context.Context, id, fromStatus, toStatus, validatedBy string) error {
	now := time.Now().UTC()

	query := `
		UPDATE projects
		SET status = ?,
		    validated_by = CASE WHEN ? != '' THEN ? ELSE validated_by END,
		    validated_at = CASE WHEN ? != '' THEN ? ELSE validated_at END,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		toStatus, validatedBy, validatedBy, validatedBy, now, now, id, fromStatus)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to transition project status", err.Error())
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return utils.NewAppError(utils.ErrCodeStateTransition,
			"Project is not in the expected status",
			fmt.Sprintf("project %s, expected %s", id, fromStatus))
	}

	return nil
}

// SaveWallet inserts a new wallet. The unique owner index rejects a second
// wallet for the same owner.
func (s *SQLiteStorage) SaveWallet(ctx context.Context, wallet *models.Wallet) error {
	query := `
		INSERT INTO wallets
		(id, owner_kind, owner_id, account_id, encrypted_secret, degraded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		wallet.ID, wallet.OwnerKind, wallet.OwnerID, wallet.AccountID,
		wallet.EncryptedSecret, wallet.Degraded, wallet.CreatedAt)

	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save wallet", err.Error())
	}

	return nil
}

// GetWallet retrieves a wallet by owner
func (s *SQLiteStorage) GetWallet(ctx context.Context, ownerKind, ownerID string) (*models.Wallet, error) {
	query := `
		SELECT id, owner_kind, owner_id, account_id, encrypted_secret, degraded, created_at
		FROM wallets WHERE owner_kind = ? AND owner_id = ?
	`

	return scanWallet(s.db.QueryRowContext(ctx, query, ownerKind, ownerID))
}

// GetWalletByAccount retrieves a wallet by its settlement account identifier
func (s *SQLiteStorage) GetWalletByAccount(ctx context.Context, accountID string) (*models.Wallet, error) {
	query := `
		SELECT id, owner_kind, owner_id, account_id, encrypted_secret, degraded, created_at
		FROM wallets WHERE account_id = ?
	`

	return scanWallet(s.db.QueryRowContext(ctx, query, accountID))
}

// SaveContribution inserts a new contribution
func (s *SQLiteStorage) SaveContribution(ctx context.Context, contribution *models.Contribution) error {
	query := `
		INSERT INTO contributions
		(id, audit_uuid, project_id, contributor_id, contributor_name, anonymous,
		 amount, tx_ref, status, failure_reason, timed_out, created_at, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		contribution.ID, contribution.AuditUUID, contribution.ProjectID,
		contribution.ContributorID, contribution.ContributorName, contribution.Anonymous,
		contribution.Amount, contribution.TxRef, contribution.Status,
		contribution.FailureReason, contribution.TimedOut,
		contribution.CreatedAt, contribution.ConfirmedAt)

	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save contribution", err.Error())
	}

	return nil
}

// GetContribution retrieves a single contribution by ID
func (s *SQLiteStorage) GetContribution(ctx context.Context, id string) (*models.Contribution, error) {
	query := `
		SELECT id, audit_uuid, project_id, contributor_id, contributor_name, anonymous,
		       amount, tx_ref, status, failure_reason, timed_out, created_at, confirmed_at
		FROM contributions WHERE id = ?
	`

	return scanContribution(s.db.QueryRowContext(ctx, query, id))
}

// GetContributions retrieves contributions based on filter
func (s *SQLiteStorage) GetContributions(ctx context.Context, filter models.ContributionFilter) ([]*models.Contribution, error) {
	query := `
		SELECT id, audit_uuid, project_id, contributor_id, contributor_name, anonymous,
		       amount, tx_ref, status, failure_reason, timed_out, created_at, confirmed_at
		FROM contributions WHERE 1=1
	`
	args := []interface{}{}

	if filter.ProjectID != nil {
		query += " AND project_id = ?"
		args = append(args, *filter.ProjectID)
	}
	if filter.ContributorID != nil {
		query += " AND contributor_id = ?"
		args = append(args, *filter.ContributorID)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	if filter.TimedOut != nil {
		query += " AND timed_out = ?"
		args = append(args, *filter.TimedOut)
	}
	if filter.WithTxRef {
		query += " AND tx_ref != ''"
	}
	if filter.CreatedAfter != nil {
		query += " AND created_at >= ?"
		args = append(args, *filter.CreatedAfter)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query contributions", err.Error())
	}
	defer rows.Close()

	var contributions []*models.Contribution
	for rows.Next() {
		contribution, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, contribution)
	}

	return contributions, rows.Err()
}

// UpdateContribution updates a contribution's outcome fields
func (s *SQLiteStorage) UpdateContribution(ctx context.Context, contribution *models.Contribution) error {
	query := `
		UPDATE contributions
		SET tx_ref = ?, status = ?, failure_reason = ?, timed_out = ?, confirmed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		contribution.TxRef, contribution.Status, contribution.FailureReason,
		contribution.TimedOut, contribution.ConfirmedAt, contribution.ID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update contribution", err.Error())
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "Contribution not found", contribution.ID)
	}

	return nil
}

// ApplyConfirmation confirms a pending contribution and adds its amount to
// the project total in a single transaction. The update guard re-checks the
// contribution status; a contribution that is no longer pending rolls back
// with a concurrency conflict. The project side always records the amount:
// by the time a confirmation arrives the transfer has settled on the
// network, so the ledger must reflect it even past the funding goal.
func (s *SQLiteStorage) ApplyConfirmation(ctx context.Context, contributionID, txRef string) (*ConfirmationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	var projectID string
	var amount int64
	err = tx.QueryRowContext(ctx,
		"SELECT project_id, amount FROM contributions WHERE id = ?",
		contributionID).Scan(&projectID, &amount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, utils.NewAppError(utils.ErrCodeNotFound, "Contribution not found", contributionID)
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to load contribution", err.Error())
	}

	now := time.Now().UTC()

	result, err := tx.ExecContext(ctx, `
		UPDATE contributions
		SET status = ?, tx_ref = ?, confirmed_at = ?
		WHERE id = ? AND status = ?
	`, models.ContributionStatusConfirmed, txRef, now, contributionID, models.ContributionStatusPending)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to confirm contribution", err.Error())
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, utils.NewAppError(utils.ErrCodeConcurrency,
			"Contribution is no longer pending", contributionID)
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE projects
		SET collected_amount = collected_amount + ?,
		    status = CASE
		        WHEN status = ? AND collected_amount + ? >= requested_amount THEN ?
		        ELSE status
		    END,
		    updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, amount, models.ProjectStatusActive, amount, models.ProjectStatusCompleted,
		now, projectID, models.ProjectStatusActive, models.ProjectStatusCompleted)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to update project total", err.Error())
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, utils.NewAppError(utils.ErrCodeConcurrency,
			"Project cannot accept this confirmation",
			fmt.Sprintf("project %s, amount %d", projectID, amount))
	}

	var confirmation ConfirmationResult
	confirmation.ProjectID = projectID
	err = tx.QueryRowContext(ctx,
		"SELECT collected_amount, status FROM projects WHERE id = ?",
		projectID).Scan(&confirmation.CollectedAmount, &confirmation.ProjectStatus)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to read project state", err.Error())
	}
	confirmation.Completed = confirmation.ProjectStatus == models.ProjectStatusCompleted

	if err := tx.Commit(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit confirmation", err.Error())
	}

	return &confirmation, nil
}

// ApplyRefund reverses a confirmed contribution and subtracts its amount
// from the project total in a single transaction. The project status is
// left untouched: a completed project never reverses.
func (s *SQLiteStorage) ApplyRefund(ctx context.Context, contributionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	var projectID string
	var amount int64
	err = tx.QueryRowContext(ctx,
		"SELECT project_id, amount FROM contributions WHERE id = ?",
		contributionID).Scan(&projectID, &amount)
	if err != nil {
		if err == sql.ErrNoRows {
			return utils.NewAppError(utils.ErrCodeNotFound, "Contribution not found", contributionID)
		}
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to load contribution", err.Error())
	}

	now := time.Now().UTC()

	result, err := tx.ExecContext(ctx, `
		UPDATE contributions
		SET status = ?
		WHERE id = ? AND status = ?
	`, models.ContributionStatusRefunded, contributionID, models.ContributionStatusConfirmed)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to refund contribution", err.Error())
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return utils.NewAppError(utils.ErrCodeStateTransition,
			"Only confirmed contributions can be refunded", contributionID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projects
		SET collected_amount = collected_amount - ?,
		    updated_at = ?
		WHERE id = ?
	`, amount, now, projectID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update project total", err.Error())
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit refund", err.Error())
	}

	return nil
}

// CreateTopicWithReference inserts a topic and stamps its reference onto the
// project in one transaction. A concurrent insert for the same project
// loses silently: the canonical existing row is returned with created=false.
func (s *SQLiteStorage) CreateTopicWithReference(ctx context.Context, topic *models.NotarizationTopic) (*models.NotarizationTopic, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO notarization_topics
		(id, project_id, topic_ref, creation_tx_ref, message_count, last_message_at, created_at)
		VALUES (?, ?, ?, ?, 0, NULL, ?)
	`, topic.ID, topic.ProjectID, topic.TopicRef, topic.CreationTxRef, topic.CreatedAt)
	if err != nil {
		return nil, false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to save topic", err.Error())
	}

	inserted, _ := result.RowsAffected()
	created := inserted > 0

	if created {
		_, err = tx.ExecContext(ctx,
			"UPDATE projects SET topic_ref = ?, updated_at = ? WHERE id = ?",
			topic.TopicRef, time.Now().UTC(), topic.ProjectID)
		if err != nil {
			return nil, false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to stamp topic reference", err.Error())
		}
	}

	canonical, err := scanTopicTx(ctx, tx, topic.ProjectID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit topic creation", err.Error())
	}

	return canonical, created, nil
}

// GetTopic retrieves the topic for a project, nil when absent
func (s *SQLiteStorage) GetTopic(ctx context.Context, projectID string) (*models.NotarizationTopic, error) {
	query := `
		SELECT id, project_id, topic_ref, creation_tx_ref, message_count, last_message_at, created_at
		FROM notarization_topics WHERE project_id = ?
	`

	return scanTopic(s.db.QueryRowContext(ctx, query, projectID))
}

// GetTopics retrieves all topics
func (s *SQLiteStorage) GetTopics(ctx context.Context) ([]*models.NotarizationTopic, error) {
	query := `
		SELECT id, project_id, topic_ref, creation_tx_ref, message_count, last_message_at, created_at
		FROM notarization_topics ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query topics", err.Error())
	}
	defer rows.Close()

	var topics []*models.NotarizationTopic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}

	return topics, rows.Err()
}

// InsertMessageIfAbsent mirrors one remote message. The unique index on
// (topic_id, sequence_number) makes re-syncs idempotent.
func (s *SQLiteStorage) InsertMessageIfAbsent(ctx context.Context, message *models.NotarizationMessage) (bool, error) {
	contentJSON, err := json.Marshal(message.Content)
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal message content", err.Error())
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notarization_messages
		(id, topic_id, sequence_number, consensus_timestamp, message_type, content, tx_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, message.ID, message.TopicID, message.SequenceNumber, message.ConsensusTimestamp,
		message.MessageType, string(contentJSON), message.TxRef, message.CreatedAt)
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to save message", err.Error())
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// GetMessages retrieves mirrored messages for a topic in sequence order
func (s *SQLiteStorage) GetMessages(ctx context.Context, topicID string, limit, offset int) ([]*models.NotarizationMessage, error) {
	query := `
		SELECT id, topic_id, sequence_number, consensus_timestamp, message_type, content, tx_ref, created_at
		FROM notarization_messages WHERE topic_id = ?
		ORDER BY sequence_number
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	rows, err := s.db.QueryContext(ctx, query, topicID)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query messages", err.Error())
	}
	defer rows.Close()

	var messages []*models.NotarizationMessage
	for rows.Next() {
		var message models.NotarizationMessage
		var contentJSON string

		err := rows.Scan(&message.ID, &message.TopicID, &message.SequenceNumber,
			&message.ConsensusTimestamp, &message.MessageType, &contentJSON,
			&message.TxRef, &message.CreatedAt)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan message", err.Error())
		}

		if err := json.Unmarshal([]byte(contentJSON), &message.Content); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to unmarshal message content", err.Error())
		}

		messages = append(messages, &message)
	}

	return messages, rows.Err()
}

// UpdateTopicStats bumps the mirrored message count after a sync batch
func (s *SQLiteStorage) UpdateTopicStats(ctx context.Context, topicID string, added int64, lastMessageAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notarization_topics
		SET message_count = message_count + ?, last_message_at = ?
		WHERE id = ?
	`, added, lastMessageAt, topicID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update topic stats", err.Error())
	}
	return nil
}

// AppendAudit appends one immutable audit entry
func (s *SQLiteStorage) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal audit detail", err.Error())
	}

	query := `
		INSERT INTO audit_log
		(id, audit_uuid, actor, action, entity_kind, entity_id, detail, origin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.AuditUUID, entry.Actor, entry.Action,
		entry.EntityKind, entry.EntityID, string(detailJSON), entry.Origin, entry.CreatedAt)

	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to append audit entry", err.Error())
	}

	return nil
}

// GetAuditEntries retrieves audit entries based on filter
func (s *SQLiteStorage) GetAuditEntries(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, audit_uuid, actor, action, entity_kind, entity_id, detail, origin, created_at
		FROM audit_log WHERE 1=1
	`
	args := []interface{}{}

	if filter.Actor != nil {
		query += " AND actor = ?"
		args = append(args, *filter.Actor)
	}
	if filter.Action != nil {
		query += " AND action = ?"
		args = append(args, *filter.Action)
	}
	if filter.EntityKind != nil {
		query += " AND entity_kind = ?"
		args = append(args, *filter.EntityKind)
	}
	if filter.EntityID != nil {
		query += " AND entity_id = ?"
		args = append(args, *filter.EntityID)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query audit entries", err.Error())
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var detailJSON sql.NullString

		err := rows.Scan(&entry.ID, &entry.AuditUUID, &entry.Actor, &entry.Action,
			&entry.EntityKind, &entry.EntityID, &detailJSON, &entry.Origin, &entry.CreatedAt)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan audit entry", err.Error())
		}

		if detailJSON.Valid && detailJSON.String != "" {
			if err := json.Unmarshal([]byte(detailJSON.String), &entry.Detail); err != nil {
				return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to unmarshal audit detail", err.Error())
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// GetSystemState retrieves a system state value
func (s *SQLiteStorage) GetSystemState(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", utils.NewAppError(utils.ErrCodeDatabase, "Failed to get system state", err.Error())
	}
	return value, nil
}

// SetSystemState sets a system state value
func (s *SQLiteStorage) SetSystemState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set system state", err.Error())
	}
	return nil
}

// GetStorageStats returns storage statistics
func (s *SQLiteStorage) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{}

	counts := map[string]*int64{
		"projects":              &stats.TotalProjects,
		"contributions":         &stats.TotalContributions,
		"wallets":               &stats.TotalWallets,
		"notarization_topics":   &stats.TotalTopics,
		"notarization_messages": &stats.TotalMessages,
		"audit_log":             &stats.TotalAuditEntries,
	}
	for table, dest := range counts {
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(dest); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count "+table, err.Error())
		}
	}

	var oldest, latest sql.NullTime
	err := s.db.QueryRow("SELECT MIN(created_at), MAX(created_at) FROM contributions").Scan(&oldest, &latest)
	if err == nil {
		if oldest.Valid {
			stats.OldestContribution = &oldest.Time
		}
		if latest.Valid {
			stats.LatestContribution = &latest.Time
		}
	}

	if info, err := os.Stat(s.config.ConnectionString); err == nil {
		stats.DatabaseSize = info.Size()
	}

	return stats, nil
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var project models.Project
	var validatedAt sql.NullTime

	err := row.Scan(&project.ID, &project.AuditUUID, &project.Title, &project.Description,
		&project.OwnerID, &project.RequestedAmount, &project.CollectedAmount,
		&project.EnforceCap, &project.Status, &project.TopicRef,
		&project.ValidatedBy, &validatedAt, &project.CreatedAt, &project.UpdatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan project", err.Error())
	}

	if validatedAt.Valid {
		project.ValidatedAt = &validatedAt.Time
	}

	return &project, nil
}

func scanWallet(row rowScanner) (*models.Wallet, error) {
	var wallet models.Wallet

	err := row.Scan(&wallet.ID, &wallet.OwnerKind, &wallet.OwnerID,
		&wallet.AccountID, &wallet.EncryptedSecret, &wallet.Degraded, &wallet.CreatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan wallet", err.Error())
	}

	return &wallet, nil
}

func scanContribution(row rowScanner) (*models.Contribution, error) {
	var contribution models.Contribution
	var confirmedAt sql.NullTime

	err := row.Scan(&contribution.ID, &contribution.AuditUUID, &contribution.ProjectID,
		&contribution.ContributorID, &contribution.ContributorName, &contribution.Anonymous,
		&contribution.Amount, &contribution.TxRef, &contribution.Status,
		&contribution.FailureReason, &contribution.TimedOut,
		&contribution.CreatedAt, &confirmedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan contribution", err.Error())
	}

	if confirmedAt.Valid {
		contribution.ConfirmedAt = &confirmedAt.Time
	}

	return &contribution, nil
}

func scanTopic(row rowScanner) (*models.NotarizationTopic, error) {
	var topic models.NotarizationTopic
	var lastAt sql.NullTime

	err := row.Scan(&topic.ID, &topic.ProjectID, &topic.TopicRef, &topic.CreationTxRef,
		&topic.MessageCount, &lastAt, &topic.CreatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan topic", err.Error())
	}

	if lastAt.Valid {
		topic.LastMessageAt = &lastAt.Time
	}

	return &topic, nil
}

func scanTopicTx(ctx context.Context, tx *sql.Tx, projectID string) (*models.NotarizationTopic, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, project_id, topic_ref, creation_tx_ref, message_count, last_message_at, created_at
		FROM notarization_topics WHERE project_id = ?
	`, projectID)
	return scanTopic(row)
}
