package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// PostgreSQLStorage implements Storage interface using PostgreSQL
type PostgreSQLStorage struct {
	db         *sql.DB
	config     *StorageConfig
	logger     *logrus.Logger
	migrations []*Migration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetPostgresMigrations(),
	}
}

// Connect establishes database connection
func (s *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxConnections / 2)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to connect to PostgreSQL", err.Error())
	}

	s.db = db
	s.logger.Info("PostgreSQL database connected")

	return nil
}

// Close closes the database connection
func (s *PostgreSQLStorage) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("PostgreSQL database connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *PostgreSQLStorage) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *PostgreSQLStorage) Migrate() error {
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
func (s *PostgreSQLStorage) SaveProject(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects
		(id, audit_uuid, title, description, owner_id, requested_amount, collected_amount,
		 enforce_cap, status, topic_ref, validated_by, validated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
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
func (s *PostgreSQLStorage) GetProject(ctx context.Context, id string) (*models.Project, error) {
	query := `
		SELECT id, audit_uuid, title, description, owner_id, requested_amount, collected_amount,
		       enforce_cap, status, topic_ref, validated_by, validated_at, created_at, updated_at
		FROM projects WHERE id = $1
	`

	return scanProject(s.db.QueryRowContext(ctx, query, id))
}

// GetProjects retrieves projects based on filter
func (s *PostgreSQLStorage) GetProjects(ctx context.Context, filter models.ProjectFilter) ([]*models.Project, error) {
	query := `
		SELECT id, audit_uuid, title, description, owner_id, requested_amount, collected_amount,
		       enforce_cap, status, topic_ref, validated_by, validated_at, created_at, updated_at
		FROM projects WHERE 1=1
	`
	args := []interface{}{}
	argIndex := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *filter.Status)
		argIndex++
	}
	if filter.OwnerID != nil {
		query += fmt.Sprintf(" AND owner_id = $%d", argIndex)
		args = append(args, *filter.OwnerID)
		argIndex++
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

// UpdateProject updates mutable project fields
func (s *PostgreSQLStorage) UpdateProject(ctx context.Context, project *models.Project) error {
	query := `
		UPDATE projects
		SET title = $1, description = $2, requested_amount = $3, enforce_cap = $4,
		    topic_ref = $5, updated_at = $6
		WHERE id = $7
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
func (s *PostgreSQLStorage) TransitionProjectStatus(ctx context.Context, id, fromStatus, toStatus, validatedBy string) error {
	now := time.Now().UTC()

	query := `
		UPDATE projects
		SET status = $1,
		    validated_by = CASE WHEN $2 != '' THEN $2 ELSE validated_by END,
		    validated_at = CASE WHEN $2 != '' THEN $3 ELSE validated_at END,
		    updated_at = $3
		WHERE id = $4 AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query, toStatus, validatedBy, now, id, fromStatus)
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

// SaveWallet inserts a new wallet
func (s *PostgreSQLStorage) SaveWallet(ctx context.Context, wallet *models.Wallet) error {
	query := `
		INSERT INTO wallets
		(id, owner_kind, owner_id, account_id, encrypted_secret, degraded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
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
func (s *PostgreSQLStorage) GetWallet(ctx context.Context, ownerKind, ownerID string) (*models.Wallet, error) {
	query := `
		SELECT id, owner_kind, owner_id, account_id, encrypted_secret, degraded, created_at
		FROM wallets WHERE owner_kind = $1 AND owner_id = $2
	`

	return scanWallet(s.db.QueryRowContext(ctx, query, ownerKind, ownerID))
}

// GetWalletByAccount retrieves a wallet by its settlement account identifier
func (s *PostgreSQLStorage) GetWalletByAccount(ctx context.Context, accountID string) (*models.Wallet, error) {
	query := `
		SELECT id, owner_kind, owner_id, account_id, encrypted_secret, degraded, created_at
		FROM wallets WHERE account_id = $1
	`

	return scanWallet(s.db.QueryRowContext(ctx, query, accountID))
}

// SaveContribution inserts a new contribution
func (s *PostgreSQLStorage) SaveContribution(ctx context.Context, contribution *models.Contribution) error {
	query := `
		INSERT INTO contributions
		(id, audit_uuid, project_id, contributor_id, contributor_name, anonymous,
		 amount, tx_ref, status, failure_reason, timed_out, created_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
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
func (s *PostgreSQLStorage) GetContribution(ctx context.Context, id string) (*models.Contribution, error) {
	query := `
		SELECT id, audit_uuid, project_id, contributor_id, contributor_name, anonymous,
		       amount, tx_ref, status, failure_reason, timed_out, created_at, confirmed_at
		FROM contributions WHERE id = $1
	`

	return scanContribution(s.db.QueryRowContext(ctx, query, id))
}

// GetContributions retrieves contributions based on filter
func (s *PostgreSQLStorage) GetContributions(ctx context.Context, filter models.ContributionFilter) ([]*models.Contribution, error) {
	query := `
		SELECT id, audit_uuid, project_id, contributor_id, contributor_name, anonymous,
		       amount, tx_ref, status, failure_reason, timed_out, created_at, confirmed_at
		FROM contributions WHERE 1=1
	`
	args := []interface{}{}
	argIndex := 1

	if filter.ProjectID != nil {
		query += fmt.Sprintf(" AND project_id = $%d", argIndex)
		args = append(args, *filter.ProjectID)
		argIndex++
	}
	if filter.ContributorID != nil {
		query += fmt.Sprintf(" AND contributor_id = $%d", argIndex)
		args = append(args, *filter.ContributorID)
		argIndex++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *filter.Status)
		argIndex++
	}
	if filter.TimedOut != nil {
		query += fmt.Sprintf(" AND timed_out = $%d", argIndex)
		args = append(args, *filter.TimedOut)
		argIndex++
	}
	if filter.WithTxRef {
		query += " AND tx_ref != ''"
	}
	if filter.CreatedAfter != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, *filter.CreatedAfter)
		argIndex++
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
func (s *PostgreSQLStorage) UpdateContribution(ctx context.Context, contribution *models.Contribution) error {
	query := `
		UPDATE contributions
		SET tx_ref = $1, status = $2, failure_reason = $3, timed_out = $4, confirmed_at = $5
		WHERE id = $6
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
// the project total in a single transaction. Row locks replace SQLite's
// writer serialization; the guard behaves identically. The project side
// always records the amount because the transfer has already settled.
func (s *PostgreSQLStorage) ApplyConfirmation(ctx context.Context, contributionID, txRef string) (*ConfirmationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	var projectID string
	var amount int64
	err = tx.QueryRowContext(ctx,
		"SELECT project_id, amount FROM contributions WHERE id = $1 FOR UPDATE",
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
		SET status = $1, tx_ref = $2, confirmed_at = $3
		WHERE id = $4 AND status = $5
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
		SET collected_amount = collected_amount + $1,
		    status = CASE
		        WHEN status = $2 AND collected_amount + $1 >= requested_amount THEN $3
		        ELSE status
		    END,
		    updated_at = $4
		WHERE id = $5 AND status IN ($2, $3)
	`, amount, models.ProjectStatusActive, models.ProjectStatusCompleted, now, projectID)
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
		"SELECT collected_amount, status FROM projects WHERE id = $1",
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
// from the project total in a single transaction. The project status never
// reverses.
func (s *PostgreSQLStorage) ApplyRefund(ctx context.Context, contributionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	var projectID string
	var amount int64
	err = tx.QueryRowContext(ctx,
		"SELECT project_id, amount FROM contributions WHERE id = $1 FOR UPDATE",
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
		SET status = $1
		WHERE id = $2 AND status = $3
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
		SET collected_amount = collected_amount - $1,
		    updated_at = $2
		WHERE id = $3
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
// project in one transaction
func (s *PostgreSQLStorage) CreateTopicWithReference(ctx context.Context, topic *models.NotarizationTopic) (*models.NotarizationTopic, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO notarization_topics
		(id, project_id, topic_ref, creation_tx_ref, message_count, last_message_at, created_at)
		VALUES ($1, $2, $3, $4, 0, NULL, $5)
		ON CONFLICT (project_id) DO NOTHING
	`, topic.ID, topic.ProjectID, topic.TopicRef, topic.CreationTxRef, topic.CreatedAt)
	if err != nil {
		return nil, false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to save topic", err.Error())
	}

	inserted, _ := result.RowsAffected()
	created := inserted > 0

	if created {
		_, err = tx.ExecContext(ctx,
			"UPDATE projects SET topic_ref = $1, updated_at = $2 WHERE id = $3",
			topic.TopicRef, time.Now().UTC(), topic.ProjectID)
		if err != nil {
			return nil, false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to stamp topic reference", err.Error())
		}
	}

	canonical, err := scanTopic(tx.QueryRowContext(ctx, `
		SELECT id, project_id, topic_ref, creation_tx_ref, message_count, last_message_at, created_at
		FROM notarization_topics WHERE project_id = $1
	`, topic.ProjectID))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit topic creation", err.Error())
	}

	return canonical, created, nil
}

// GetTopic retrieves the topic for a project, nil when absent
func (s *PostgreSQLStorage) GetTopic(ctx context.Context, projectID string) (*models.NotarizationTopic, error) {
	query := `
		SELECT id, project_id, topic_ref, creation_tx_ref, message_count, last_message_at, created_at
		FROM notarization_topics WHERE project_id = $1
	`

	return scanTopic(s.db.QueryRowContext(ctx, query, projectID))
}

// GetTopics retrieves all topics
func (s *PostgreSQLStorage) GetTopics(ctx context.Context) ([]*models.NotarizationTopic, error) {
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

// InsertMessageIfAbsent mirrors one remote message idempotently
func (s *PostgreSQLStorage) InsertMessageIfAbsent(ctx context.Context, message *models.NotarizationMessage) (bool, error) {
	contentJSON, err := json.Marshal(message.Content)
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal message content", err.Error())
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notarization_messages
		(id, topic_id, sequence_number, consensus_timestamp, message_type, content, tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (topic_id, sequence_number) DO NOTHING
	`, message.ID, message.TopicID, message.SequenceNumber, message.ConsensusTimestamp,
		message.MessageType, string(contentJSON), message.TxRef, message.CreatedAt)
	if err != nil {
		return false, utils.NewAppError(utils.ErrCodeDatabase, "Failed to save message", err.Error())
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// GetMessages retrieves mirrored messages for a topic in sequence order
func (s *PostgreSQLStorage) GetMessages(ctx context.Context, topicID string, limit, offset int) ([]*models.NotarizationMessage, error) {
	query := `
		SELECT id, topic_id, sequence_number, consensus_timestamp, message_type, content, tx_ref, created_at
		FROM notarization_messages WHERE topic_id = $1
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
func (s *PostgreSQLStorage) UpdateTopicStats(ctx context.Context, topicID string, added int64, lastMessageAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notarization_topics
		SET message_count = message_count + $1, last_message_at = $2
		WHERE id = $3
	`, added, lastMessageAt, topicID)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to update topic stats", err.Error())
	}
	return nil
}

// AppendAudit appends one immutable audit entry
func (s *PostgreSQLStorage) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal audit detail", err.Error())
	}

	query := `
		INSERT INTO audit_log
		(id, audit_uuid, actor, action, entity_kind, entity_id, detail, origin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
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
func (s *PostgreSQLStorage) GetAuditEntries(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, audit_uuid, actor, action, entity_kind, entity_id, detail, origin, created_at
		FROM audit_log WHERE 1=1
	`
	args := []interface{}{}
	argIndex := 1

	if filter.Actor != nil {
		query += fmt.Sprintf(" AND actor = $%d", argIndex)
		args = append(args, *filter.Actor)
		argIndex++
	}
	if filter.Action != nil {
		query += fmt.Sprintf(" AND action = $%d", argIndex)
		args = append(args, *filter.Action)
		argIndex++
	}
	if filter.EntityKind != nil {
		query += fmt.Sprintf(" AND entity_kind = $%d", argIndex)
		args = append(args, *filter.EntityKind)
		argIndex++
	}
	if filter.EntityID != nil {
		query += fmt.Sprintf(" AND entity_id = $%d", argIndex)
		args = append(args, *filter.EntityID)
		argIndex++
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
func (s *PostgreSQLStorage) GetSystemState(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM system_state WHERE key = $1", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", utils.NewAppError(utils.ErrCodeDatabase, "Failed to get system state", err.Error())
	}
	return value, nil
}

// SetSystemState sets a system state value
func (s *PostgreSQLStorage) SetSystemState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_state (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set system state", err.Error())
	}
	return nil
}

// GetStorageStats returns storage statistics
func (s *PostgreSQLStorage) GetStorageStats() (*StorageStats, error) {
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

	var size sql.NullInt64
	if err := s.db.QueryRow("SELECT pg_database_size(current_database())").Scan(&size); err == nil && size.Valid {
		stats.DatabaseSize = size.Int64
	}

	return stats, nil
}
