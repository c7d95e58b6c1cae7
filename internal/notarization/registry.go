package notarization

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/internal/audit"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/storage"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// Registry keeps the local topic mirror aligned with the remote log. One
// topic exists per project; EnsureTopic and SyncMessages are both safe to
// call repeatedly.
type Registry struct {
	storage storage.Storage
	client  *Client
	audit   *audit.Trail
	logger  *logrus.Logger
}

// SyncResult reports the outcome of one topic sync
type SyncResult struct {
	TopicID       string `json:"topic_id"`
	TopicRef      string `json:"topic_ref"`
	RemoteCount   int    `json:"remote_count"`
	NewlyMirrored int    `json:"newly_mirrored"`
}

// NewRegistry creates a notarization registry
func NewRegistry(store storage.Storage, client *Client, trail *audit.Trail) *Registry {
	return &Registry{
		storage: store,
		client:  client,
		audit:   trail,
		logger:  utils.GetLogger(),
	}
}

// EnsureTopic returns the project's topic, creating it remotely and locally
// when absent. A second call, or a concurrent one, returns the canonical
// existing topic without touching the remote service.
func (r *Registry) EnsureTopic(ctx context.Context, project *models.Project, adminID string) (*models.NotarizationTopic, error) {
	existing, err := r.storage.GetTopic(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	remote, err := r.client.CreateTopic(ctx, project.ID, project.Title, adminID)
	if err != nil {
		return nil, err
	}

	topic := &models.NotarizationTopic{
		ID:            utils.GenerateID(),
		ProjectID:     project.ID,
		TopicRef:      remote.TopicRef,
		CreationTxRef: remote.TransactionID,
		CreatedAt:     time.Now().UTC(),
	}

	canonical, created, err := r.storage.CreateTopicWithReference(ctx, topic)
	if err != nil {
		return nil, err
	}

	if created {
		_ = r.audit.Record(ctx, adminID, models.AuditActionNotarize, "project", project.ID, map[string]interface{}{
			"topic_ref":       canonical.TopicRef,
			"creation_tx_ref": canonical.CreationTxRef,
		})
	} else {
		// Lost the insert race; the remote topic created above is orphaned
		// on the log but harmless, the canonical row wins locally.
		r.logger.WithFields(logrus.Fields{
			"project_id": project.ID,
			"topic_ref":  canonical.TopicRef,
		}).Warn("Concurrent topic creation detected, keeping canonical topic")
	}

	return canonical, nil
}

// PublishValidation anchors a validation record for the project. Best
// effort: callers treat an error as degraded notarization, not as a failed
// validation.
func (r *Registry) PublishValidation(ctx context.Context, project *models.Project, validatorID string) error {
	topic, err := r.storage.GetTopic(ctx, project.ID)
	if err != nil {
		return err
	}
	if topic == nil {
		return utils.NewAppError(utils.ErrCodeNotFound, "Project has no notarization topic", project.ID)
	}

	content := map[string]interface{}{
		"title":            project.Title,
		"requested_amount": project.RequestedAmount,
		"validated_by":     validatorID,
	}

	result, err := r.client.PublishValidation(ctx, project.ID, topic.TopicRef, validatorID, content)
	if err != nil {
		return err
	}

	_ = r.audit.Record(ctx, validatorID, models.AuditActionNotarize, "project", project.ID, map[string]interface{}{
		"topic_ref":       topic.TopicRef,
		"tx_ref":          result.TransactionID,
		"sequence_number": result.SequenceNumber,
	})

	return nil
}

// SyncMessages mirrors the remote messages of one topic. Messages are keyed
// by (topic, sequence number), so re-syncing never duplicates; topic stats
// move once per batch, by the number of genuinely new rows.
func (r *Registry) SyncMessages(ctx context.Context, topic *models.NotarizationTopic) (*SyncResult, error) {
	remote, err := r.client.GetMessages(ctx, topic.TopicRef)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{
		TopicID:     topic.ID,
		TopicRef:    topic.TopicRef,
		RemoteCount: len(remote),
	}

	var lastAt time.Time
	for _, msg := range remote {
		messageType := msg.MessageType
		if messageType == "" {
			messageType = models.MessageTypeOther
		}

		mirrored := &models.NotarizationMessage{
			ID:                 utils.GenerateID(),
			TopicID:            topic.ID,
			SequenceNumber:     msg.SequenceNumber,
			ConsensusTimestamp: msg.ConsensusTimestamp,
			MessageType:        messageType,
			Content:            msg.Content,
			TxRef:              msg.TransactionID,
			CreatedAt:          time.Now().UTC(),
		}

		inserted, err := r.storage.InsertMessageIfAbsent(ctx, mirrored)
		if err != nil {
			return nil, err
		}
		if inserted {
			result.NewlyMirrored++
			if msg.ConsensusTimestamp.After(lastAt) {
				lastAt = msg.ConsensusTimestamp
			}
		}
	}

	if result.NewlyMirrored > 0 {
		if err := r.storage.UpdateTopicStats(ctx, topic.ID, int64(result.NewlyMirrored), lastAt); err != nil {
			return nil, err
		}

		r.logger.WithFields(logrus.Fields{
			"topic_ref": topic.TopicRef,
			"new":       result.NewlyMirrored,
			"remote":    result.RemoteCount,
		}).Info("Topic messages mirrored")
	}

	return result, nil
}

// SyncAll mirrors every known topic, continuing past per-topic failures
func (r *Registry) SyncAll(ctx context.Context) ([]*SyncResult, error) {
	topics, err := r.storage.GetTopics(ctx)
	if err != nil {
		return nil, err
	}

	var results []*SyncResult
	for _, topic := range topics {
		result, err := r.SyncMessages(ctx, topic)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"topic_ref": topic.TopicRef,
				"error":     err.Error(),
			}).Warn("Topic sync failed, continuing")
			continue
		}
		results = append(results, result)
	}

	return results, nil
}

// GetTopic returns the locally mirrored topic for a project
func (r *Registry) GetTopic(ctx context.Context, projectID string) (*models.NotarizationTopic, error) {
	topic, err := r.storage.GetTopic(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if topic == nil {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Project has no notarization topic", projectID)
	}
	return topic, nil
}

// GetMirroredMessages returns locally mirrored messages in sequence order
func (r *Registry) GetMirroredMessages(ctx context.Context, topicID string, limit, offset int) ([]*models.NotarizationMessage, error) {
	return r.storage.GetMessages(ctx, topicID, limit, offset)
}
