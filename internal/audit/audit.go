// Package audit records every state-changing action as an immutable entry.
// Writes are append-only and never batched: an action and its audit record
// either both happen or the action's error surfaces the gap in logs.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/storage"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// Trail appends and queries audit entries
type Trail struct {
	storage storage.Storage
	logger  *logrus.Logger
}

type originContextKey struct{}

// WithOrigin stamps the request origin onto the context. Entries recorded
// under the returned context carry it, so the origin is set once at the
// boundary (HTTP middleware, CLI entry) instead of at every call site.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originContextKey{}, origin)
}

// OriginFrom returns the origin stamped onto the context, if any
func OriginFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originContextKey{}).(string)
	return origin
}

// NewTrail creates an audit trail backed by the given storage
func NewTrail(store storage.Storage) *Trail {
	return &Trail{
		storage: store,
		logger:  utils.GetLogger(),
	}
}

// Record appends one audit entry. The entry gets its own identifier,
// timestamp, and context origin here so callers only describe the action.
func (t *Trail) Record(ctx context.Context, actor, action, entityKind, entityID string, detail map[string]interface{}) error {
	entry := &models.AuditEntry{
		ID:         utils.GenerateID(),
		AuditUUID:  utils.GenerateID(),
		Actor:      actor,
		Action:     action,
		EntityKind: entityKind,
		EntityID:   entityID,
		Detail:     detail,
		Origin:     OriginFrom(ctx),
		CreatedAt:  time.Now().UTC(),
	}

	if err := t.storage.AppendAudit(ctx, entry); err != nil {
		t.logger.WithFields(logrus.Fields{
			"action":      action,
			"entity_kind": entityKind,
			"entity_id":   entityID,
			"error":       err.Error(),
		}).Error("Failed to append audit entry")
		return err
	}

	return nil
}

// List returns audit entries matching the filter, newest first
func (t *Trail) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error) {
	return t.storage.GetAuditEntries(ctx, filter)
}
