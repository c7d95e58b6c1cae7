package models

import (
	"time"
)

// Project status values
const (
	ProjectStatusDraft         = "draft"
	ProjectStatusPendingReview = "pending_review"
	ProjectStatusActive        = "active"
	ProjectStatusCompleted     = "completed"
	ProjectStatusRejected      = "rejected"
)

// Project represents a fundraising project. CollectedAmount is the running
// total of confirmed contributions minus refunds; it is only ever mutated
// inside the storage layer's atomic confirmation/refund units.
type Project struct {
	ID              string     `json:"id" db:"id"`
	AuditUUID       string     `json:"audit_uuid" db:"audit_uuid"`
	Title           string     `json:"title" db:"title"`
	Description     string     `json:"description" db:"description"`
	OwnerID         string     `json:"owner_id" db:"owner_id"`
	RequestedAmount int64      `json:"requested_amount" db:"requested_amount"`
	CollectedAmount int64      `json:"collected_amount" db:"collected_amount"`
	EnforceCap      bool       `json:"enforce_cap" db:"enforce_cap"`
	Status          string     `json:"status" db:"status"`
	TopicRef        string     `json:"topic_ref,omitempty" db:"topic_ref"`
	ValidatedBy     string     `json:"validated_by,omitempty" db:"validated_by"`
	ValidatedAt     *time.Time `json:"validated_at,omitempty" db:"validated_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// RemainingAmount returns the amount still needed to reach the requested
// total, never negative (over-funding is permitted)
func (p *Project) RemainingAmount() int64 {
	remaining := p.RequestedAmount - p.CollectedAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsActive reports whether the project accepts contributions
func (p *Project) IsActive() bool {
	return p.Status == ProjectStatusActive
}

// ProjectFilter for querying projects
type ProjectFilter struct {
	Status       *string `json:"status,omitempty"`
	OwnerID      *string `json:"owner_id,omitempty"`
	WithoutTopic bool    `json:"without_topic,omitempty"`
	Limit        int     `json:"limit,omitempty"`
	Offset       int     `json:"offset,omitempty"`
}
