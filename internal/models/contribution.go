package models

import "time"

// Contribution status values
const (
	ContributionStatusPending   = "pending"
	ContributionStatusConfirmed = "confirmed"
	ContributionStatusError     = "error"
	ContributionStatusRefunded  = "refunded"
)

// Contribution is a single attempted fund transfer from a contributor to a
// project. Amount is an integer in the platform's currency of record.
type Contribution struct {
	ID              string     `json:"id" db:"id"`
	AuditUUID       string     `json:"audit_uuid" db:"audit_uuid"`
	ProjectID       string     `json:"project_id" db:"project_id"`
	ContributorID   string     `json:"contributor_id" db:"contributor_id"`
	ContributorName string     `json:"contributor_name" db:"contributor_name"`
	Anonymous       bool       `json:"anonymous" db:"anonymous"`
	Amount          int64      `json:"amount" db:"amount"`
	TxRef           string     `json:"tx_ref,omitempty" db:"tx_ref"`
	Status          string     `json:"status" db:"status"`
	FailureReason   string     `json:"failure_reason,omitempty" db:"failure_reason"`
	TimedOut        bool       `json:"timed_out" db:"timed_out"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
}

// DisplayName returns the public name for the contribution, honoring the
// anonymous flag
func (c *Contribution) DisplayName() string {
	if c.Anonymous {
		return "Anonymous"
	}
	return c.ContributorName
}

// ContributionFilter for querying contributions
type ContributionFilter struct {
	ProjectID     *string    `json:"project_id,omitempty"`
	ContributorID *string    `json:"contributor_id,omitempty"`
	Status        *string    `json:"status,omitempty"`
	TimedOut      *bool      `json:"timed_out,omitempty"`
	WithTxRef     bool       `json:"with_tx_ref,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}
