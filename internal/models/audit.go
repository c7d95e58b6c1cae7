package models

import "time"

// Audit action kinds
const (
	AuditActionCreate    = "create"
	AuditActionUpdate    = "update"
	AuditActionValidate  = "validate"
	AuditActionReject    = "reject"
	AuditActionConfirm   = "confirm"
	AuditActionFail      = "fail"
	AuditActionRefund    = "refund"
	AuditActionProvision = "provision"
	AuditActionNotarize  = "notarize"
	AuditActionSync      = "sync"
)

// AuditEntry is an immutable record of one state-changing action. Entries
// are append-only; nothing in the system updates or deletes them.
type AuditEntry struct {
	ID         string                 `json:"id" db:"id"`
	AuditUUID  string                 `json:"audit_uuid" db:"audit_uuid"`
	Actor      string                 `json:"actor" db:"actor"`
	Action     string                 `json:"action" db:"action"`
	EntityKind string                 `json:"entity_kind" db:"entity_kind"`
	EntityID   string                 `json:"entity_id" db:"entity_id"`
	Detail     map[string]interface{} `json:"detail" db:"detail"`
	Origin     string                 `json:"origin,omitempty" db:"origin"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// AuditFilter for querying the audit trail
type AuditFilter struct {
	Actor      *string `json:"actor,omitempty"`
	Action     *string `json:"action,omitempty"`
	EntityKind *string `json:"entity_kind,omitempty"`
	EntityID   *string `json:"entity_id,omitempty"`
	Limit      int     `json:"limit,omitempty"`
	Offset     int     `json:"offset,omitempty"`
}
