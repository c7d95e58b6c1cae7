package models

import "time"

// Wallet owner kinds
const (
	WalletOwnerUser    = "user"
	WalletOwnerProject = "project"
)

// Wallet binds an owning entity to an external settlement account. Only the
// encrypted secret is ever persisted; plaintext key material lives for the
// duration of a single settlement call.
type Wallet struct {
	ID              string    `json:"id" db:"id"`
	OwnerKind       string    `json:"owner_kind" db:"owner_kind"`
	OwnerID         string    `json:"owner_id" db:"owner_id"`
	AccountID       string    `json:"account_id" db:"account_id"`
	EncryptedSecret string    `json:"-" db:"encrypted_secret"`
	Degraded        bool      `json:"degraded" db:"degraded"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
