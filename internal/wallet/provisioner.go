// Package wallet provisions settlement accounts for platform entities.
// Provisioning is idempotent: an owner that already holds a wallet gets the
// existing one back, never a second account.
package wallet

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/internal/audit"
	"github.com/solidcrowd/crowdledger/internal/models"
	"github.com/solidcrowd/crowdledger/internal/settlement"
	"github.com/solidcrowd/crowdledger/internal/storage"
	"github.com/solidcrowd/crowdledger/internal/vault"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// Provisioner creates and resolves wallets
type Provisioner struct {
	storage    storage.Storage
	settlement settlement.Client
	vault      *vault.KeyVault
	audit      *audit.Trail
	logger     *logrus.Logger
}

// NewProvisioner creates a wallet provisioner
func NewProvisioner(store storage.Storage, client settlement.Client, keyVault *vault.KeyVault, trail *audit.Trail) *Provisioner {
	return &Provisioner{
		storage:    store,
		settlement: client,
		vault:      keyVault,
		audit:      trail,
		logger:     utils.GetLogger(),
	}
}

// EnsureWallet returns the owner's wallet, creating one when absent. Only
// the encrypted secret is persisted; the plaintext never leaves this call.
func (p *Provisioner) EnsureWallet(ctx context.Context, ownerKind, ownerID string) (*models.Wallet, error) {
	if ownerKind != models.WalletOwnerUser && ownerKind != models.WalletOwnerProject {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Unknown wallet owner kind", ownerKind)
	}
	if ownerID == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Wallet owner ID is required", "")
	}

	existing, err := p.storage.GetWallet(ctx, ownerKind, ownerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	account, err := p.settlement.CreateAccount(ctx, 0)
	if err != nil {
		return nil, err
	}

	encrypted, err := p.vault.EncryptString(account.Secret)
	if err != nil {
		return nil, err
	}

	wallet := &models.Wallet{
		ID:              utils.GenerateID(),
		OwnerKind:       ownerKind,
		OwnerID:         ownerID,
		AccountID:       account.AccountID,
		EncryptedSecret: encrypted,
		Degraded:        account.Degraded,
		CreatedAt:       time.Now().UTC(),
	}

	if err := p.storage.SaveWallet(ctx, wallet); err != nil {
		// A concurrent call may have won the unique owner index; the
		// stored wallet is canonical either way.
		stored, lookupErr := p.storage.GetWallet(ctx, ownerKind, ownerID)
		if lookupErr == nil && stored != nil {
			return stored, nil
		}
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"owner_kind": ownerKind,
		"owner_id":   ownerID,
		"account_id": wallet.AccountID,
		"degraded":   wallet.Degraded,
	}).Info("Wallet provisioned")

	_ = p.audit.Record(ctx, "system", models.AuditActionProvision, "wallet", wallet.ID, map[string]interface{}{
		"owner_kind": ownerKind,
		"owner_id":   ownerID,
		"account_id": wallet.AccountID,
		"degraded":   wallet.Degraded,
	})

	return wallet, nil
}

// GetWallet resolves a wallet without creating one
func (p *Provisioner) GetWallet(ctx context.Context, ownerKind, ownerID string) (*models.Wallet, error) {
	wallet, err := p.storage.GetWallet(ctx, ownerKind, ownerID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Wallet not found",
			ownerKind+"/"+ownerID)
	}
	return wallet, nil
}

// Balance returns the current settlement balance for an owner's wallet
func (p *Provisioner) Balance(ctx context.Context, ownerKind, ownerID string) (int64, error) {
	wallet, err := p.GetWallet(ctx, ownerKind, ownerID)
	if err != nil {
		return 0, err
	}
	return p.settlement.GetBalance(ctx, wallet.AccountID), nil
}

// DecryptSecret recovers the plaintext secret for a settlement call
func (p *Provisioner) DecryptSecret(wallet *models.Wallet) (string, error) {
	return p.vault.DecryptString(wallet.EncryptedSecret)
}
