package utils

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorFormatting(t *testing.T) {
	err := NewAppError(ErrCodeValidation, "Amount below minimum")
	assert.Equal(t, "VALIDATION_ERROR: Amount below minimum", err.Error())
	assert.NotEmpty(t, err.File)
	assert.NotZero(t, err.Line)

	withDetails := NewAppError(ErrCodeSettlement, "Transfer failed", "connection refused")
	assert.Equal(t, "SETTLEMENT_ERROR: Transfer failed (connection refused)", withDetails.Error())
}

func TestErrorCodeExtraction(t *testing.T) {
	appErr := NewAppError(ErrCodeNotFound, "Project not found")

	assert.Equal(t, ErrCodeNotFound, ErrorCode(appErr))
	assert.True(t, IsCode(appErr, ErrCodeNotFound))
	assert.False(t, IsCode(appErr, ErrCodeValidation))

	// Wrapped errors still expose their code
	wrapped := fmt.Errorf("saving project: %w", appErr)
	assert.Equal(t, ErrCodeNotFound, ErrorCode(wrapped))

	assert.Empty(t, ErrorCode(errors.New("plain error")))
	assert.Empty(t, ErrorCode(nil))
}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateID()
		assert.Len(t, id, 36)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestSimulatedIdentifiers(t *testing.T) {
	assert.True(t, strings.HasPrefix(SimulatedAccountID(), "0.0.sim"))
	assert.True(t, strings.HasPrefix(SimulatedSecret(), "sim_key_"))
	assert.True(t, strings.HasPrefix(SimulatedTransactionRef(), "sim_tx_"))
	assert.NotEqual(t, SimulatedAccountID(), SimulatedAccountID())
}

func TestAnonymizeContributor(t *testing.T) {
	alias := AnonymizeContributor("contributor-uuid-1", "salt")

	assert.True(t, strings.HasPrefix(alias, "Contributor_"))
	assert.Len(t, alias, len("Contributor_")+20)

	// Deterministic for the same identity, distinct across identities and salts
	assert.Equal(t, alias, AnonymizeContributor("contributor-uuid-1", "salt"))
	assert.NotEqual(t, alias, AnonymizeContributor("contributor-uuid-2", "salt"))
	assert.NotEqual(t, alias, AnonymizeContributor("contributor-uuid-1", "other"))
}
