package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GenerateID generates a random unique identifier
func GenerateID() string {
	return uuid.New().String()
}

// RandomHex returns n random bytes hex-encoded
func RandomHex(n int) string {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(bytes)
}

// SimulatedAccountID generates a plausible-looking settlement account identifier
func SimulatedAccountID() string {
	return fmt.Sprintf("0.0.sim%s", RandomHex(4))
}

// SimulatedSecret generates a plausible-looking settlement account secret
func SimulatedSecret() string {
	return fmt.Sprintf("sim_key_%s", RandomHex(8))
}

// SimulatedTransactionRef generates a plausible-looking transaction reference
func SimulatedTransactionRef() string {
	return fmt.Sprintf("sim_tx_%s", RandomHex(8))
}

// AnonymizeContributor derives a stable display alias that cannot be
// reversed to the contributor identity
func AnonymizeContributor(contributorUUID, salt string) string {
	sum := sha256.Sum256([]byte(contributorUUID + salt))
	return fmt.Sprintf("Contributor_%s", hex.EncodeToString(sum[:])[:20])
}
