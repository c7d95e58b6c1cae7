// Package vault provides symmetric encryption for wallet secret material
// at rest. A single process-wide key is derived from the configured master
// secret; tokens are authenticated, so decrypting with the wrong key fails
// rather than returning corrupted plaintext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/solidcrowd/crowdledger/pkg/utils"
)

const keyLength = 32

// KeyVault encrypts and decrypts wallet secrets with AES-256-GCM
type KeyVault struct {
	aead cipher.AEAD
}

// New creates a KeyVault from the configured master secret. The secret is
// padded with '0' bytes or truncated to the cipher's 32-byte key length.
func New(masterSecret string) (*KeyVault, error) {
	if masterSecret == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Vault master secret is empty", "")
	}

	key := deriveKey(masterSecret)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeEncryption, "Failed to initialize cipher", err.Error())
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeEncryption, "Failed to initialize GCM", err.Error())
	}

	return &KeyVault{aead: aead}, nil
}

// deriveKey pads or truncates the master secret to the required key length
func deriveKey(masterSecret string) []byte {
	key := make([]byte, keyLength)
	for i := range key {
		key[i] = '0'
	}
	copy(key, []byte(masterSecret))
	return key
}

// Encrypt encrypts a secret and returns an opaque base64url token
func (v *KeyVault) Encrypt(secret []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", utils.NewAppError(utils.ErrCodeEncryption, "Failed to generate nonce", err.Error())
	}

	sealed := v.aead.Seal(nonce, nonce, secret, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a token produced by Encrypt. Tokens produced under a
// different key, or tampered tokens, fail authentication.
func (v *KeyVault) Decrypt(token string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeEncryption, "Malformed secret token", err.Error())
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, utils.NewAppError(utils.ErrCodeEncryption, "Secret token too short", "")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	secret, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeEncryption, "Secret token authentication failed", err.Error())
	}

	return secret, nil
}

// EncryptString is a convenience wrapper for string secrets
func (v *KeyVault) EncryptString(secret string) (string, error) {
	return v.Encrypt([]byte(secret))
}

// DecryptString is a convenience wrapper for string secrets
func (v *KeyVault) DecryptString(token string) (string, error) {
	secret, err := v.Decrypt(token)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
