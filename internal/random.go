// Package internal holds credential material helpers shared by the engine
// and its subpackages: identifier generation, secret generation, and the
// opaque token encoding that binds a secret to the record it belongs to.
package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

const (
	secretSize        = 32
	attachedTokenSize = 16 + secretSize
)

// NewID returns a random UUID string used for account, device, session,
// and audit identifiers.
func NewID() string {
	return uuid.NewString()
}

// NewSecret returns 32 bytes of cryptographically random material.
func NewSecret() ([secretSize]byte, error) {
	var secret [secretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret is the one-way function applied to every secret before it is
// persisted. Plaintext secrets only ever exist inside the token handed to
// the caller.
func HashSecret(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

// HashString hashes an arbitrary string the same way as HashSecret.
func HashString(v string) [32]byte {
	return sha256.Sum256([]byte(v))
}

// EncodeAttachedToken packs a record UUID and its secret into one opaque
// base64url token. Verification decodes the token, loads the record by ID,
// and compares the hash of the secret half — no lookup-by-hash index is
// needed for single-use tokens.
func EncodeAttachedToken(recordID string, secret [secretSize]byte) (string, error) {
	id, err := uuid.Parse(recordID)
	if err != nil {
		return "", err
	}

	var raw [attachedTokenSize]byte
	copy(raw[:16], id[:])
	copy(raw[16:], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeAttachedToken reverses [EncodeAttachedToken].
func DecodeAttachedToken(token string) (string, [secretSize]byte, error) {
	var secret [secretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != attachedTokenSize {
		return "", secret, errors.New("invalid token size")
	}

	var id uuid.UUID
	copy(id[:], raw[:16])
	copy(secret[:], raw[16:])

	return id.String(), secret, nil
}

// NewBackupCode returns a human-typable single-use code. The plaintext is
// shown once; only its hash is persisted.
func NewBackupCode() (string, error) {
	var raw [10]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	code := enc.EncodeToString(raw[:])

	return code[:8] + "-" + code[8:16], nil
}
