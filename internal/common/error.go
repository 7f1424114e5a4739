// Package common defines shared constants and sentinel errors used across
// the Halcyon sync core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Identity lifecycle errors.
	ErrKeyNotFound      = errors.New("published keys not found")
	ErrIdentityMismatch = errors.New("local and published keys do not match")
	ErrIdentityNotReady = errors.New("identity not ready")

	// Envelope errors.
	ErrDecryptionFailure = errors.New("decryption failure")
	ErrBadSignature      = errors.New("signature verification failed")

	// Outbound errors.
	ErrSendTimeout = errors.New("send timed out")
	ErrSendFailure = errors.New("send failed")

	// Vault errors.
	ErrSyncFailure  = errors.New("sync failure")
	ErrObjectExists = errors.New("object already exists")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
