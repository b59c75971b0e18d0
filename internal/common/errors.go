// Package common defines shared constants and sentinel errors used across
// the medvault storage layers. Callers should use errors.Is to match
// these values.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotFound = errors.New("not found")
	ErrCacheIO  = errors.New("cache storage failure")

	// Encryption-level errors.
	ErrKeyStorage = errors.New("secure key storage unavailable")
	ErrDecryption = errors.New("decryption failed")

	// Remote-tier errors.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrVersionConflict   = errors.New("version conflict")

	// Caller protocol violations.
	ErrMissingFieldChoice = errors.New("missing field choice for merge")

	// ErrRecordUnavailable means all three storage tiers were exhausted.
	// This is the only error intended to surface to the end user.
	ErrRecordUnavailable = errors.New("record unavailable in all tiers")
)
