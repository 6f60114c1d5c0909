// Package vaulterr defines the sentinel error taxonomy shared by every
// layer of the vault core. Callers use errors.Is against these values
// instead of matching on message text.
package vaulterr

import "errors"

var (
	// ErrCancelled is returned when a card-gated operation is pre-empted by
	// a newer request before the card was read.
	ErrCancelled = errors.New("cancelled")

	// ErrCardTimeout is returned when no card was presented within the wait
	// window.
	ErrCardTimeout = errors.New("card timeout")

	// ErrCardAuthFailed is returned when the card rejected the derived
	// read key.
	ErrCardAuthFailed = errors.New("card authentication failed")

	// ErrNotFound is returned when an entry id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRaceCondition is returned when a row that existed at the start of
	// an update vanished before the update committed.
	ErrRaceCondition = errors.New("race condition")

	// ErrBadCiphertext is returned when an entry's auth tag fails to
	// verify during decryption.
	ErrBadCiphertext = errors.New("bad ciphertext")

	// ErrBadPassphrase is returned when an envelope fails to open under a
	// given passphrase, or the passphrase is too short to seal one.
	ErrBadPassphrase = errors.New("bad passphrase")

	// ErrStaleOrDuplicate is returned by the sync server when a pushed
	// change's updatedAt does not exceed the stored row's.
	ErrStaleOrDuplicate = errors.New("stale or duplicate")

	// ErrAuthExpired is returned when a bearer token is rejected as
	// expired or invalid after a refresh was already attempted.
	ErrAuthExpired = errors.New("auth expired")

	// ErrNetwork covers transport-level failures talking to the sync
	// server; callers treat it as non-terminal and retry from cursor.
	ErrNetwork = errors.New("network error")

	// ErrHardware is returned by the card driver when the reader itself
	// is unusable (no reader present, PC/SC context lost, etc).
	ErrHardware = errors.New("hardware error")
)
