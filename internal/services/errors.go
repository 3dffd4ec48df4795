package services

import "errors"

var (
	// ErrStoreUnavailable means a backing store could not be reached and no
	// safe fallback exists for the operation.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned by stores when a keyed record does not exist.
	ErrNotFound           = errors.New("not found")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrUnknownEventKind   = errors.New("unknown event kind")
	// ErrConflict is returned when a stored value moved or a record already exists.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrIssuanceRefused means a new identity was needed but its gate said no.
	ErrIssuanceRefused = errors.New("identity issuance refused")
)
