package queue

import "errors"

// ErrStoreUnavailable the local store could not be opened or used. Offline capture is
// disabled while this persists.
var ErrStoreUnavailable = errors.New("offline store unavailable")

// ErrInvalidRecord a submission failed validation and was not stored
var ErrInvalidRecord = errors.New("invalid submission record")

// ErrRecordNotFound the referenced submission is not in the store
var ErrRecordNotFound = errors.New("submission record not found")

// ErrStatusConflict the submission is no longer in a sync state allowing the change, usually
// because another drain moved it first
var ErrStatusConflict = errors.New("submission sync status conflict")

// ErrSealingDisabled payload sealing is not configured for the store
var ErrSealingDisabled = errors.New("payload sealing not configured")
