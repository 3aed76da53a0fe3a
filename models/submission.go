package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// SyncStatusENUMType submission sync status ENUM type
type SyncStatusENUMType string

const (
	// SyncStatusPending submission is waiting to be transmitted
	SyncStatusPending SyncStatusENUMType = "pending"
	// SyncStatusSyncing submission is being transmitted
	SyncStatusSyncing SyncStatusENUMType = "syncing"
	// SyncStatusSynced submission was accepted by the remote
	SyncStatusSynced SyncStatusENUMType = "synced"
	// SyncStatusError last transmission attempt failed
	SyncStatusError SyncStatusENUMType = "error"
)

// ErrInvalidTransition the submission can't move from its current sync state to the requested one
var ErrInvalidTransition = errors.New("sync status transition not allowed")

// DrainEligibleStatuses the sync states a drain will pick up
var DrainEligibleStatuses = []SyncStatusENUMType{SyncStatusPending, SyncStatusError}

// NewSubmissionID generate a new time-ordered submission ID
func NewSubmissionID() string {
	return ulid.Make().String()
}

// Response one answer to one survey question
type Response struct {
	// QuestionID the question being answered
	QuestionID string `json:"question_id" validate:"required"`
	// ResponseText the answer as entered
	ResponseText string `json:"response_text"`
	// DisplayedOptionIndex for multiple-choice questions, the position of the selected option
	// as it was displayed to the interviewer
	DisplayedOptionIndex *int `json:"displayed_option_index,omitempty" validate:"omitempty,gte=0"`
}

// Location GPS fix captured with the interview
type Location struct {
	Latitude   float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude  float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy   float64   `json:"accuracy" validate:"gte=0"`
	CapturedAt time.Time `json:"captured_at"`
}

// SubmissionMetadata mutable bookkeeping of a queued submission
type SubmissionMetadata struct {
	// CollectedAt when the interview was captured
	CollectedAt time.Time `json:"collected_at" validate:"required"`
	// DeviceInfo free-text diagnostic string
	DeviceInfo string `json:"device_info"`
	// RandomizationSeed seed used to shuffle multiple-choice option order on screen
	RandomizationSeed int64 `json:"randomization_seed"`
	// SyncStatus current sync state
	SyncStatus SyncStatusENUMType `json:"sync_status" validate:"required,sync_status"`
	// SyncAttempts number of resolved sync attempts
	SyncAttempts int `json:"sync_attempts" validate:"gte=0"`
	// LastSyncAttempt timestamp of the last status transition
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	// ErrorMessage reason of the last failure; only set in error state
	ErrorMessage *string `json:"error_message,omitempty"`
}

// Submission one captured interview awaiting transmission
type Submission struct {
	// ID client generated submission ID
	ID string `json:"id" validate:"required"`
	// SurveyID the target survey
	SurveyID string `json:"survey_id" validate:"required"`
	// InterviewerID the capturing user
	InterviewerID string `json:"interviewer_id"`
	// Responses the answers; must not be empty
	Responses []Response `json:"responses" validate:"required,min=1,dive"`
	// Location optional GPS fix
	Location *Location `json:"location,omitempty" validate:"omitempty"`
	// LocationJustification reason given when no GPS fix is available
	LocationJustification string `json:"location_justification,omitempty"`
	// Metadata sync bookkeeping
	Metadata SubmissionMetadata `json:"metadata"`
}

// SubmissionPayload the write-once content of a submission. This is what gets sealed at rest.
type SubmissionPayload struct {
	Responses []Response `json:"responses"`
	Location  *Location  `json:"location,omitempty"`
}

// QueuedSubmission persisted form of a submission
type QueuedSubmission struct {
	// ID client generated submission ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// SurveyID the target survey
	SurveyID string `json:"survey_id" gorm:"column:survey_id;not null;index:idx_submissions_survey_id;index:idx_submissions_survey_status,priority:1" validate:"required"`
	// InterviewerID the capturing user
	InterviewerID string `json:"interviewer_id" gorm:"column:interviewer_id"`
	// LocationJustification reason given when no GPS fix is available
	LocationJustification string `json:"location_justification" gorm:"column:location_justification"`

	// SyncStatus current sync state
	SyncStatus SyncStatusENUMType `json:"sync_status" gorm:"column:sync_status;not null;index:idx_submissions_sync_status;index:idx_submissions_survey_status,priority:2" validate:"required,sync_status"`
	// SyncAttempts number of resolved sync attempts
	SyncAttempts int `json:"sync_attempts" gorm:"column:sync_attempts;not null;default:0" validate:"gte=0"`
	// LastSyncAttempt timestamp of the last status transition
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty" gorm:"column:last_sync_attempt;default:null"`
	// ErrorMessage reason of the last failure
	ErrorMessage *string `json:"error_message,omitempty" gorm:"column:error_message;default:null"`

	// CollectedAt when the interview was captured
	CollectedAt time.Time `json:"collected_at" gorm:"column:collected_at;not null" validate:"required"`
	// DeviceInfo free-text diagnostic string
	DeviceInfo string `json:"device_info" gorm:"column:device_info"`
	// RandomizationSeed option order shuffle seed
	RandomizationSeed int64 `json:"randomization_seed" gorm:"column:randomization_seed;not null;default:0"`

	// Payload serialized SubmissionPayload, sealed when PayloadKeyID is set
	Payload []byte `json:"payload" gorm:"column:payload;not null" validate:"required"`
	// PayloadKeyID the encryption key which sealed the payload
	PayloadKeyID *string `json:"payload_key_id,omitempty" gorm:"column:payload_key_id;default:null" validate:"omitempty,uuid_rfc4122"`
	// PayloadNonce the encryption nonce used
	PayloadNonce []byte `json:"payload_nonce,omitempty" gorm:"column:payload_nonce;default:null"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateNextState verify the submission can transition to new sync state
func (s *QueuedSubmission) ValidateNextState(newState SyncStatusENUMType) error {
	statesWithTransitions := map[SyncStatusENUMType]map[SyncStatusENUMType]bool{
		SyncStatusPending: {
			SyncStatusPending: true,
			SyncStatusSyncing: true,
		},
		SyncStatusSyncing: {
			SyncStatusSynced: true,
			SyncStatusError:  true,
			// crash recovery
			SyncStatusPending: true,
		},
		SyncStatusError: {
			SyncStatusError:   true,
			SyncStatusPending: true,
			SyncStatusSyncing: true,
		},
		SyncStatusSynced: {
			SyncStatusSynced: true,
		},
	}

	availableNextStates, ok := statesWithTransitions[s.SyncStatus]
	if !ok {
		return fmt.Errorf(
			"%w: submission %s can't transition out of state '%s'", ErrInvalidTransition, s.ID, s.SyncStatus,
		)
	}

	if _, ok := availableNextStates[newState]; !ok {
		return fmt.Errorf(
			"%w: submission %s can't transition from '%s' to '%s'",
			ErrInvalidTransition, s.ID, s.SyncStatus, newState,
		)
	}

	return nil
}

// SyncStatusCounts number of queued submissions in each non-terminal state
type SyncStatusCounts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Errors  int `json:"errors"`
}

// SealedPayload a serialized SubmissionPayload as stored at rest
type SealedPayload struct {
	// Data the payload bytes; cipher text when KeyID is set
	Data []byte
	// KeyID the encryption key which sealed the payload
	KeyID *string
	// Nonce the encryption nonce used
	Nonce []byte
}

// SealedPayload the stored payload of this submission
func (s QueuedSubmission) SealedPayload() SealedPayload {
	return SealedPayload{Data: s.Payload, KeyID: s.PayloadKeyID, Nonce: s.PayloadNonce}
}
