package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

// SystemEventTypeENUMType system event type ENUM value type
type SystemEventTypeENUMType string

const (
	// SystemEventTypeInitializing system is being initialized
	SystemEventTypeInitializing SystemEventTypeENUMType = "SYSTEM_INITIALIZING"

	// SystemEventTypeInitialized system is initialized
	SystemEventTypeInitialized SystemEventTypeENUMType = "SYSTEM_INITIALIZED"

	// SystemEventTypeSchemaUpgraded local store schema was upgraded
	SystemEventTypeSchemaUpgraded SystemEventTypeENUMType = "SCHEMA_UPGRADED"

	// SystemEventTypeNewEncryptionKey new payload encryption key is being added
	SystemEventTypeNewEncryptionKey SystemEventTypeENUMType = "ADD_NEW_ENCRYPTION_KEY"

	// SystemEventTypeActivateEncryptionKey payload encryption key is being activated
	SystemEventTypeActivateEncryptionKey SystemEventTypeENUMType = "ACTIVATE_ENCRYPTION_KEY"

	// SystemEventTypeDeactivateEncryptionKey payload encryption key is being deactivated
	SystemEventTypeDeactivateEncryptionKey SystemEventTypeENUMType = "DEACTIVATE_ENCRYPTION_KEY"

	// SystemEventTypeSubmissionEnqueued submission was written to the offline queue
	SystemEventTypeSubmissionEnqueued SystemEventTypeENUMType = "SUBMISSION_ENQUEUED"

	// SystemEventTypeSubmissionSynced submission was accepted by the remote
	SystemEventTypeSubmissionSynced SystemEventTypeENUMType = "SUBMISSION_SYNCED"

	// SystemEventTypeSubmissionFailed submission transmission failed
	SystemEventTypeSubmissionFailed SystemEventTypeENUMType = "SUBMISSION_SYNC_FAILED"

	// SystemEventTypeSubmissionDeleted submission was removed from the offline queue
	SystemEventTypeSubmissionDeleted SystemEventTypeENUMType = "SUBMISSION_DELETED"
)

// SystemEventAudit recording of events occurring at the system level
type SystemEventAudit struct {
	// ID audit entry ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// EventType system event type
	EventType SystemEventTypeENUMType `json:"type" gorm:"column:type;not null" validate:"required,system_event_type"`
	// Metadata a metadata relating to the event
	Metadata datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata;default:null"`
	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseMetadata parse the metadata based on the event type
func (a SystemEventAudit) ParseMetadata(validator *validator.Validate) (interface{}, error) {
	switch a.EventType {
	case SystemEventTypeSchemaUpgraded:
		var parsed SystemEventSchemaRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	case SystemEventTypeNewEncryptionKey:
		fallthrough
	case SystemEventTypeActivateEncryptionKey:
		fallthrough
	case SystemEventTypeDeactivateEncryptionKey:
		var parsed SystemEventEncKeyRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	case SystemEventTypeSubmissionEnqueued:
		fallthrough
	case SystemEventTypeSubmissionSynced:
		fallthrough
	case SystemEventTypeSubmissionFailed:
		fallthrough
	case SystemEventTypeSubmissionDeleted:
		var parsed SystemEventSubmissionRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)
	}
	return nil, nil
}

// SystemEventSchemaRelated system event metadata related to schema upgrade
type SystemEventSchemaRelated struct {
	FromVersion int `json:"from_version" validate:"gte=0"`
	ToVersion   int `json:"to_version" validate:"gtfield=FromVersion"`
}

// SystemEventEncKeyRelated system event metadata related to encryption key
type SystemEventEncKeyRelated struct {
	// KeyID the encryption key
	KeyID string `json:"key_id" validate:"required,uuid_rfc4122"`
}

// SystemEventSubmissionRelated system event metadata related to a queued submission
type SystemEventSubmissionRelated struct {
	// SubmissionID the submission
	SubmissionID string `json:"submission_id" validate:"required"`
	// SurveyID the target survey
	SurveyID string `json:"survey_id" validate:"required"`
	// Attempts sync attempts so far
	Attempts int `json:"attempts" validate:"gte=0"`
	// Reason error message if any
	Reason string `json:"reason,omitempty"`
}
