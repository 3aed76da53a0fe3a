// Package db - offline queue persistence layer
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// CommonListEntryQueryFilter common query filter when listing data entries
type CommonListEntryQueryFilter struct {
	Limit  *int
	Offset *int
}

// SystemEventQueryFilter audit event query filter conditions
type SystemEventQueryFilter struct {
	CommonListEntryQueryFilter
	// EventTypes the specific event types to query for
	EventTypes []models.SystemEventTypeENUMType
	// EventsAfter filter for events after this timestamp
	EventsAfter *time.Time
	// EventsBefore filter for events before this timestamp
	EventsBefore *time.Time
}

// EncryptionKeyQueryFilter encryption key query filer conditions
type EncryptionKeyQueryFilter struct {
	CommonListEntryQueryFilter
	// TargetState the specific states to query for
	TargetState []models.EncryptionKeyStateENUMType
}

// SubmissionQueryFilter queued submission query filter conditions
type SubmissionQueryFilter struct {
	CommonListEntryQueryFilter
	// SyncStatuses only return submissions in these states
	SyncStatuses []models.SyncStatusENUMType
	// SurveyID only return submissions for this survey
	SurveyID *string
	// LastAttemptBefore only return submissions whose last transition happened before this
	LastAttemptBefore *time.Time
}

// Database the database handle to interacting with the data base
type Database interface {
	// ------------------------------------------------------------------------------------
	// System audit events

	/*
		ListSystemEvents list captured system events

			@param ctx context.Context - execution context
			@param filters SystemEventQueryFilter - entry listing filter
			@return list of system events
	*/
	ListSystemEvents(
		ctx context.Context, filters SystemEventQueryFilter,
	) ([]models.SystemEventAudit, error)

	// ------------------------------------------------------------------------------------
	// System parameters

	/*
		GetSystemParamEntry fetch the global singleton system parameter entry

			@param ctx context.Context - execution context
			@returns the entry
	*/
	GetSystemParamEntry(ctx context.Context) (models.SystemParams, error)

	/*
		MarkSystemInitializing mark system is initializing

			@param ctx context.Context - execution context
	*/
	MarkSystemInitializing(ctx context.Context) error

	/*
		MarkSystemInitialized mark system fully initialized

			@param ctx context.Context - execution context
	*/
	MarkSystemInitialized(ctx context.Context) error

	/*
		RecordSchemaVersion record the schema version the local store was upgraded to

			@param ctx context.Context - execution context
			@param version int - the new schema version
	*/
	RecordSchemaVersion(ctx context.Context, version int) error

	// ------------------------------------------------------------------------------------
	// Encryption keys

	/*
		RecordEncryptionKey record a wrapped symmetric encryption key

			@param ctx context.Context - execution context
			@param encKeyMaterial []byte - wrapped key material
			@returns the key entry
	*/
	RecordEncryptionKey(ctx context.Context, encKeyMaterial []byte) (models.EncryptionKey, error)

	/*
		GetEncryptionKey fetch one encryption key

			@param ctx context.Context - execution context
			@param keyID string - the encryption key ID
			@return key entry
	*/
	GetEncryptionKey(ctx context.Context, keyID string) (models.EncryptionKey, error)

	/*
		ListEncryptionKeys list encryption keys

			@param ctx context.Context - execution context
			@param filters EncryptionKeyQueryFilter - entry listing filter
			@return list of keys
	*/
	ListEncryptionKeys(
		ctx context.Context, filters EncryptionKeyQueryFilter,
	) ([]models.EncryptionKey, error)

	/*
		MarkEncryptionKeyActive mark encryption key is active

			@param ctx context.Context - execution context
			@param keyID string - the encryption key ID
	*/
	MarkEncryptionKeyActive(ctx context.Context, keyID string) error

	/*
		MarkEncryptionKeyInactive mark encryption key is inactive

			@param ctx context.Context - execution context
			@param keyID string - the encryption key ID
	*/
	MarkEncryptionKeyInactive(ctx context.Context, keyID string) error

	// ------------------------------------------------------------------------------------
	// Queued submissions

	/*
		UpsertSubmission create a queued submission, or replace the one with the same ID

			@param ctx context.Context - execution context
			@param entry models.QueuedSubmission - the submission
			@returns the persisted entry
	*/
	UpsertSubmission(
		ctx context.Context, entry models.QueuedSubmission,
	) (models.QueuedSubmission, error)

	/*
		GetSubmission fetch a queued submission by ID

			@param ctx context.Context - execution context
			@param submissionID string - the submission ID
			@returns the entry
	*/
	GetSubmission(ctx context.Context, submissionID string) (models.QueuedSubmission, error)

	/*
		ListSubmissions list queued submissions

			@param ctx context.Context - execution context
			@param filters SubmissionQueryFilter - entry listing filter
			@return list of submissions
	*/
	ListSubmissions(
		ctx context.Context, filters SubmissionQueryFilter,
	) ([]models.QueuedSubmission, error)

	/*
		UpdateSubmissionSyncStatus transition a submission to a new sync state. Entering
		syncing starts an attempt; every other transition counts as one attempt.

			@param ctx context.Context - execution context
			@param submissionID string - the submission ID
			@param newStatus models.SyncStatusENUMType - the new state
			@param errorMessage *string - failure reason; only kept in error state
			@param timestamp time.Time - time of the transition
			@returns the updated entry
	*/
	UpdateSubmissionSyncStatus(
		ctx context.Context,
		submissionID string,
		newStatus models.SyncStatusENUMType,
		errorMessage *string,
		timestamp time.Time,
	) (models.QueuedSubmission, error)

	/*
		ResetSubmissionStatuses move every submission in one state to another without
		counting it as a sync attempt

			@param ctx context.Context - execution context
			@param fromStatus models.SyncStatusENUMType - current state
			@param toStatus models.SyncStatusENUMType - new state
			@returns number of submissions moved
	*/
	ResetSubmissionStatuses(
		ctx context.Context, fromStatus, toStatus models.SyncStatusENUMType,
	) (int64, error)

	/*
		DeleteSubmission delete a queued submission. Deleting an unknown submission is not
		an error.

			@param ctx context.Context - execution context
			@param submissionID string - the submission ID
			@returns whether an entry was deleted
	*/
	DeleteSubmission(ctx context.Context, submissionID string) (bool, error)

	/*
		DeleteSubmissions delete all queued submissions matching the filter

			@param ctx context.Context - execution context
			@param filters SubmissionQueryFilter - entry filter; limit and offset are ignored
			@returns number of deleted entries
	*/
	DeleteSubmissions(ctx context.Context, filters SubmissionQueryFilter) (int64, error)

	/*
		CountSubmissionsByStatus count queued submissions per sync state

			@param ctx context.Context - execution context
			@returns the count of each state
	*/
	CountSubmissionsByStatus(ctx context.Context) (map[models.SyncStatusENUMType]int, error)

	// ------------------------------------------------------------------------------------
	// Survey mirror

	/*
		UpsertSurvey create or replace a cached survey

			@param ctx context.Context - execution context
			@param entry models.CachedSurvey - the survey
			@returns the persisted entry
	*/
	UpsertSurvey(ctx context.Context, entry models.CachedSurvey) (models.CachedSurvey, error)

	/*
		GetSurvey fetch a cached survey

			@param ctx context.Context - execution context
			@param surveyID string - the survey ID
			@returns the entry
	*/
	GetSurvey(ctx context.Context, surveyID string) (models.CachedSurvey, error)

	/*
		ListSurveys list cached surveys

			@param ctx context.Context - execution context
			@param filters CommonListEntryQueryFilter - entry listing filter
			@return list of surveys
	*/
	ListSurveys(
		ctx context.Context, filters CommonListEntryQueryFilter,
	) ([]models.CachedSurvey, error)

	/*
		ReplaceSurveyQuestions replace all cached questions of a survey

			@param ctx context.Context - execution context
			@param surveyID string - the survey ID
			@param questions []models.CachedQuestion - the new question set
	*/
	ReplaceSurveyQuestions(
		ctx context.Context, surveyID string, questions []models.CachedQuestion,
	) error

	/*
		ListSurveyQuestions list the cached questions of a survey in display order

			@param ctx context.Context - execution context
			@param surveyID string - the survey ID
			@return list of questions
	*/
	ListSurveyQuestions(ctx context.Context, surveyID string) ([]models.CachedQuestion, error)
}

// databaseImpl implements Database
type databaseImpl struct {
	goutils.Component
	db        *gorm.DB
	validator *validator.Validate
}

// newDatabase define a new database client
func newDatabase(_ context.Context, sqlClient *gorm.DB) (Database, error) {
	logTags := log.Fields{"package": "fieldsync", "module": "db", "component": "db-client"}

	instance := &databaseImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        sqlClient,
		validator: validator.New(),
	}

	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	return instance, nil
}
