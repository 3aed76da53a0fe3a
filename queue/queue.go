// Package queue - durable offline submission queue
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OfflineQueue durable store of submissions captured while the remote API is unreachable
type OfflineQueue interface {
	/*
		Initialize open the local store, bring its schema up to date, and recover submissions
		left mid-sync by a previous process. Concurrent callers share one initialization.

			@param ctx context.Context - execution context
	*/
	Initialize(ctx context.Context) error

	/*
		Persistence the persistence client of the opened store

			@param ctx context.Context - execution context
			@returns the client
	*/
	Persistence(ctx context.Context) (db.Client, error)

	/*
		SaveSubmission validate and upsert a submission. Saving the same ID again replaces
		the stored entry.

			@param ctx context.Context - execution context
			@param submission models.Submission - the submission
	*/
	SaveSubmission(ctx context.Context, submission models.Submission) error

	/*
		ListPending list up to limit submissions eligible for draining

			@param ctx context.Context - execution context
			@param limit int - max number of entries
			@returns the submissions
	*/
	ListPending(ctx context.Context, limit int) ([]models.Submission, error)

	/*
		GetSubmission fetch one submission

			@param ctx context.Context - execution context
			@param submissionID string - the submission ID
			@returns the submission
	*/
	GetSubmission(ctx context.Context, submissionID string) (models.Submission, error)

	/*
		UpdateSyncStatus transition a submission to a new sync state. Entering syncing starts
		a sync attempt; the attempt is counted when it resolves.

			@param ctx context.Context - execution context
			@param submissionID string - the submission ID
			@param status models.SyncStatusENUMType - the new state
			@param errorMessage *string - failure reason; only kept in error state
			@returns the updated submission metadata
	*/
	UpdateSyncStatus(
		ctx context.Context,
		submissionID string,
		status models.SyncStatusENUMType,
		errorMessage *string,
	) (models.SubmissionMetadata, error)

	/*
		DeleteSubmission remove a submission. Removing an unknown submission is not an error.

			@param ctx context.Context - execution context
			@param submissionID string - the submission ID
	*/
	DeleteSubmission(ctx context.Context, submissionID string) error

	/*
		CountsByStatus count the submissions in each non-terminal state

			@param ctx context.Context - execution context
			@returns the counts
	*/
	CountsByStatus(ctx context.Context) (models.SyncStatusCounts, error)

	/*
		PurgeStaleSynced delete synced submissions whose last transition is older than the
		retention period

			@param ctx context.Context - execution context
			@param olderThan time.Duration - retention period
			@returns number of deleted submissions
	*/
	PurgeStaleSynced(ctx context.Context, olderThan time.Duration) (int64, error)

	/*
		RetryErrored move every errored submission back to pending

			@param ctx context.Context - execution context
			@returns number of submissions moved
	*/
	RetryErrored(ctx context.Context) (int64, error)

	/*
		RotatePayloadKey seal new payloads with a newly generated key. Payloads sealed with
		earlier keys can still be opened.

			@param ctx context.Context - execution context
			@returns ID of the new key
	*/
	RotatePayloadKey(ctx context.Context) (string, error)

	// Close release the local store. Operations fail with ErrStoreUnavailable until
	// Initialize is called again.
	Close() error
}

// OfflineQueueParams offline queue parameters
type OfflineQueueParams struct {
	// Dialector GORM dialector of the local store
	Dialector gorm.Dialector `validate:"required"`
	// SQLLogLevel SQL log level
	SQLLogLevel logger.LogLevel
	// Sealer optional payload sealer factory. Payloads are stored unsealed without one.
	Sealer SealerFactory
	// Now optional time source
	Now func() time.Time
}

// offlineQueue implements OfflineQueue
type offlineQueue struct {
	goutils.Component

	params    OfflineQueueParams
	validator *validator.Validate

	initGroup singleflight.Group

	lock        sync.RWMutex
	closed      bool
	persistence db.Client
	sealer      PayloadSealer
}

/*
NewOfflineQueue define a new offline queue. The local store is not opened until
Initialize is called, or the first operation is performed.

	@param params OfflineQueueParams - queue parameters
	@returns queue instance
*/
func NewOfflineQueue(params OfflineQueueParams) (OfflineQueue, error) {
	logTags := log.Fields{"module": "queue", "component": "offline-queue"}

	validate := validator.New()
	if err := models.RegisterWithValidator(validate); err != nil {
		return nil, fmt.Errorf("failed to prepare validator [%w]", err)
	}
	if err := validate.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid offline queue parameters [%w]", err)
	}
	if params.Now == nil {
		params.Now = time.Now
	}

	return &offlineQueue{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		params:    params,
		validator: validate,
	}, nil
}

// opened the store client and sealer, if the store is open
func (q *offlineQueue) opened() (db.Client, PayloadSealer, bool) {
	q.lock.RLock()
	defer q.lock.RUnlock()
	return q.persistence, q.sealer, q.persistence != nil
}

func (q *offlineQueue) Initialize(ctx context.Context) error {
	q.lock.Lock()
	q.closed = false
	q.lock.Unlock()
	_, _, err := q.open(ctx)
	return err
}

func (q *offlineQueue) isClosed() bool {
	q.lock.RLock()
	defer q.lock.RUnlock()
	return q.closed
}

// open initialize the store if needed, and return its client and sealer
func (q *offlineQueue) open(ctx context.Context) (db.Client, PayloadSealer, error) {
	if q.isClosed() {
		return nil, nil, fmt.Errorf("%w: store closed", ErrStoreUnavailable)
	}
	if persistence, sealer, ok := q.opened(); ok {
		return persistence, sealer, nil
	}

	_, err, _ := q.initGroup.Do("initialize", func() (interface{}, error) {
		if _, _, ok := q.opened(); ok {
			return nil, nil
		}
		return nil, q.initialize(ctx)
	})
	if err != nil {
		log.WithError(err).WithFields(q.GetLogTagsForContext(ctx)).Error("Offline store unavailable")
		return nil, nil, fmt.Errorf("%w [%w]", ErrStoreUnavailable, err)
	}

	persistence, sealer, _ := q.opened()
	return persistence, sealer, nil
}

// initialize open the store, upgrade the schema, and perform crash recovery
func (q *offlineQueue) initialize(ctx context.Context) error {
	logTags := q.GetLogTagsForContext(ctx)

	persistence, err := db.NewConnection(q.params.Dialector, q.params.SQLLogLevel)
	if err != nil {
		return fmt.Errorf("failed to open local store [%w]", err)
	}

	fromVersion, toVersion, err := db.MigrateSchema(ctx, persistence)
	if err != nil {
		_ = persistence.Close()
		return fmt.Errorf("local store schema upgrade failed [%w]", err)
	}
	log.WithFields(logTags).
		WithField("from", fromVersion).
		WithField("to", toVersion).
		Debug("Local store schema ready")

	if err := persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			params, err := dbClient.GetSystemParamEntry(dbCtx)
			if err != nil {
				return err
			}
			if params.State == models.SystemStateRunning {
				return nil
			}
			if err := dbClient.MarkSystemInitializing(dbCtx); err != nil {
				return err
			}
			return dbClient.MarkSystemInitialized(dbCtx)
		},
	); err != nil {
		_ = persistence.Close()
		return fmt.Errorf("local store first time setup failed [%w]", err)
	}

	var sealer PayloadSealer = plainSealer{}
	if q.params.Sealer != nil {
		sealer, err = q.params.Sealer(ctx, persistence)
		if err != nil {
			_ = persistence.Close()
			return fmt.Errorf("failed to prepare payload sealer [%w]", err)
		}
	}

	// Submissions still marked syncing were interrupted by a crash
	var recovered int64
	if err := persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			recovered, err = dbClient.ResetSubmissionStatuses(
				dbCtx, models.SyncStatusSyncing, models.SyncStatusPending,
			)
			return err
		},
	); err != nil {
		_ = persistence.Close()
		return fmt.Errorf("failed to recover interrupted submissions [%w]", err)
	}
	if recovered > 0 {
		log.WithFields(logTags).
			WithField("recovered", recovered).
			Warn("Interrupted submissions returned to pending")
	}

	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		_ = persistence.Close()
		return fmt.Errorf("store closed during initialization")
	}
	q.persistence = persistence
	q.sealer = sealer

	log.WithFields(logTags).Info("Offline store initialized")
	return nil
}

func (q *offlineQueue) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	if q.persistence == nil {
		return nil
	}
	err := q.persistence.Close()
	q.persistence = nil
	q.sealer = nil
	return err
}

func (q *offlineQueue) Persistence(ctx context.Context) (db.Client, error) {
	persistence, _, err := q.open(ctx)
	return persistence, err
}

// useStore run a function against the open store inside one transaction
func (q *offlineQueue) useStore(
	ctx context.Context,
	handler func(ctx context.Context, dbClient db.Database, sealer PayloadSealer) error,
) error {
	persistence, sealer, err := q.open(ctx)
	if err != nil {
		return err
	}
	return persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return handler(dbCtx, dbClient, sealer)
		},
	)
}

// mapNotFound translate the persistence layer's missing row error
func mapNotFound(err error, submissionID string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s [%w]", ErrRecordNotFound, submissionID, err)
	}
	return err
}

// mapStatusConflict translate a rejected or lost sync state change
func mapStatusConflict(err error, submissionID string) error {
	if errors.Is(err, db.ErrSyncStatusConflict) || errors.Is(err, models.ErrInvalidTransition) {
		return fmt.Errorf("%w: %s [%w]", ErrStatusConflict, submissionID, err)
	}
	return mapNotFound(err, submissionID)
}

func (q *offlineQueue) SaveSubmission(ctx context.Context, submission models.Submission) error {
	if len(submission.Responses) == 0 {
		return fmt.Errorf("%w: submission has no responses", ErrInvalidRecord)
	}
	if submission.Metadata.SyncStatus == "" {
		submission.Metadata.SyncStatus = models.SyncStatusPending
	}
	if err := q.validator.Struct(&submission); err != nil {
		return fmt.Errorf("%w [%w]", ErrInvalidRecord, err)
	}

	payload, err := json.Marshal(models.SubmissionPayload{
		Responses: submission.Responses, Location: submission.Location,
	})
	if err != nil {
		return fmt.Errorf("%w: payload not serializable [%w]", ErrInvalidRecord, err)
	}

	return q.useStore(
		ctx, func(dbCtx context.Context, dbClient db.Database, sealer PayloadSealer) error {
			sealed, err := sealer.Seal(dbCtx, payload, dbClient)
			if err != nil {
				return fmt.Errorf("submission %s payload sealing failed [%w]", submission.ID, err)
			}

			meta := submission.Metadata
			entry := models.QueuedSubmission{
				ID:                    submission.ID,
				SurveyID:              submission.SurveyID,
				InterviewerID:         submission.InterviewerID,
				LocationJustification: submission.LocationJustification,
				SyncStatus:            meta.SyncStatus,
				SyncAttempts:          meta.SyncAttempts,
				LastSyncAttempt:       meta.LastSyncAttempt,
				CollectedAt:           meta.CollectedAt,
				DeviceInfo:            meta.DeviceInfo,
				RandomizationSeed:     meta.RandomizationSeed,
				Payload:               sealed.Data,
				PayloadKeyID:          sealed.KeyID,
				PayloadNonce:          sealed.Nonce,
			}
			if meta.SyncStatus == models.SyncStatusError {
				entry.ErrorMessage = meta.ErrorMessage
			}

			if _, err := dbClient.UpsertSubmission(dbCtx, entry); err != nil {
				return err
			}

			log.WithFields(q.GetLogTagsForContext(ctx)).
				WithField("submission_id", submission.ID).
				WithField("survey_id", submission.SurveyID).
				Debug("Submission enqueued")
			return nil
		},
	)
}

// restoreSubmission rebuild the submission from its stored form
func restoreSubmission(
	ctx context.Context, entry models.QueuedSubmission, sealer PayloadSealer, dbClient db.Database,
) (models.Submission, error) {
	plainText, err := sealer.Open(ctx, entry.SealedPayload(), dbClient)
	if err != nil {
		return models.Submission{}, fmt.Errorf("submission %s payload unreadable [%w]", entry.ID, err)
	}
	var payload models.SubmissionPayload
	if err := json.Unmarshal(plainText, &payload); err != nil {
		return models.Submission{}, fmt.Errorf("submission %s payload corrupted [%w]", entry.ID, err)
	}

	return models.Submission{
		ID:                    entry.ID,
		SurveyID:              entry.SurveyID,
		InterviewerID:         entry.InterviewerID,
		Responses:             payload.Responses,
		Location:              payload.Location,
		LocationJustification: entry.LocationJustification,
		Metadata:              metadataOf(entry),
	}, nil
}

// metadataOf the mutable bookkeeping portion of a stored submission
func metadataOf(entry models.QueuedSubmission) models.SubmissionMetadata {
	return models.SubmissionMetadata{
		CollectedAt:       entry.CollectedAt,
		DeviceInfo:        entry.DeviceInfo,
		RandomizationSeed: entry.RandomizationSeed,
		SyncStatus:        entry.SyncStatus,
		SyncAttempts:      entry.SyncAttempts,
		LastSyncAttempt:   entry.LastSyncAttempt,
		ErrorMessage:      entry.ErrorMessage,
	}
}

func (q *offlineQueue) ListPending(ctx context.Context, limit int) ([]models.Submission, error) {
	result := []models.Submission{}
	if limit <= 0 {
		return result, nil
	}

	err := q.useStore(
		ctx, func(dbCtx context.Context, dbClient db.Database, sealer PayloadSealer) error {
			entries, err := dbClient.ListSubmissions(dbCtx, db.SubmissionQueryFilter{
				CommonListEntryQueryFilter: db.CommonListEntryQueryFilter{Limit: &limit},
				SyncStatuses:               models.DrainEligibleStatuses,
			})
			if err != nil {
				return err
			}
			for _, entry := range entries {
				submission, err := restoreSubmission(dbCtx, entry, sealer, dbClient)
				if err != nil {
					return err
				}
				result = append(result, submission)
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending submissions [%w]", err)
	}
	return result, nil
}

func (q *offlineQueue) GetSubmission(
	ctx context.Context, submissionID string,
) (models.Submission, error) {
	var result models.Submission
	err := q.useStore(
		ctx, func(dbCtx context.Context, dbClient db.Database, sealer PayloadSealer) error {
			entry, err := dbClient.GetSubmission(dbCtx, submissionID)
			if err != nil {
				return mapNotFound(err, submissionID)
			}
			result, err = restoreSubmission(dbCtx, entry, sealer, dbClient)
			return err
		},
	)
	return result, err
}

func (q *offlineQueue) UpdateSyncStatus(
	ctx context.Context,
	submissionID string,
	status models.SyncStatusENUMType,
	errorMessage *string,
) (models.SubmissionMetadata, error) {
	var result models.SubmissionMetadata
	err := q.useStore(
		ctx, func(dbCtx context.Context, dbClient db.Database, _ PayloadSealer) error {
			entry, err := dbClient.UpdateSubmissionSyncStatus(
				dbCtx, submissionID, status, errorMessage, q.params.Now().UTC(),
			)
			if err != nil {
				return mapStatusConflict(err, submissionID)
			}
			result = metadataOf(entry)
			return nil
		},
	)
	return result, err
}

func (q *offlineQueue) DeleteSubmission(ctx context.Context, submissionID string) error {
	return q.useStore(
		ctx, func(dbCtx context.Context, dbClient db.Database, _ PayloadSealer) error {
			deleted, err := dbClient.DeleteSubmission(dbCtx, submissionID)
			if err != nil {
				return err
			}
			if deleted {
				log.WithFields(q.GetLogTagsForContext(ctx)).
					WithField("submission_id", submissionID).
					Debug("Submission removed")
			}
			return nil
		},
	)
}

func (q *offlineQueue) CountsByStatus(ctx context.Context) (models.SyncStatusCounts, error) {
	var result models.SyncStatusCounts
	err := q.useStore(
		ctx, func(dbCtx context.Context, dbClient db.Database, _ PayloadSealer) error {
			counts, err := dbClient.CountSubmissionsByStatus(dbCtx)
			if err != nil {
				return err
			}
			result = models.SyncStatusCounts{
				Pending: counts[models.SyncStatusPending],
				Syncing: counts[models.SyncStatusSyncing],
				Errors:  counts[models.SyncStatusError],
			}
			return nil
		},
	)
	return result, err
}

func (q *offlineQueue) PurgeStaleSynced(
	ctx context.Context, olderThan time.Duration,
) (int64, error) {
	cutoff := q.params.Now().UTC().Add(-olderThan)
	var purged int64
	err := q.useStore(
		ctx, func(dbCtx context.Context, dbClient db.Database, _ PayloadSealer) error {
			var err error
			purged, err = dbClient.DeleteSubmissions(dbCtx, db.SubmissionQueryFilter{
				SyncStatuses:      []models.SyncStatusENUMType{models.SyncStatusSynced},
				LastAttemptBefore: &cutoff,
			})
			return err
		},
	)
	if err != nil {
		return purged, fmt.Errorf("stale synced submission cleanup failed [%w]", err)
	}
	if purged > 0 {
		log.WithFields(q.GetLogTagsForContext(ctx)).
			WithField("purged", purged).
			WithField("cutoff", cutoff).
			Info("Purged stale synced submissions")
	}
	return purged, nil
}

func (q *offlineQueue) RetryErrored(ctx context.Context) (int64, error) {
	var moved int64
	err := q.useStore(
		ctx, func(dbCtx context.Context, dbClient db.Database, _ PayloadSealer) error {
			var err error
			moved, err = dbClient.ResetSubmissionStatuses(
				dbCtx, models.SyncStatusError, models.SyncStatusPending,
			)
			return err
		},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue errored submissions [%w]", err)
	}
	return moved, nil
}

func (q *offlineQueue) RotatePayloadKey(ctx context.Context) (string, error) {
	var newKeyID string
	err := q.useStore(
		ctx, func(dbCtx context.Context, dbClient db.Database, sealer PayloadSealer) error {
			rotator, ok := sealer.(KeyRotator)
			if !ok {
				return ErrSealingDisabled
			}
			newKey, err := rotator.RotateKey(dbCtx, dbClient)
			if err != nil {
				return err
			}
			newKeyID = newKey.ID
			return nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("payload key rotation failed [%w]", err)
	}
	log.WithFields(q.GetLogTagsForContext(ctx)).
		WithField("key_id", newKeyID).
		Info("Payload sealing key rotated")
	return newKeyID, nil
}
