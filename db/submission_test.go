package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func newTestQueuedSubmission(surveyID string) models.QueuedSubmission {
	return models.QueuedSubmission{
		ID:            models.NewSubmissionID(),
		SurveyID:      surveyID,
		InterviewerID: uuid.NewString(),
		SyncStatus:    models.SyncStatusPending,
		CollectedAt:   time.Now().UTC(),
		DeviceInfo:    "unit-test",
		Payload:       []byte(`{"responses":[{"question_id":"q1","response_text":"yes"}]}`),
	}
}

func TestDBSubmissionUpsert(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut := prepareTestDB(t)

	entry := newTestQueuedSubmission(uuid.NewString())

	// Enqueue twice with different content
	for _, deviceInfo := range []string{"first", "second"} {
		entry.DeviceInfo = deviceInfo
		assert.Nil(uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				_, err := dbClient.UpsertSubmission(ctx, entry)
				return err
			},
		))
	}

	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		all, err := dbClient.ListSubmissions(ctx, db.SubmissionQueryFilter{})
		assert.Nil(err)
		assert.Len(all, 1)
		assert.Equal("second", all[0].DeviceInfo)
		return err
	}))

	// Invalid entries are rejected
	invalid := newTestQueuedSubmission("")
	assert.Error(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.UpsertSubmission(ctx, invalid)
			return err
		},
	))
	invalid = newTestQueuedSubmission(uuid.NewString())
	invalid.SyncStatus = "unknown"
	assert.Error(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.UpsertSubmission(ctx, invalid)
			return err
		},
	))
}

func TestDBSubmissionSyncStatus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut := prepareTestDB(t)

	surveyID := uuid.NewString()
	entry := newTestQueuedSubmission(surveyID)
	assert.Nil(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.UpsertSubmission(ctx, entry)
			return err
		},
	))

	updateStatus := func(
		status models.SyncStatusENUMType, message *string,
	) (models.QueuedSubmission, error) {
		var updated models.QueuedSubmission
		err := uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				var err error
				updated, err = dbClient.UpdateSubmissionSyncStatus(
					ctx, entry.ID, status, message, time.Now().UTC(),
				)
				return err
			},
		)
		return updated, err
	}

	// pending -> syncing
	updated, err := updateStatus(models.SyncStatusSyncing, nil)
	assert.Nil(err)
	assert.Equal(models.SyncStatusSyncing, updated.SyncStatus)
	assert.Equal(0, updated.SyncAttempts)
	assert.NotNil(updated.LastSyncAttempt)
	assert.Nil(updated.ErrorMessage)

	// syncing -> error
	reason := "remote returned 500"
	updated, err = updateStatus(models.SyncStatusError, &reason)
	assert.Nil(err)
	assert.Equal(models.SyncStatusError, updated.SyncStatus)
	assert.Equal(1, updated.SyncAttempts)
	assert.NotNil(updated.ErrorMessage)
	assert.Equal(reason, *updated.ErrorMessage)

	// error -> synced is not allowed
	_, err = updateStatus(models.SyncStatusSynced, nil)
	assert.Error(err)

	// error -> syncing clears the message
	updated, err = updateStatus(models.SyncStatusSyncing, &reason)
	assert.Nil(err)
	assert.Nil(updated.ErrorMessage)
	assert.Equal(1, updated.SyncAttempts)

	// Read back persisted value
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		persisted, err := dbClient.GetSubmission(ctx, entry.ID)
		assert.Nil(err)
		assert.Equal(models.SyncStatusSyncing, persisted.SyncStatus)
		assert.Equal(1, persisted.SyncAttempts)
		assert.Nil(persisted.ErrorMessage)
		return err
	}))

	// Unknown submission
	err = uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.UpdateSubmissionSyncStatus(
				ctx, models.NewSubmissionID(), models.SyncStatusSyncing, nil, time.Now().UTC(),
			)
			return err
		},
	)
	assert.Error(err)
	assert.True(errors.Is(err, gorm.ErrRecordNotFound))

	// Crash recovery: syncing back to pending without counting an attempt
	assert.Nil(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			moved, err := dbClient.ResetSubmissionStatuses(
				ctx, models.SyncStatusSyncing, models.SyncStatusPending,
			)
			assert.Equal(int64(1), moved)
			return err
		},
	))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		persisted, err := dbClient.GetSubmission(ctx, entry.ID)
		assert.Nil(err)
		assert.Equal(models.SyncStatusPending, persisted.SyncStatus)
		assert.Equal(1, persisted.SyncAttempts)
		return err
	}))

	// pending -> synced is not a legal bulk move
	assert.Error(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.ResetSubmissionStatuses(
				ctx, models.SyncStatusPending, models.SyncStatusSynced,
			)
			return err
		},
	))
}

func TestDBSubmissionSyncStatusConflict(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut := prepareTestDB(t)

	entry := newTestQueuedSubmission(uuid.NewString())
	assert.Nil(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.UpsertSubmission(ctx, entry)
			return err
		},
	))

	// Two writers both read the submission while it is pending
	var snapshot models.QueuedSubmission
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		snapshot, err = dbClient.GetSubmission(ctx, entry.ID)
		return err
	}))
	assert.Equal(models.SyncStatusPending, snapshot.SyncStatus)

	// The first one claims it
	assert.Nil(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.UpdateSubmissionSyncStatus(
				ctx, entry.ID, models.SyncStatusSyncing, nil, time.Now().UTC(),
			)
			return err
		},
	))

	// The second one acts on its stale read and loses
	err := uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			_, err := db.TransitionFromSnapshot(
				dbClient, snapshot, models.SyncStatusSyncing, time.Now().UTC(),
			)
			return err
		},
	)
	assert.ErrorIs(err, db.ErrSyncStatusConflict)

	// A second claim on the fresh state is rejected as an invalid transition
	err = uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.UpdateSubmissionSyncStatus(
				ctx, entry.ID, models.SyncStatusSyncing, nil, time.Now().UTC(),
			)
			return err
		},
	)
	assert.ErrorIs(err, models.ErrInvalidTransition)

	// Only the winner's change is stored
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		persisted, err := dbClient.GetSubmission(ctx, entry.ID)
		assert.Nil(err)
		assert.Equal(models.SyncStatusSyncing, persisted.SyncStatus)
		assert.Equal(0, persisted.SyncAttempts)
		return err
	}))
}

func TestDBSubmissionListCountDelete(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut := prepareTestDB(t)

	survey1 := uuid.NewString()
	survey2 := uuid.NewString()

	entries := []models.QueuedSubmission{}
	for itr := 0; itr < 6; itr++ {
		surveyID := survey1
		if itr%2 == 1 {
			surveyID = survey2
		}
		entries = append(entries, newTestQueuedSubmission(surveyID))
	}
	assert.Nil(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			for _, entry := range entries {
				if _, err := dbClient.UpsertSubmission(ctx, entry); err != nil {
					return err
				}
			}
			return nil
		},
	))

	// Put one in error, one in syncing
	errMsg := "timeout"
	assert.Nil(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			now := time.Now().UTC()
			if _, err := dbClient.UpdateSubmissionSyncStatus(
				ctx, entries[0].ID, models.SyncStatusSyncing, nil, now,
			); err != nil {
				return err
			}
			if _, err := dbClient.UpdateSubmissionSyncStatus(
				ctx, entries[0].ID, models.SyncStatusError, &errMsg, now,
			); err != nil {
				return err
			}
			_, err := dbClient.UpdateSubmissionSyncStatus(
				ctx, entries[1].ID, models.SyncStatusSyncing, nil, now,
			)
			return err
		},
	))

	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		counts, err := dbClient.CountSubmissionsByStatus(ctx)
		assert.Nil(err)
		assert.Equal(4, counts[models.SyncStatusPending])
		assert.Equal(1, counts[models.SyncStatusSyncing])
		assert.Equal(1, counts[models.SyncStatusError])
		assert.Equal(0, counts[models.SyncStatusSynced])

		// By status
		eligible, err := dbClient.ListSubmissions(ctx, db.SubmissionQueryFilter{
			SyncStatuses: models.DrainEligibleStatuses,
		})
		assert.Nil(err)
		assert.Len(eligible, 5)

		// By status with limit
		limit := 2
		limited, err := dbClient.ListSubmissions(ctx, db.SubmissionQueryFilter{
			CommonListEntryQueryFilter: db.CommonListEntryQueryFilter{Limit: &limit},
			SyncStatuses:               []models.SyncStatusENUMType{models.SyncStatusPending},
		})
		assert.Nil(err)
		assert.Len(limited, 2)

		// By survey
		bySurvey, err := dbClient.ListSubmissions(ctx, db.SubmissionQueryFilter{SurveyID: &survey1})
		assert.Nil(err)
		assert.Len(bySurvey, 3)
		for _, entry := range bySurvey {
			assert.Equal(survey1, entry.SurveyID)
		}
		return nil
	}))

	// Delete is idempotent
	for itr, expected := range []bool{true, false} {
		assert.Nil(uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				deleted, err := dbClient.DeleteSubmission(ctx, entries[2].ID)
				assert.Equal(expected, deleted, "iteration %d", itr)
				return err
			},
		))
	}

	// Bulk delete by survey
	assert.Nil(uut.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			deleted, err := dbClient.DeleteSubmissions(ctx, db.SubmissionQueryFilter{SurveyID: &survey2})
			assert.Equal(int64(3), deleted)
			return err
		},
	))

	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		all, err := dbClient.ListSubmissions(ctx, db.SubmissionQueryFilter{})
		assert.Nil(err)
		assert.Len(all, 2)

		events, err := dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{
			EventTypes: []models.SystemEventTypeENUMType{models.SystemEventTypeSubmissionDeleted},
		})
		assert.Nil(err)
		assert.Len(events, 4)
		return err
	}))
}
