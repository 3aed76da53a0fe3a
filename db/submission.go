package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/fieldsync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSyncStatusConflict the submission left the sync state it was read in before the change landed
var ErrSyncStatusConflict = errors.New("submission sync status changed concurrently")

// submissionUpsertColumns columns overwritten when a submission ID is enqueued again
var submissionUpsertColumns = []string{
	"survey_id",
	"interviewer_id",
	"location_justification",
	"sync_status",
	"sync_attempts",
	"last_sync_attempt",
	"error_message",
	"collected_at",
	"device_info",
	"randomization_seed",
	"payload",
	"payload_key_id",
	"payload_nonce",
	"updated_at",
}

/*
UpsertSubmission create a queued submission, or replace the one with the same ID

	@param ctx context.Context - execution context
	@param entry models.QueuedSubmission - the submission
	@returns the persisted entry
*/
func (d *databaseImpl) UpsertSubmission(
	_ context.Context, entry models.QueuedSubmission,
) (models.QueuedSubmission, error) {
	newEntry := SubmissionDBEntry{QueuedSubmission: entry}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.QueuedSubmission{}, fmt.Errorf(
			"submission '%s' is not valid [%w]", entry.ID, err,
		)
	}

	if tmp := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(submissionUpsertColumns),
	}).Create(&newEntry); tmp.Error != nil {
		return models.QueuedSubmission{}, fmt.Errorf(
			"submission '%s' upsert failed [%w]", entry.ID, tmp.Error,
		)
	}

	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeSubmissionEnqueued,
		models.SystemEventSubmissionRelated{
			SubmissionID: newEntry.ID, SurveyID: newEntry.SurveyID, Attempts: newEntry.SyncAttempts,
		},
	); err != nil {
		return models.QueuedSubmission{}, fmt.Errorf(
			"failed to log enqueue submission '%s' audit event [%w]", entry.ID, err,
		)
	}

	return newEntry.QueuedSubmission, nil
}

// getSubmissionEntry find a queued submission by ID
func (d *databaseImpl) getSubmissionEntry(submissionID string) (SubmissionDBEntry, error) {
	var entry SubmissionDBEntry
	err := d.db.Where("id = ?", submissionID).First(&entry).Error
	return entry, err
}

/*
GetSubmission fetch a queued submission by ID

	@param ctx context.Context - execution context
	@param submissionID string - the submission ID
	@returns the entry
*/
func (d *databaseImpl) GetSubmission(
	_ context.Context, submissionID string,
) (models.QueuedSubmission, error) {
	entry, err := d.getSubmissionEntry(submissionID)
	if err != nil {
		return models.QueuedSubmission{}, fmt.Errorf(
			"failed to fetch submission %s [%w]", submissionID, err,
		)
	}
	return entry.QueuedSubmission, nil
}

// applySubmissionFilter apply the common portion of the submission filter
func applySubmissionFilter(query *gorm.DB, filters SubmissionQueryFilter) *gorm.DB {
	if filters.SurveyID != nil {
		query = query.Where("survey_id = ?", *filters.SurveyID)
	}
	if len(filters.SyncStatuses) > 0 {
		query = query.Where("sync_status in ?", filters.SyncStatuses)
	}
	if filters.LastAttemptBefore != nil {
		query = query.Where("last_sync_attempt < ?", *filters.LastAttemptBefore)
	}
	return query
}

/*
ListSubmissions list queued submissions

	@param ctx context.Context - execution context
	@param filters SubmissionQueryFilter - entry listing filter
	@return list of submissions
*/
func (d *databaseImpl) ListSubmissions(
	_ context.Context, filters SubmissionQueryFilter,
) ([]models.QueuedSubmission, error) {
	query := applySubmissionFilter(d.db.Model(&SubmissionDBEntry{}), filters).
		Order("collected_at ASC").
		Order("id ASC")

	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}

	var entries []SubmissionDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list queued submissions [%w]", tmp.Error)
	}

	result := []models.QueuedSubmission{}
	for _, entry := range entries {
		result = append(result, entry.QueuedSubmission)
	}

	return result, nil
}

/*
UpdateSubmissionSyncStatus transition a submission to a new sync state. Entering syncing
starts an attempt; every other transition counts as one attempt.

	@param ctx context.Context - execution context
	@param submissionID string - the submission ID
	@param newStatus models.SyncStatusENUMType - the new state
	@param errorMessage *string - failure reason; only kept in error state
	@param timestamp time.Time - time of the transition
	@returns the updated entry
*/
func (d *databaseImpl) UpdateSubmissionSyncStatus(
	_ context.Context,
	submissionID string,
	newStatus models.SyncStatusENUMType,
	errorMessage *string,
	timestamp time.Time,
) (models.QueuedSubmission, error) {
	entry, err := d.getSubmissionEntry(submissionID)
	if err != nil {
		return models.QueuedSubmission{}, fmt.Errorf(
			"failed to fetch submission %s [%w]", submissionID, err,
		)
	}

	return d.transitionSubmission(entry, newStatus, errorMessage, timestamp)
}

/*
transitionSubmission apply a sync state change to a submission as it was read. The write
only lands if the stored state still matches the state read.

	@param entry SubmissionDBEntry - the submission as read
	@param newStatus models.SyncStatusENUMType - the new state
	@param errorMessage *string - failure reason; only kept in error state
	@param timestamp time.Time - time of the transition
	@returns the updated entry
*/
func (d *databaseImpl) transitionSubmission(
	entry SubmissionDBEntry,
	newStatus models.SyncStatusENUMType,
	errorMessage *string,
	timestamp time.Time,
) (models.QueuedSubmission, error) {
	submissionID := entry.ID
	if err := entry.ValidateNextState(newStatus); err != nil {
		return models.QueuedSubmission{}, fmt.Errorf(
			"submission %s sync status change not allowed [%w]", submissionID, err,
		)
	}

	readStatus := entry.SyncStatus
	entry.SyncStatus = newStatus
	if newStatus != models.SyncStatusSyncing {
		entry.SyncAttempts++
	}
	entry.LastSyncAttempt = &timestamp
	if newStatus == models.SyncStatusError {
		entry.ErrorMessage = errorMessage
	} else {
		entry.ErrorMessage = nil
	}

	tmp := d.db.Model(&entry).
		Where("sync_status = ?", readStatus).
		Select("sync_status", "sync_attempts", "last_sync_attempt", "error_message", "updated_at").
		Updates(&entry)
	if tmp.Error != nil {
		return models.QueuedSubmission{}, fmt.Errorf(
			"submission %s sync status update failed [%w]", submissionID, tmp.Error,
		)
	}
	if tmp.RowsAffected == 0 {
		return models.QueuedSubmission{}, fmt.Errorf(
			"%w: submission %s left '%s' before the change to '%s'",
			ErrSyncStatusConflict, submissionID, readStatus, newStatus,
		)
	}

	var eventType models.SystemEventTypeENUMType
	reason := ""
	switch newStatus {
	case models.SyncStatusSynced:
		eventType = models.SystemEventTypeSubmissionSynced
	case models.SyncStatusError:
		eventType = models.SystemEventTypeSubmissionFailed
		if errorMessage != nil {
			reason = *errorMessage
		}
	}
	if eventType != "" {
		if _, err := d.defineNewSystemEvent(
			eventType,
			models.SystemEventSubmissionRelated{
				SubmissionID: entry.ID,
				SurveyID:     entry.SurveyID,
				Attempts:     entry.SyncAttempts,
				Reason:       reason,
			},
		); err != nil {
			return models.QueuedSubmission{}, fmt.Errorf(
				"failed to log submission %s sync status audit event [%w]", submissionID, err,
			)
		}
	}

	return entry.QueuedSubmission, nil
}

/*
ResetSubmissionStatuses move every submission in one state to another without
counting it as a sync attempt

	@param ctx context.Context - execution context
	@param fromStatus models.SyncStatusENUMType - current state
	@param toStatus models.SyncStatusENUMType - new state
	@returns number of submissions moved
*/
func (d *databaseImpl) ResetSubmissionStatuses(
	_ context.Context, fromStatus, toStatus models.SyncStatusENUMType,
) (int64, error) {
	probe := models.QueuedSubmission{ID: "*", SyncStatus: fromStatus}
	if err := probe.ValidateNextState(toStatus); err != nil {
		return 0, fmt.Errorf("bulk sync status change not allowed [%w]", err)
	}

	tmp := d.db.Model(&SubmissionDBEntry{}).
		Where("sync_status = ?", fromStatus).
		Updates(map[string]interface{}{"sync_status": toStatus, "error_message": nil})
	if tmp.Error != nil {
		return 0, fmt.Errorf(
			"failed to move submissions from '%s' to '%s' [%w]", fromStatus, toStatus, tmp.Error,
		)
	}
	return tmp.RowsAffected, nil
}

/*
DeleteSubmission delete a queued submission. Deleting an unknown submission is not
an error.

	@param ctx context.Context - execution context
	@param submissionID string - the submission ID
	@returns whether an entry was deleted
*/
func (d *databaseImpl) DeleteSubmission(_ context.Context, submissionID string) (bool, error) {
	var entries []SubmissionDBEntry
	if tmp := d.db.Where("id = ?", submissionID).Find(&entries); tmp.Error != nil {
		return false, fmt.Errorf("failed to fetch submission %s [%w]", submissionID, tmp.Error)
	}
	if len(entries) == 0 {
		return false, nil
	}
	entry := entries[0]

	if tmp := d.db.Delete(&entry); tmp.Error != nil {
		return false, fmt.Errorf("failed to delete submission %s [%w]", submissionID, tmp.Error)
	}

	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeSubmissionDeleted,
		models.SystemEventSubmissionRelated{
			SubmissionID: entry.ID, SurveyID: entry.SurveyID, Attempts: entry.SyncAttempts,
		},
	); err != nil {
		return false, fmt.Errorf(
			"failed to log delete submission %s audit event [%w]", submissionID, err,
		)
	}

	return true, nil
}

/*
DeleteSubmissions delete all queued submissions matching the filter

	@param ctx context.Context - execution context
	@param filters SubmissionQueryFilter - entry filter; limit and offset are ignored
	@returns number of deleted entries
*/
func (d *databaseImpl) DeleteSubmissions(
	ctx context.Context, filters SubmissionQueryFilter,
) (int64, error) {
	filters.Limit = nil
	filters.Offset = nil
	targets, err := d.ListSubmissions(ctx, filters)
	if err != nil {
		return 0, err
	}

	deleted := int64(0)
	for _, target := range targets {
		removed, err := d.DeleteSubmission(ctx, target.ID)
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted++
		}
	}
	return deleted, nil
}

/*
CountSubmissionsByStatus count queued submissions per sync state

	@param ctx context.Context - execution context
	@returns the count of each state
*/
func (d *databaseImpl) CountSubmissionsByStatus(
	_ context.Context,
) (map[models.SyncStatusENUMType]int, error) {
	type statusCount struct {
		SyncStatus models.SyncStatusENUMType
		Total      int
	}
	var rows []statusCount
	if tmp := d.db.Model(&SubmissionDBEntry{}).
		Select("sync_status, count(*) as total").
		Group("sync_status").
		Scan(&rows); tmp.Error != nil {
		return nil, fmt.Errorf("failed to count submissions by sync status [%w]", tmp.Error)
	}

	result := map[models.SyncStatusENUMType]int{}
	for _, row := range rows {
		result[row.SyncStatus] = row.Total
	}
	return result, nil
}
