package db

import (
	"time"

	"github.com/alwitt/fieldsync/models"
)

// TransitionFromSnapshot apply a sync state change based on an earlier read of the submission
func TransitionFromSnapshot(
	dbClient Database,
	snapshot models.QueuedSubmission,
	newStatus models.SyncStatusENUMType,
	timestamp time.Time,
) (models.QueuedSubmission, error) {
	return dbClient.(*databaseImpl).transitionSubmission(
		SubmissionDBEntry{QueuedSubmission: snapshot}, newStatus, nil, timestamp,
	)
}
