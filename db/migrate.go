package db

import (
	"context"
	"fmt"

	"github.com/alwitt/fieldsync/models"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// schemaUpgradeStep one step of the local store schema upgrade path
type schemaUpgradeStep struct {
	// toVersion schema version after the step is applied
	toVersion int
	// description what the step changes
	description string
	// apply perform the upgrade. Steps must be safe to re-run.
	apply func(tx *gorm.DB) error
}

// schemaUpgradePath ordered upgrade steps; the last entry must match
// models.CurrentSchemaVersion
var schemaUpgradePath = []schemaUpgradeStep{
	{
		toVersion:   1,
		description: "create offline queue, survey mirror, and encryption key tables",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(AllTables()...)
		},
	},
	{
		toVersion:   2,
		description: "index submissions by survey and sync status",
		apply: func(tx *gorm.DB) error {
			migrator := tx.Migrator()
			if migrator.HasIndex(&SubmissionDBEntry{}, "idx_submissions_survey_status") {
				return nil
			}
			return migrator.CreateIndex(&SubmissionDBEntry{}, "idx_submissions_survey_status")
		},
	},
}

/*
MigrateSchema bring the local store schema up to models.CurrentSchemaVersion

Each step runs in its own transaction, and records the new schema version before
committing. A store written by a newer build is rejected.

	@param ctx context.Context - execution context
	@param persistence Client - persistence client
	@returns the schema version before and after the migration
*/
func MigrateSchema(ctx context.Context, persistence Client) (int, int, error) {
	logTags := log.Fields{"package": "fieldsync", "module": "db", "component": "schema-migrate"}

	// The bookkeeping tables must exist before the version can be read
	if err := persistence.RunSQLInTransaction(
		ctx, func(_ context.Context, tx *gorm.DB) error {
			return tx.AutoMigrate(&SystemParamsDBEntry{}, &SystemEventAuditDBEntry{})
		},
	); err != nil {
		return 0, 0, fmt.Errorf("failed to prepare schema bookkeeping tables [%w]", err)
	}

	var startVersion int
	if err := persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient Database) error {
			params, err := dbClient.GetSystemParamEntry(dbCtx)
			startVersion = params.SchemaVersion
			return err
		},
	); err != nil {
		return 0, 0, fmt.Errorf("failed to read current schema version [%w]", err)
	}

	if startVersion > models.CurrentSchemaVersion {
		return startVersion, startVersion, fmt.Errorf(
			"local store schema version %d is newer than supported version %d",
			startVersion,
			models.CurrentSchemaVersion,
		)
	}

	currentVersion := startVersion
	for _, step := range schemaUpgradePath {
		if step.toVersion <= currentVersion {
			continue
		}
		log.WithFields(logTags).
			WithField("from", currentVersion).
			WithField("to", step.toVersion).
			Infof("Applying schema upgrade: %s", step.description)

		if err := persistence.RunSQLInTransaction(
			ctx, func(dbCtx context.Context, tx *gorm.DB) error {
				if err := step.apply(tx); err != nil {
					return fmt.Errorf("upgrade step failed [%w]", err)
				}
				dbClient, err := newDatabase(dbCtx, tx)
				if err != nil {
					return err
				}
				return dbClient.RecordSchemaVersion(dbCtx, step.toVersion)
			},
		); err != nil {
			return startVersion, currentVersion, fmt.Errorf(
				"failed to upgrade schema to version %d [%w]", step.toVersion, err,
			)
		}
		currentVersion = step.toVersion
	}

	return startVersion, currentVersion, nil
}
