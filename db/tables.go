package db

import "github.com/alwitt/fieldsync/models"

// --------------------------------------------------------------------------------------
// System audit events

// SystemEventAuditDBEntry system audit event DB entry
type SystemEventAuditDBEntry struct {
	models.SystemEventAudit
}

// TableName hard code table name
func (SystemEventAuditDBEntry) TableName() string {
	return "system_audit_events"
}

// --------------------------------------------------------------------------------------
// System parameters

// SystemParamsDBEntry system parameter DB entry
type SystemParamsDBEntry struct {
	models.SystemParams
}

// TableName hard code table name
func (SystemParamsDBEntry) TableName() string {
	return "system_params"
}

// --------------------------------------------------------------------------------------
// Encryption keys

// EncryptionKeyDBEntry payload encryption key DB entry
type EncryptionKeyDBEntry struct {
	models.EncryptionKey
}

// TableName hard code table name
func (EncryptionKeyDBEntry) TableName() string {
	return "encryption_keys"
}

// --------------------------------------------------------------------------------------
// Queued submissions

// SubmissionDBEntry queued submission DB entry
type SubmissionDBEntry struct {
	models.QueuedSubmission
}

// TableName hard code table name
func (SubmissionDBEntry) TableName() string {
	return "submissions"
}

// --------------------------------------------------------------------------------------
// Survey mirror

// SurveyDBEntry cached survey DB entry
type SurveyDBEntry struct {
	models.CachedSurvey
}

// TableName hard code table name
func (SurveyDBEntry) TableName() string {
	return "surveys"
}

// QuestionDBEntry cached survey question DB entry
type QuestionDBEntry struct {
	models.CachedQuestion
	Survey SurveyDBEntry `gorm:"constraint:OnDelete:CASCADE;foreignKey:SurveyID" validate:"-"`
}

// TableName hard code table name
func (QuestionDBEntry) TableName() string {
	return "questions"
}

// AllTables every table of the local store
func AllTables() []interface{} {
	return []interface{}{
		&SystemEventAuditDBEntry{},
		&SystemParamsDBEntry{},
		&EncryptionKeyDBEntry{},
		&SubmissionDBEntry{},
		&SurveyDBEntry{},
		&QuestionDBEntry{},
	}
}
