package models

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

/*
RegisterWithValidator register with the validator this custom validation support

	@param v *validator.Validate - the validator to register against
	@return whether successful
*/
func RegisterWithValidator(v *validator.Validate) error {
	customValidations := map[string]validator.Func{
		"enc_key_state":     validateEncKeyStateType,
		"system_state":      validateSystemStateType,
		"system_event_type": validateSystemEventType,
		"sync_status":       validateSyncStatusType,
		"question_type":     validateQuestionType,
	}
	for tag, fn := range customValidations {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	return nil
}

func validateEncKeyStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch EncryptionKeyStateENUMType(fl.Field().String()) {
	case EncryptionKeyStateActive:
		fallthrough
	case EncryptionKeyStateInactive:
		return true
	}
	return false
}

func validateSystemStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemStateENUMType(fl.Field().String()) {
	case SystemStatePreInit:
		fallthrough
	case SystemStateInit:
		fallthrough
	case SystemStateRunning:
		return true
	}
	return false
}

func validateSystemEventType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemEventTypeENUMType(fl.Field().String()) {
	case SystemEventTypeInitializing:
		fallthrough
	case SystemEventTypeInitialized:
		fallthrough
	case SystemEventTypeSchemaUpgraded:
		fallthrough
	case SystemEventTypeNewEncryptionKey:
		fallthrough
	case SystemEventTypeActivateEncryptionKey:
		fallthrough
	case SystemEventTypeDeactivateEncryptionKey:
		fallthrough
	case SystemEventTypeSubmissionEnqueued:
		fallthrough
	case SystemEventTypeSubmissionSynced:
		fallthrough
	case SystemEventTypeSubmissionFailed:
		fallthrough
	case SystemEventTypeSubmissionDeleted:
		return true
	}
	return false
}

func validateSyncStatusType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SyncStatusENUMType(fl.Field().String()) {
	case SyncStatusPending:
		fallthrough
	case SyncStatusSyncing:
		fallthrough
	case SyncStatusSynced:
		fallthrough
	case SyncStatusError:
		return true
	}
	return false
}

func validateQuestionType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch QuestionTypeENUMType(fl.Field().String()) {
	case QuestionTypeText:
		fallthrough
	case QuestionTypeNumber:
		fallthrough
	case QuestionTypeSingleChoice:
		fallthrough
	case QuestionTypeMultipleChoice:
		return true
	}
	return false
}
