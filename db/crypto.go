package db

import (
	"context"
	"fmt"

	"github.com/alwitt/fieldsync/models"
	"github.com/google/uuid"
)

/*
RecordEncryptionKey record a wrapped symmetric encryption key

	@param ctx context.Context - execution context
	@param encKeyMaterial []byte - wrapped key material
	@returns the key entry
*/
func (d *databaseImpl) RecordEncryptionKey(
	_ context.Context, encKeyMaterial []byte,
) (models.EncryptionKey, error) {
	newEntry := EncryptionKeyDBEntry{
		EncryptionKey: models.EncryptionKey{
			ID:             uuid.NewString(),
			EncKeyMaterial: encKeyMaterial,
			State:          models.EncryptionKeyStateActive,
		},
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.EncryptionKey{}, fmt.Errorf("new encryption key entry is invalid [%w]", err)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.EncryptionKey{}, fmt.Errorf(
			"new encryption key entry insert failed [%w]", tmp.Error,
		)
	}

	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeNewEncryptionKey, models.SystemEventEncKeyRelated{KeyID: newEntry.ID},
	); err != nil {
		return models.EncryptionKey{}, fmt.Errorf(
			"failed to log add new encryption key audit event [%w]", err,
		)
	}

	return newEntry.EncryptionKey, nil
}

/*
GetEncryptionKey fetch one encryption key

	@param ctx context.Context - execution context
	@param keyID string - the encryption key ID
	@return key entry
*/
func (d *databaseImpl) GetEncryptionKey(
	_ context.Context, keyID string,
) (models.EncryptionKey, error) {
	var entry EncryptionKeyDBEntry
	if tmp := d.db.Where("id = ?", keyID).First(&entry); tmp.Error != nil {
		return models.EncryptionKey{}, fmt.Errorf(
			"failed to fetch encryption key %s [%w]", keyID, tmp.Error,
		)
	}
	return entry.EncryptionKey, nil
}

/*
ListEncryptionKeys list encryption keys, newest first

	@param ctx context.Context - execution context
	@param filters EncryptionKeyQueryFilter - entry listing filter
	@return list of keys
*/
func (d *databaseImpl) ListEncryptionKeys(
	_ context.Context, filters EncryptionKeyQueryFilter,
) ([]models.EncryptionKey, error) {
	query := d.db.Model(&EncryptionKeyDBEntry{})

	if len(filters.TargetState) > 0 {
		query = query.Where("state in ?", filters.TargetState)
	}

	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}

	query = query.Order("created_at desc")

	var entries []EncryptionKeyDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list encryption keys [%w]", tmp.Error)
	}

	result := []models.EncryptionKey{}
	for _, entry := range entries {
		result = append(result, entry.EncryptionKey)
	}

	return result, nil
}

// changeEncKeyState move an encryption key to a new state and audit the change
func (d *databaseImpl) changeEncKeyState(
	keyID string, newState models.EncryptionKeyStateENUMType,
) error {
	var entry EncryptionKeyDBEntry
	if tmp := d.db.Where("id = ?", keyID).First(&entry); tmp.Error != nil {
		return fmt.Errorf("failed to fetch encryption key %s [%w]", keyID, tmp.Error)
	}

	if entry.State == newState {
		return nil
	}

	if err := entry.ValidateNextState(newState); err != nil {
		return fmt.Errorf("encryption key state change to %s not allowed [%w]", newState, err)
	}

	if tmp := d.db.Model(&entry).Update("state", newState); tmp.Error != nil {
		return fmt.Errorf("encryption key %s state update failed [%w]", keyID, tmp.Error)
	}

	eventType := models.SystemEventTypeActivateEncryptionKey
	if newState == models.EncryptionKeyStateInactive {
		eventType = models.SystemEventTypeDeactivateEncryptionKey
	}
	if _, err := d.defineNewSystemEvent(
		eventType, models.SystemEventEncKeyRelated{KeyID: keyID},
	); err != nil {
		return fmt.Errorf("failed to log encryption key state change audit event [%w]", err)
	}

	return nil
}

/*
MarkEncryptionKeyActive mark encryption key is active

	@param ctx context.Context - execution context
	@param keyID string - the encryption key ID
*/
func (d *databaseImpl) MarkEncryptionKeyActive(_ context.Context, keyID string) error {
	return d.changeEncKeyState(keyID, models.EncryptionKeyStateActive)
}

/*
MarkEncryptionKeyInactive mark encryption key is inactive

	@param ctx context.Context - execution context
	@param keyID string - the encryption key ID
*/
func (d *databaseImpl) MarkEncryptionKeyInactive(_ context.Context, keyID string) error {
	return d.changeEncKeyState(keyID, models.EncryptionKeyStateInactive)
}
