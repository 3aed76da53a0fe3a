package encryption

import (
	"context"
	"fmt"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/models"
)

/*
NewEncryptionKey generate and persist a new symmetric payload key

	@param ctx context.Context - execution context
	@param activeDBClient Database - existing database transaction
	@returns the key entry
*/
func (e *cryptoEngine) NewEncryptionKey(
	ctx context.Context, activeDBClient db.Database,
) (models.EncryptionKey, error) {
	aead, err := e.crypto.GetAEAD(ctx, cgoCrypto.AEADTypeXChaCha20Poly1305)
	if err != nil {
		return models.EncryptionKey{}, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	keyLen := aead.ExpectedKeyLen()
	newKey := make([]byte, keyLen)
	if n, err := e.crypto.GetRNGReader().Read(newKey); err != nil {
		return models.EncryptionKey{}, fmt.Errorf("failed to read %d bytes from RNG [%w]", keyLen, err)
	} else if n != keyLen {
		return models.EncryptionKey{}, fmt.Errorf("did not get %d bytes from RNG, only %d", keyLen, n)
	}

	wrappedKey, err := e.crypto.RSAEncrypt(ctx, newKey, e.rsaPubKey, nil)
	if err != nil {
		return models.EncryptionKey{}, fmt.Errorf("failed to wrap payload key [%w]", err)
	}

	var keyEntry models.EncryptionKey
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, e.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			keyEntry, err = dbClient.RecordEncryptionKey(dbCtx, wrappedKey)
			return err
		},
	); dbErr != nil {
		return models.EncryptionKey{}, fmt.Errorf("failed to record new payload key [%w]", dbErr)
	}

	e.cacheKeyMaterial(keyEntry.ID, newKey)

	return keyEntry, nil
}

// cacheKeyMaterial store unwrapped key material
func (e *cryptoEngine) cacheKeyMaterial(keyID string, material []byte) {
	e.keyCacheLock.Lock()
	defer e.keyCacheLock.Unlock()
	e.keyCache[keyID] = material
}

// cachedKeyMaterial read unwrapped key material
func (e *cryptoEngine) cachedKeyMaterial(keyID string) ([]byte, bool) {
	e.keyCacheLock.RLock()
	defer e.keyCacheLock.RUnlock()
	material, ok := e.keyCache[keyID]
	return material, ok
}

// evictKeyMaterial drop unwrapped key material
func (e *cryptoEngine) evictKeyMaterial(keyID string) {
	e.keyCacheLock.Lock()
	defer e.keyCacheLock.Unlock()
	delete(e.keyCache, keyID)
}

// unwrapKey decrypt the key material of an active key and cache it
func (e *cryptoEngine) unwrapKey(ctx context.Context, keyEntry models.EncryptionKey) ([]byte, error) {
	if keyEntry.State != models.EncryptionKeyStateActive {
		e.evictKeyMaterial(keyEntry.ID)
		return nil, fmt.Errorf("payload key %s is not active", keyEntry.ID)
	}

	if material, ok := e.cachedKeyMaterial(keyEntry.ID); ok {
		return material, nil
	}

	material, err := e.crypto.RSADecrypt(ctx, keyEntry.EncKeyMaterial, e.rsaKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap payload key %s [%w]", keyEntry.ID, err)
	}

	e.cacheKeyMaterial(keyEntry.ID, material)
	return material, nil
}

// keyMaterial fetch the unwrapped material of a payload key
func (e *cryptoEngine) keyMaterial(
	ctx context.Context, keyID string, activeDBClient db.Database,
) ([]byte, error) {
	if material, ok := e.cachedKeyMaterial(keyID); ok {
		return material, nil
	}

	var keyEntry models.EncryptionKey
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, e.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			keyEntry, err = dbClient.GetEncryptionKey(dbCtx, keyID)
			return err
		},
	); dbErr != nil {
		return nil, fmt.Errorf("payload key %s unknown [%w]", keyID, dbErr)
	}

	return e.unwrapKey(ctx, keyEntry)
}

/*
ListEncryptionKeys list payload keys

	@param ctx context.Context - execution context
	@param filters EncryptionKeyQueryFilter - entry listing filter
	@param activeDBClient Database - existing database transaction
	@return list of keys
*/
func (e *cryptoEngine) ListEncryptionKeys(
	ctx context.Context, filters db.EncryptionKeyQueryFilter, activeDBClient db.Database,
) ([]models.EncryptionKey, error) {
	var keyEntries []models.EncryptionKey
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, e.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			keyEntries, err = dbClient.ListEncryptionKeys(dbCtx, filters)
			return err
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to list payload keys [%w]", dbErr)
	}

	for _, entry := range keyEntries {
		if entry.State != models.EncryptionKeyStateActive {
			e.evictKeyMaterial(entry.ID)
			continue
		}
		if _, err := e.unwrapKey(ctx, entry); err != nil {
			return nil, err
		}
	}

	return keyEntries, nil
}

/*
RetireEncryptionKey mark a payload key inactive

	@param ctx context.Context - execution context
	@param keyID string - the encryption key ID
	@param activeDBClient Database - existing database transaction
*/
func (e *cryptoEngine) RetireEncryptionKey(
	ctx context.Context, keyID string, activeDBClient db.Database,
) error {
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, e.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.MarkEncryptionKeyInactive(dbCtx, keyID)
		},
	); dbErr != nil {
		return fmt.Errorf("failed to retire payload key %s [%w]", keyID, dbErr)
	}

	e.evictKeyMaterial(keyID)
	return nil
}

/*
ReactivateEncryptionKey mark a payload key active again

	@param ctx context.Context - execution context
	@param keyID string - the encryption key ID
	@param activeDBClient Database - existing database transaction
*/
func (e *cryptoEngine) ReactivateEncryptionKey(
	ctx context.Context, keyID string, activeDBClient db.Database,
) error {
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, e.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			if err := dbClient.MarkEncryptionKeyActive(dbCtx, keyID); err != nil {
				return err
			}
			keyEntry, err := dbClient.GetEncryptionKey(dbCtx, keyID)
			if err != nil {
				return err
			}
			_, err = e.unwrapKey(dbCtx, keyEntry)
			return err
		},
	); dbErr != nil {
		return fmt.Errorf("failed to reactivate payload key %s [%w]", keyID, dbErr)
	}
	return nil
}
