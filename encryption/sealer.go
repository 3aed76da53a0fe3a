package encryption

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// PayloadSealer seals submission payloads with the working payload key, and opens
// payloads sealed with any active payload key.
type PayloadSealer struct {
	goutils.Component

	persistence db.Client
	engine      CryptographyEngine

	lock         sync.RWMutex
	workingKeyID string
}

/*
NewPayloadSealer define a new payload sealer. The newest active payload key becomes the
working key; one is generated if none exists.

	@param ctx context.Context - execution context
	@param persistence db.Client - persistence layer client
	@param engine CryptographyEngine - cryptography engine
	@returns sealer instance
*/
func NewPayloadSealer(
	ctx context.Context, persistence db.Client, engine CryptographyEngine,
) (*PayloadSealer, error) {
	logTags := log.Fields{"module": "encryption", "component": "payload-sealer"}

	instance := &PayloadSealer{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		engine:      engine,
	}

	if dbErr := persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			activeKeys, err := engine.ListEncryptionKeys(
				dbCtx,
				db.EncryptionKeyQueryFilter{
					TargetState: []models.EncryptionKeyStateENUMType{models.EncryptionKeyStateActive},
				},
				dbClient,
			)
			if err != nil {
				return fmt.Errorf("failed to list active payload keys [%w]", err)
			}

			if len(activeKeys) > 0 {
				instance.workingKeyID = activeKeys[0].ID
				return nil
			}

			newKey, err := engine.NewEncryptionKey(dbCtx, dbClient)
			if err != nil {
				return fmt.Errorf("failed to define new payload key [%w]", err)
			}
			instance.workingKeyID = newKey.ID
			return nil
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to prepare working payload key [%w]", dbErr)
	}

	log.WithFields(logTags).WithField("key_id", instance.workingKeyID).Info("Working payload key ready")

	return instance, nil
}

// WorkingKeyID the key currently used to seal new payloads
func (s *PayloadSealer) WorkingKeyID() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.workingKeyID
}

/*
RotateKey generate a new working payload key. Older keys stay active so payloads already
sealed with them can still be opened.

	@param ctx context.Context - execution context
	@param activeDBClient Database - existing database transaction
	@returns the new key
*/
func (s *PayloadSealer) RotateKey(
	ctx context.Context, activeDBClient db.Database,
) (models.EncryptionKey, error) {
	newKey, err := s.engine.NewEncryptionKey(ctx, activeDBClient)
	if err != nil {
		return models.EncryptionKey{}, fmt.Errorf("payload key rotation failed [%w]", err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	log.WithFields(s.GetLogTagsForContext(ctx)).
		WithField("old_key_id", s.workingKeyID).
		WithField("new_key_id", newKey.ID).
		Info("Rotated working payload key")
	s.workingKeyID = newKey.ID

	return newKey, nil
}

/*
Seal seal a serialized submission payload

	@param ctx context.Context - execution context
	@param plainText []byte - serialized payload
	@param activeDBClient Database - existing database transaction
	@returns the sealed payload
*/
func (s *PayloadSealer) Seal(
	ctx context.Context, plainText []byte, activeDBClient db.Database,
) (models.SealedPayload, error) {
	keyID := s.WorkingKeyID()
	encrypted, err := s.engine.EncryptData(ctx, keyID, plainText, activeDBClient)
	if err != nil {
		return models.SealedPayload{}, fmt.Errorf("failed to seal payload [%w]", err)
	}
	return models.SealedPayload{Data: encrypted.CipherText, KeyID: &keyID, Nonce: encrypted.Nonce}, nil
}

/*
Open open a sealed submission payload

	@param ctx context.Context - execution context
	@param sealed models.SealedPayload - the sealed payload
	@param activeDBClient Database - existing database transaction
	@returns serialized payload
*/
func (s *PayloadSealer) Open(
	ctx context.Context, sealed models.SealedPayload, activeDBClient db.Database,
) ([]byte, error) {
	if sealed.KeyID == nil {
		return nil, fmt.Errorf("payload was not sealed")
	}
	plainText, err := s.engine.DecryptData(
		ctx,
		*sealed.KeyID,
		EncryptedData{CipherText: sealed.Data, Nonce: sealed.Nonce},
		activeDBClient,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload sealed with key %s [%w]", *sealed.KeyID, err)
	}
	return plainText, nil
}
