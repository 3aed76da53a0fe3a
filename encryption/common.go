// Package encryption - submission payload sealing at rest
package encryption

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// EncryptedData cipher text and the nonce it was sealed with
type EncryptedData struct {
	CipherText []byte
	Nonce      []byte
}

/*
CryptographyEngine performs all cryptographic operations of the offline queue.

Symmetric payload keys are generated here, wrapped with the device RSA key pair before
being persisted, and unwrapped into an in-memory cache on first use. The rest of the
system must not call the encryption key APIs of the persistence layer directly.
*/
type CryptographyEngine interface {
	/*
		NewEncryptionKey generate and persist a new symmetric payload key

			@param ctx context.Context - execution context
			@param activeDBClient Database - existing database transaction
			@returns the key entry
	*/
	NewEncryptionKey(ctx context.Context, activeDBClient db.Database) (models.EncryptionKey, error)

	/*
		ListEncryptionKeys list payload keys

			@param ctx context.Context - execution context
			@param filters EncryptionKeyQueryFilter - entry listing filter
			@param activeDBClient Database - existing database transaction
			@return list of keys
	*/
	ListEncryptionKeys(
		ctx context.Context, filters db.EncryptionKeyQueryFilter, activeDBClient db.Database,
	) ([]models.EncryptionKey, error)

	/*
		RetireEncryptionKey mark a payload key inactive. Payloads sealed with it can no
		longer be opened until it is reactivated.

			@param ctx context.Context - execution context
			@param keyID string - the encryption key ID
			@param activeDBClient Database - existing database transaction
	*/
	RetireEncryptionKey(ctx context.Context, keyID string, activeDBClient db.Database) error

	/*
		ReactivateEncryptionKey mark a payload key active again

			@param ctx context.Context - execution context
			@param keyID string - the encryption key ID
			@param activeDBClient Database - existing database transaction
	*/
	ReactivateEncryptionKey(ctx context.Context, keyID string, activeDBClient db.Database) error

	/*
		EncryptData seal plain text with a payload key

			@param ctx context.Context - execution context
			@param keyID string - the encryption key ID
			@param plainText []byte - the plain text to encrypt
			@param activeDBClient Database - existing database transaction
			@return the cipher text
	*/
	EncryptData(
		ctx context.Context, keyID string, plainText []byte, activeDBClient db.Database,
	) (EncryptedData, error)

	/*
		DecryptData open cipher text sealed with a payload key

			@param ctx context.Context - execution context
			@param keyID string - the encryption key ID
			@param encrypted EncryptedData - the cipher text to decrypt
			@param activeDBClient Database - existing database transaction
			@return the plain text
	*/
	DecryptData(
		ctx context.Context, keyID string, encrypted EncryptedData, activeDBClient db.Database,
	) ([]byte, error)
}

// cryptoEngine implements CryptographyEngine
type cryptoEngine struct {
	goutils.Component

	persistence db.Client
	validator   *validator.Validate

	crypto cgoCrypto.Engine

	rsaKey    *rsa.PrivateKey
	rsaPubKey *rsa.PublicKey

	keyCacheLock sync.RWMutex
	// unwrapped key material of active payload keys, by key ID
	keyCache map[string][]byte
}

// CryptographyEngineParams cryptography engine init parameters
//
// The device RSA key pair wraps the symmetric payload keys
type CryptographyEngineParams struct {
	// Persistence persistence layer client
	Persistence db.Client `validate:"required"`
	// DeviceRSACertFile file path to the device RSA certificate PEM
	DeviceRSACertFile string `validate:"required,file"`
	// DeviceRSAKeyFile file path to the device RSA private key PEM
	DeviceRSAKeyFile string `validate:"required,file"`
}

/*
NewCryptographyEngine define new cryptography engine

	@param ctx context.Context - execution context
	@param params CryptographyEngineParams - engine parameters
	@returns engine instance
*/
func NewCryptographyEngine(
	ctx context.Context, params CryptographyEngineParams,
) (CryptographyEngine, error) {
	engine, err := cgoCrypto.NewEngine(log.Fields{
		"package": "cgoutils", "module": "crypto", "component": "crypto-engine",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare core cryptography [%w]", err)
	}

	logTags := log.Fields{"module": "encryption", "component": "crypto-engine"}

	instance := &cryptoEngine{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: params.Persistence,
		validator:   validator.New(),
		crypto:      engine,
		keyCache:    make(map[string][]byte),
	}

	if err := instance.validator.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid engine init parameters [%w]", err)
	}
	if err := instance.loadRSAKeyPair(
		ctx, params.DeviceRSACertFile, params.DeviceRSAKeyFile,
	); err != nil {
		return nil, fmt.Errorf("failed to load device RSA key pair [%w]", err)
	}

	return instance, nil
}
