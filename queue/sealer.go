package queue

import (
	"context"
	"fmt"

	"github.com/alwitt/fieldsync/db"
	"github.com/alwitt/fieldsync/models"
)

// PayloadSealer seals submission payloads before they are written to the store
type PayloadSealer interface {
	/*
		Seal seal a serialized submission payload

			@param ctx context.Context - execution context
			@param plainText []byte - serialized payload
			@param activeDBClient Database - existing database transaction
			@returns the sealed payload
	*/
	Seal(
		ctx context.Context, plainText []byte, activeDBClient db.Database,
	) (models.SealedPayload, error)

	/*
		Open open a sealed submission payload

			@param ctx context.Context - execution context
			@param sealed models.SealedPayload - the sealed payload
			@param activeDBClient Database - existing database transaction
			@returns serialized payload
	*/
	Open(
		ctx context.Context, sealed models.SealedPayload, activeDBClient db.Database,
	) ([]byte, error)
}

// KeyRotator a payload sealer able to switch to a newly generated working key
type KeyRotator interface {
	RotateKey(ctx context.Context, activeDBClient db.Database) (models.EncryptionKey, error)
}

// SealerFactory builds the payload sealer once the store is open
type SealerFactory func(ctx context.Context, persistence db.Client) (PayloadSealer, error)

// plainSealer stores payloads as is
type plainSealer struct{}

func (plainSealer) Seal(
	_ context.Context, plainText []byte, _ db.Database,
) (models.SealedPayload, error) {
	return models.SealedPayload{Data: plainText}, nil
}

func (plainSealer) Open(
	_ context.Context, sealed models.SealedPayload, _ db.Database,
) ([]byte, error) {
	if sealed.KeyID != nil {
		return nil, fmt.Errorf("payload sealed with key %s but no sealer configured", *sealed.KeyID)
	}
	return sealed.Data, nil
}
