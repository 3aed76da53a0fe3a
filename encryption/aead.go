package encryption

import (
	"context"
	"fmt"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/fieldsync/db"
)

// setupAEAD prepare an AEAD with the key installed. A random nonce is generated when
// none is given.
func (e *cryptoEngine) setupAEAD(
	ctx context.Context, key []byte, nonce []byte,
) (cgoCrypto.AEAD, error) {
	aead, err := e.crypto.GetAEAD(ctx, cgoCrypto.AEADTypeXChaCha20Poly1305)
	if err != nil {
		return nil, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	if len(key) != aead.ExpectedKeyLen() {
		return nil, fmt.Errorf("AEAD key must be %d bytes, got %d", aead.ExpectedKeyLen(), len(key))
	}
	keyBuffer, err := e.crypto.AllocateSecureCSlice(aead.ExpectedKeyLen())
	if err != nil {
		return nil, fmt.Errorf("failed to init AEAD key buffer [%w]", err)
	}
	keyBufferCore, err := keyBuffer.GetSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to access AEAD key buffer core [%w]", err)
	}
	copy(keyBufferCore, key)
	if err := aead.SetKey(keyBuffer); err != nil {
		return nil, fmt.Errorf("failed to install AEAD key [%w]", err)
	}

	if len(nonce) == 0 {
		nonceBuffer, err := e.crypto.GetRandomBuf(ctx, aead.ExpectedNonceLen())
		if err != nil {
			return nil, fmt.Errorf("failed to init AEAD nonce [%w]", err)
		}
		if err := aead.SetNonce(nonceBuffer); err != nil {
			return nil, fmt.Errorf("failed to install AEAD nonce [%w]", err)
		}
		return aead, nil
	}

	if len(nonce) != aead.ExpectedNonceLen() {
		return nil, fmt.Errorf(
			"AEAD nonce must be %d bytes, got %d", aead.ExpectedNonceLen(), len(nonce),
		)
	}
	nonceBuffer, err := e.crypto.AllocateSecureCSlice(aead.ExpectedNonceLen())
	if err != nil {
		return nil, fmt.Errorf("failed to init AEAD nonce buffer [%w]", err)
	}
	nonceBufferCore, err := nonceBuffer.GetSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to access AEAD nonce buffer core [%w]", err)
	}
	copy(nonceBufferCore, nonce)
	if err := aead.SetNonce(nonceBuffer); err != nil {
		return nil, fmt.Errorf("failed to install AEAD nonce [%w]", err)
	}

	return aead, nil
}

/*
EncryptData seal plain text with a payload key

	@param ctx context.Context - execution context
	@param keyID string - the encryption key ID
	@param plainText []byte - the plain text to encrypt
	@param activeDBClient Database - existing database transaction
	@return the cipher text
*/
func (e *cryptoEngine) EncryptData(
	ctx context.Context, keyID string, plainText []byte, activeDBClient db.Database,
) (EncryptedData, error) {
	key, err := e.keyMaterial(ctx, keyID, activeDBClient)
	if err != nil {
		return EncryptedData{}, fmt.Errorf("payload key %s not usable [%w]", keyID, err)
	}

	aead, err := e.setupAEAD(ctx, key, nil)
	if err != nil {
		return EncryptedData{}, fmt.Errorf("failed to setup AEAD client [%w]", err)
	}

	nonce, err := aead.Nonce().GetSlice()
	if err != nil {
		return EncryptedData{}, fmt.Errorf("failed to get nonce [%w]", err)
	}
	nonceCopy := make([]byte, len(nonce))
	copy(nonceCopy, nonce)

	cipherText := make([]byte, aead.ExpectedCipherLen(int64(len(plainText))))
	if err := aead.Seal(ctx, 0, plainText, nil, cipherText); err != nil {
		return EncryptedData{}, fmt.Errorf("failed to encrypt plain text [%w]", err)
	}

	return EncryptedData{CipherText: cipherText, Nonce: nonceCopy}, nil
}

/*
DecryptData open cipher text sealed with a payload key

	@param ctx context.Context - execution context
	@param keyID string - the encryption key ID
	@param encrypted EncryptedData - the cipher text to decrypt
	@param activeDBClient Database - existing database transaction
	@return the plain text
*/
func (e *cryptoEngine) DecryptData(
	ctx context.Context, keyID string, encrypted EncryptedData, activeDBClient db.Database,
) ([]byte, error) {
	key, err := e.keyMaterial(ctx, keyID, activeDBClient)
	if err != nil {
		return nil, fmt.Errorf("payload key %s not usable [%w]", keyID, err)
	}

	aead, err := e.setupAEAD(ctx, key, encrypted.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to setup AEAD client [%w]", err)
	}

	plainText := make([]byte, aead.ExpectedPlainTextLen(int64(len(encrypted.CipherText))))
	if err := aead.Unseal(ctx, 0, encrypted.CipherText, nil, plainText); err != nil {
		return nil, fmt.Errorf("failed to decrypt cipher text [%w]", err)
	}

	return plainText, nil
}
