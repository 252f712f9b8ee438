package certstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Envelope performs two-stage encryption: a fresh random data key encrypts
// each certificate bundle, and the process-wide master secret encrypts the
// data key. Constructed once at startup and injected; the master secret is
// never persisted or logged.
type Envelope struct {
	masterKey [32]byte
}

func NewEnvelope(masterSecret string) (*Envelope, error) {
	if masterSecret == "" {
		return nil, errors.New("certstore: master secret is empty")
	}
	return &Envelope{masterKey: sha256.Sum256([]byte(masterSecret))}, nil
}

// Encrypt seals plaintext under a fresh data key and returns the wrapped
// data key alongside the sealed blob.
func (e *Envelope) Encrypt(plaintext []byte) (encryptedDataKey, encryptedBlob []byte, err error) {
	dataKey := make([]byte, 32)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, nil, fmt.Errorf("certstore: generate data key: %w", err)
	}

	encryptedBlob, err = seal(dataKey, plaintext)
	if err != nil {
		return nil, nil, err
	}

	encryptedDataKey, err = seal(e.masterKey[:], dataKey)
	if err != nil {
		return nil, nil, err
	}

	return encryptedDataKey, encryptedBlob, nil
}

// Decrypt recovers the data key with the master secret, then opens the blob.
func (e *Envelope) Decrypt(encryptedDataKey, encryptedBlob []byte) ([]byte, error) {
	dataKey, err := open(e.masterKey[:], encryptedDataKey)
	if err != nil {
		return nil, fmt.Errorf("certstore: unwrap data key: %w", err)
	}

	plaintext, err := open(dataKey, encryptedBlob)
	if err != nil {
		return nil, fmt.Errorf("certstore: open bundle: %w", err)
	}

	return plaintext, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
