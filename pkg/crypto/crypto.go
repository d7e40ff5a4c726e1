package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

// Symmetric encryption for workspace integration tokens (calendar OAuth
// credentials, provider secrets). The key comes from ENCRYPTION_KEY and is
// normalized to 32 bytes through SHA-256 so operators can use any passphrase.

var encryptionKey []byte

var ErrKeyNotSet = errors.New("crypto: encryption key not configured")

// SetEncryptionKey derives and installs the global AES-256 key.
func SetEncryptionKey(key string) error {
	if key == "" {
		encryptionKey = nil
		return ErrKeyNotSet
	}
	sum := sha256.Sum256([]byte(key))
	encryptionKey = sum[:]
	return nil
}

// Encrypt seals a plain text with AES-GCM and returns base64.
// Without a configured key the value passes through unchanged so local
// development keeps working; production sets ENCRYPTION_KEY.
func Encrypt(plainText string) (string, error) {
	if len(encryptionKey) == 0 {
		return plainText, nil
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a base64 AES-GCM payload. Values that do not look encrypted
// (legacy plain text rows) are returned as-is.
func Decrypt(cipherText string) (string, error) {
	if len(encryptionKey) == 0 {
		return cipherText, nil
	}

	data, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return cipherText, nil
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return cipherText, nil
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
