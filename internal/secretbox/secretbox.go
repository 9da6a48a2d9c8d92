// Package secretbox provides the symmetric envelope used to keep platform
// tokens encrypted at rest. The repository layer brackets every token
// read/write with Open/Seal; encryption is never implicit.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/crossclip/crossclip/backend/internal/faults"
)

const (
	kdfIterations = 100000
	keyLen        = 32
)

// kdfSalt is stable across processes so independently started workers derive
// the same key from the shared configuration secret.
var kdfSalt = []byte("crossclip-token-envelope-salt")

// Box seals and opens small secrets with AES-256-GCM. The key is derived once
// at process start; Box is safe for concurrent use.
type Box struct {
	aead cipher.AEAD
}

// New derives the process-wide key from the configured secret material.
func New(secret string) (*Box, error) {
	if secret == "" {
		return nil, faults.New(faults.KindConfigMissing, "ENCRYPTION_KEY is required")
	}
	key := pbkdf2.Key([]byte(secret), kdfSalt, kdfIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "cipher init failed")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "aead init failed")
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts a token. The returned blob is nonce||ciphertext||tag and is
// stored as-is in a bytea column.
func (b *Box) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "nonce generation failed")
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a blob produced by Seal. Any truncation or bit flip fails
// authentication and surfaces CRYPTO_TAMPER; the message never includes the
// blob or the plaintext.
func (b *Box) Open(blob []byte) (string, error) {
	if len(blob) < b.aead.NonceSize() {
		return "", faults.New(faults.KindCryptoTamper, "ciphertext too short")
	}
	nonce, ciphertext := blob[:b.aead.NonceSize()], blob[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", faults.New(faults.KindCryptoTamper, "ciphertext failed authentication")
	}
	return string(plaintext), nil
}
