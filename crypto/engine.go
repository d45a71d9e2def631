package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// SaltSize is the PBKDF2 salt length in bytes.
	SaltSize = 16
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12
	// KDFIterations is the PBKDF2-SHA256 work factor.
	KDFIterations = 100_000
)

// keyHashMarker is the fixed, publicly known plaintext sealed under a zero IV
// to produce a key hash. Its value is not secret; only its stability matters.
const keyHashMarker = "roomdrop-key-verification-v1"

var (
	// ErrDecryptionFailed indicates the GCM authentication tag did not verify.
	ErrDecryptionFailed = errors.New("crypto: decryption authentication failed")
	// ErrInvalidKeySize indicates a key of the wrong length.
	ErrInvalidKeySize = errors.New("crypto: invalid key size")
	// ErrInvalidSaltSize indicates a salt of the wrong length.
	ErrInvalidSaltSize = errors.New("crypto: invalid salt size")
)

// DeriveKey derives a symmetric key from a password with a freshly generated
// random salt. The same password with the same salt always derives the same key.
func DeriveKey(password string) (key, salt []byte, err error) {
	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err = DeriveKeyWithSalt(password, salt)
	if err != nil {
		return nil, nil, err
	}
	return key, salt, nil
}

// DeriveKeyWithSalt re-derives a key from a password and a known salt.
func DeriveKeyWithSalt(password string, salt []byte) ([]byte, error) {
	if len(salt) < SaltSize {
		return nil, ErrInvalidSaltSize
	}
	return pbkdf2.Key([]byte(password), salt, KDFIterations, KeySize, sha256.New), nil
}

// CreateKeyHash produces a stable, non-reversible fingerprint of a key by
// sealing a fixed marker under an all-zero IV and hashing the ciphertext.
// The zero IV is safe here because the plaintext is a constant: the operation
// is used once per key for verification, never for data encryption.
func CreateKeyHash(key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	zeroIV := make([]byte, aead.NonceSize())
	sealed := aead.Seal(nil, zeroIV, []byte(keyHashMarker), nil)
	digest := sha256.Sum256(sealed)
	return hex.EncodeToString(digest[:]), nil
}

// VerifyPassword reports whether a candidate password, combined with the
// given salt, derives a key whose hash matches expectedHash. A wrong password
// returns false, never an error; the comparison is constant-time.
func VerifyPassword(password string, salt []byte, expectedHash string) bool {
	key, err := DeriveKeyWithSalt(password, salt)
	if err != nil {
		return false
	}
	hash, err := CreateKeyHash(key)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(expectedHash)) == 1
}

// Encrypt encrypts plaintext with AES-256-GCM and returns ciphertext and a
// fresh random IV. IVs are never reused with the same key.
func Encrypt(key, plaintext []byte) (ciphertext, iv []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

// Decrypt decrypts AES-256-GCM ciphertext using the provided IV. A tampered
// or mismatched ciphertext/key/IV combination fails with ErrDecryptionFailed
// rather than yielding corrupt plaintext.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("crypto: ciphertext is required")
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("crypto: invalid iv length: got %d want %d", len(iv), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptString encrypts a UTF-8 string.
func EncryptString(key []byte, text string) (ciphertext, iv []byte, err error) {
	return Encrypt(key, []byte(text))
}

// DecryptString decrypts ciphertext into a UTF-8 string.
func DecryptString(key, iv, ciphertext []byte) (string, error) {
	plaintext, err := Decrypt(key, iv, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptJSON marshals a value and encrypts its JSON encoding.
func EncryptJSON(key []byte, value any) (ciphertext, iv []byte, err error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal value for encryption: %w", err)
	}
	return Encrypt(key, raw)
}

// DecryptJSON decrypts ciphertext and unmarshals the JSON payload into out.
func DecryptJSON(key, iv, ciphertext []byte, out any) error {
	plaintext, err := Decrypt(key, iv, ciphertext)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("unmarshal decrypted value: %w", err)
	}
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
