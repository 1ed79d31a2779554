package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 32

	// formatVersion prefixes every ciphertext so the layout can change later
	formatVersion byte = 1

	hkdfInfo = "integration-isolation-service/credential-vault/v1"
)

var (
	// ErrCrypto matches every CryptoError
	ErrCrypto = errors.New("credential vault failure")

	// ErrMissingKey is returned when no vault key is configured in production
	ErrMissingKey = errors.New("ENCRYPTION_KEY is not set")
)

// CryptoError reports a ciphertext the current key cannot open. Callers must
// surface it; treating it as "no credentials" hides a misconfigured deployment.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func (e *CryptoError) Is(target error) bool { return target == ErrCrypto }

// Vault encrypts and decrypts secret columns with one process-wide key.
// It is the only component holding key material.
type Vault struct {
	aead cipher.AEAD
}

// NewVault derives an AES-256-GCM key from secret with HKDF-SHA256
func NewVault(secret []byte) (*Vault, error) {
	if len(secret) == 0 {
		return nil, ErrMissingKey
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving vault key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Vault{aead: aesgcm}, nil
}

// Load builds the vault from the deployment secret. Without a secret it fails
// closed in production and otherwise generates a throwaway key.
func Load(secret string, production bool) (*Vault, error) {
	if secret != "" {
		return NewVault([]byte(secret))
	}
	if production {
		return nil, ErrMissingKey
	}

	generated, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	log.Warn().
		Str("component", "credential_vault").
		Msg("!!! ENCRYPTION_KEY not set: using a temporary key for development only. " +
			"Credentials stored now become unreadable after restart. Never run production like this !!!")
	return NewVault([]byte(generated))
}

// GenerateKey returns a random key suitable for ENCRYPTION_KEY
func GenerateKey() (string, error) {
	raw := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Encrypt encrypts plaintext with a fresh nonce. Empty input yields nil.
func (v *Vault) Encrypt(plaintext string) (*string, error) {
	if plaintext == "" {
		return nil, nil
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+v.aead.Overhead())
	out = append(out, formatVersion)
	out = append(out, nonce...)
	out = v.aead.Seal(out, nonce, []byte(plaintext), nil)

	encoded := base64.RawURLEncoding.EncodeToString(out)
	return &encoded, nil
}

// Decrypt opens ciphertext produced by Encrypt. Nil or empty input yields nil.
func (v *Vault) Decrypt(ciphertext *string) (*string, error) {
	if ciphertext == nil || *ciphertext == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(*ciphertext)
	if err != nil {
		return nil, &CryptoError{Op: "decode", Err: err}
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < 1+nonceSize+v.aead.Overhead() {
		return nil, &CryptoError{Op: "decode", Err: errors.New("ciphertext too short")}
	}
	if raw[0] != formatVersion {
		return nil, &CryptoError{Op: "decode", Err: fmt.Errorf("unknown format version %d", raw[0])}
	}

	nonce := raw[1 : 1+nonceSize]
	plaintext, err := v.aead.Open(nil, nonce, raw[1+nonceSize:], nil)
	if err != nil {
		return nil, &CryptoError{Op: "open", Err: errors.New("key mismatch or corrupted ciphertext")}
	}

	s := string(plaintext)
	return &s, nil
}
