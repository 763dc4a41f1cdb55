// Package crypto provides at-rest encryption for tenant secrets (webhook
// signing secrets, third-party API keys) using AES-256-GCM, with
// per-tenant subkeys derived from the single process-wide master key via
// HKDF so that one tenant's compromised secret never exposes another
// tenant's key material.
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

	"golang.org/x/crypto/hkdf"
)

// Encryptor seals and opens secrets with an AES-256-GCM key. The nonce is
// prepended to the ciphertext on Encrypt and stripped back off on
// Decrypt, so callers persist a single opaque blob.
type Encryptor struct {
	masterKey []byte // nil on a derived (ForTenant) Encryptor
	gcm       cipher.AEAD
}

var ErrCiphertextTooShort = errors.New("crypto: ciphertext shorter than nonce size")

// NewEncryptor builds the process-wide Encryptor from a base64-encoded
// 32-byte key (AES-256). ENCRYPTION_KEY is expected to hold the base64
// form so it can live in an environment variable without binary bytes.
// The returned Encryptor keeps the raw key around so ForTenant can derive
// per-tenant subkeys from it; it is never itself used to seal tenant data
// directly once a tenant-scoped caller is available.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must decode to 32 bytes for AES-256, got %d", len(key))
	}

	gcm, err := gcmFromKey(key)
	if err != nil {
		return nil, err
	}

	return &Encryptor{masterKey: key, gcm: gcm}, nil
}

// ForTenant derives a tenant-scoped Encryptor via HKDF-SHA256 over the
// master key, using the tenant id as the expand-step info parameter.
// Every tenant gets a distinct AES-256 key without the process having to
// store one key per tenant: a leaked per-webhook ciphertext or a single
// tenant's key material never lets an attacker decrypt another tenant's
// secrets, which a single shared key across all tenants would allow.
func (e *Encryptor) ForTenant(tenantID string) (*Encryptor, error) {
	if e.masterKey == nil {
		return nil, fmt.Errorf("crypto: ForTenant called on an already-derived Encryptor")
	}
	if tenantID == "" {
		return nil, fmt.Errorf("crypto: tenantID must not be empty")
	}

	sub := make([]byte, 32)
	reader := hkdf.New(sha256.New, e.masterKey, nil, []byte("aiseo-webhook-secret:"+tenantID))
	if _, err := io.ReadFull(reader, sub); err != nil {
		return nil, fmt.Errorf("crypto: derive tenant key: %w", err)
	}

	gcm, err := gcmFromKey(sub)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm}, nil
}

func gcmFromKey(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext, returning nonce||ciphertext||tag.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper returning a base64-encoded
// sealed blob. The webhooks.secret_ciphertext column holds Encrypt's raw
// bytes, not this string form.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	sealed, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString is the inverse of EncryptString.
func (e *Encryptor) DecryptString(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("crypto: decode base64: %w", err)
	}
	plaintext, err := e.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
