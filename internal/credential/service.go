// Package credential verifies per-comment secrets and handles the e-mail
// field's encryption at rest.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"murmur/api/internal/store"
)

// Authorization is the outcome of checking a submitted secret against a
// stored comment. OwnerMatch and IsAdmin are independent; either grants
// authorization.
type Authorization struct {
	OwnerMatch bool
	IsAdmin    bool
	Authorized bool
}

// Service holds the configured administrator credential. An empty admin
// hash disables the admin override.
type Service struct {
	adminHash string
}

func NewService(adminPasswordHash string) *Service {
	return &Service{adminHash: adminPasswordHash}
}

// HashSecret produces the stored form of a comment password.
func (s *Service) HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// Verify compares a submitted secret against a stored hash. Either side
// missing is an ordinary mismatch, never an error.
func (s *Service) Verify(submitted, storedHash string) bool {
	if submitted == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(submitted)) == nil
}

// VerifyAdmin checks the submitted secret against the configured
// administrator credential.
func (s *Service) VerifyAdmin(submitted string) bool {
	return s.Verify(submitted, s.adminHash)
}

// Authenticate checks a submitted secret against a specific comment. A nil
// record, a record without a stored hash, or an empty secret all yield an
// unauthorized result without error; callers apply policy on failure.
func (s *Service) Authenticate(rec *store.Comment, submitted string) Authorization {
	var auth Authorization
	if rec != nil {
		auth.OwnerMatch = s.Verify(submitted, rec.Password)
	}
	auth.IsAdmin = s.VerifyAdmin(submitted)
	auth.Authorized = auth.OwnerMatch || auth.IsAdmin
	return auth
}

// EncryptEmail seals an address with AES-256-GCM under a fresh random key.
// It returns the ciphertext and the key material to store alongside it;
// the plaintext is never stored.
func (s *Service) EncryptEmail(email string) (ciphertext, key string, err error) {
	rawKey := make([]byte, 32)
	if _, err := rand.Read(rawKey); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return "", "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(email), nil)
	return base64.StdEncoding.EncodeToString(sealed), hex.EncodeToString(rawKey), nil
}

// DecryptEmail recovers an address given its ciphertext and key material.
func (s *Service) DecryptEmail(ciphertext, key string) (string, error) {
	rawKey, err := hex.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode key: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt email: %w", err)
	}
	return string(plain), nil
}

// EmailHash is the lowercase-normalized digest used by avatar lookups.
func EmailHash(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(email)))
	return hex.EncodeToString(sum[:])
}
