// Package secrets implements the AES-256-GCM secret store and scrypt-based
// password hashing used by the persistence layer.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// ErrSecretsKeyMissing is returned by Store writes when the configured key
// environment variable is unset.
var ErrSecretsKeyMissing = errors.New("SECRETS_KEY_MISSING")

// encryptedBlob is the on-disk JSON shape for an encrypted secret value.
type encryptedBlob struct {
	Scheme string `json:"scheme"`
	Salt   string `json:"salt"`  // base64
	Nonce  string `json:"nonce"` // base64
	Data   string `json:"data"`  // base64 ciphertext+tag
}

// Store derives an AES-256-GCM key from an environment variable via scrypt
// and encrypts/decrypts named secrets with it.
type Store struct {
	keyEnvVar string
}

// NewStore builds a Store reading its key material from keyEnvVar.
func NewStore(keyEnvVar string) *Store {
	return &Store{keyEnvVar: keyEnvVar}
}

func (s *Store) rawKey() (string, bool) {
	v := os.Getenv(s.keyEnvVar)
	return v, v != ""
}

// Encrypt derives a fresh salt-keyed AES-256-GCM ciphertext for plaintext.
// Returns ErrSecretsKeyMissing if the key environment variable is unset.
func (s *Store) Encrypt(plaintext string) (string, error) {
	raw, ok := s.rawKey()
	if !ok {
		return "", ErrSecretsKeyMissing
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key, err := scrypt.Key([]byte(raw), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("building GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	blob := encryptedBlob{
		Scheme: "aes256gcm-scrypt",
		Salt:   base64.StdEncoding.EncodeToString(salt),
		Nonce:  base64.StdEncoding.EncodeToString(nonce),
		Data:   base64.StdEncoding.EncodeToString(ciphertext),
	}
	out, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("marshaling blob: %w", err)
	}
	return string(out), nil
}

// Decrypt reverses Encrypt. If stored does not parse as an encrypted blob it
// is tolerated as legacy plaintext and returned unchanged. Any other
// failure (bad key, tampered ciphertext) yields an empty string, never an
// error — secret read failures must never crash a query path.
func (s *Store) Decrypt(stored string) string {
	var blob encryptedBlob
	if err := json.Unmarshal([]byte(stored), &blob); err != nil || blob.Scheme == "" {
		return stored // legacy plaintext
	}
	if blob.Scheme != "aes256gcm-scrypt" {
		return ""
	}

	raw, ok := s.rawKey()
	if !ok {
		return ""
	}

	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil {
		return ""
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.Nonce)
	if err != nil {
		return ""
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		return ""
	}

	key, err := scrypt.Key([]byte(raw), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return ""
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return ""
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return ""
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ""
	}
	return string(plaintext)
}

// hashedPassword is the on-disk JSON shape for a scrypt password hash.
type hashedPassword struct {
	Scheme string `json:"scheme"`
	Salt   string `json:"salt"` // base64
	Hash   string `json:"hash"` // base64
}

// HashPassword derives a scrypt(N=16384,r=8,p=1,len=32) hash with a fresh
// 16-byte random salt, returning the JSON-encoded storage representation.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	out, err := json.Marshal(hashedPassword{
		Scheme: "scrypt",
		Salt:   base64.StdEncoding.EncodeToString(salt),
		Hash:   base64.StdEncoding.EncodeToString(hash),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling hash: %w", err)
	}
	return string(out), nil
}

// VerifyPassword checks password against a stored hash produced by
// HashPassword, in constant time over equal-length buffers. Any scheme
// other than "scrypt", or a malformed stored value, always fails closed.
func VerifyPassword(password, stored string) bool {
	var hp hashedPassword
	if err := json.Unmarshal([]byte(stored), &hp); err != nil || hp.Scheme != "scrypt" {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(hp.Salt)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(hp.Hash)
	if err != nil {
		return false
	}
	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}
