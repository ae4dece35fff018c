package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/manthysbr/sceneforge/internal/core/domain"
)

// Sealed values are "enc:" followed by base64url(nonce || AES-256-GCM ciphertext).
// The dotted field path is the additional data, so a value sealed for one field
// does not open in another.
const sealedPrefix = "enc:"

// secretFields are the config values that may be stored sealed.
func secretFields(cfg *domain.AppConfig) map[string]*string {
	return map[string]*string{
		"store.dsn":               &cfg.Store.DSN,
		"providers.llm.api_key":   &cfg.Providers.LLM.APIKey,
		"providers.image.api_key": &cfg.Providers.Image.APIKey,
	}
}

// SecretKey seals and opens secret config values.
type SecretKey struct {
	aead cipher.AEAD
}

// LoadSecretKey derives the key from SCENEFORGE_SECRET_KEY, or from the contents of
// the file named by SCENEFORGE_SECRET_KEY_FILE. With neither set it returns nil:
// plain configs still load, sealed ones are refused.
func LoadSecretKey() (*SecretKey, error) {
	if pass := os.Getenv(EnvSecretKey); pass != "" {
		return newSecretKey([]byte(pass))
	}
	path := os.Getenv(EnvSecretKeyFile)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret key file: %w", err)
	}
	return newSecretKey(bytes.TrimSpace(raw))
}

func newSecretKey(material []byte) (*SecretKey, error) {
	if len(material) == 0 {
		return nil, errors.New("secret key is empty")
	}
	sum := sha256.Sum256(material)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("secret key cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret key cipher: %w", err)
	}
	return &SecretKey{aead: aead}, nil
}

// Seal returns the stored form of plaintext for the named config field.
func (k *SecretKey) Seal(field, plaintext string) (string, error) {
	if _, ok := secretFields(domain.DefaultConfig())[field]; !ok {
		return "", fmt.Errorf("seal: %q is not a secret field", field)
	}
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal %s: %w", field, err)
	}
	out := k.aead.Seal(nonce, nonce, []byte(plaintext), []byte(field))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

func (k *SecretKey) open(field, value string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%s: malformed sealed value: %w", field, err)
	}
	n := k.aead.NonceSize()
	if len(raw) < n+k.aead.Overhead() {
		return "", fmt.Errorf("%s: sealed value is truncated", field)
	}
	plain, err := k.aead.Open(nil, raw[:n], raw[n:], []byte(field))
	if err != nil {
		return "", fmt.Errorf("%s: wrong key or value sealed for another field", field)
	}
	return string(plain), nil
}

// unsealSecrets replaces each sealed secret of cfg with its plaintext.
func unsealSecrets(cfg *domain.AppConfig, key *SecretKey) error {
	for field, v := range secretFields(cfg) {
		if !strings.HasPrefix(*v, sealedPrefix) {
			continue
		}
		if key == nil {
			return fmt.Errorf("%s is sealed but %s is not set", field, EnvSecretKey)
		}
		plain, err := key.open(field, *v)
		if err != nil {
			return err
		}
		*v = plain
	}
	return nil
}

// redactKey keeps the last four characters of an API key.
func redactKey(s string) string {
	if len(s) <= 8 {
		if s == "" {
			return ""
		}
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// redactDSN hides the password of a URL-style DSN and everything of any other form.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "****"
	}
	return u.Redacted()
}
