// Package keystore encrypts API-key records at rest with AES-256-GCM.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/mwistrand/aussie-sub005/internal/config"
)

const (
	// plainPrefix marks an unencrypted payload, accepted even when
	// encryption is enabled so existing records survive key rollout.
	plainPrefix = "PLAIN:"

	ivSize  = 12
	tagSize = 16
)

var (
	ErrMalformedBlob = errors.New("keystore: malformed blob")
	ErrUnknownKeyID  = errors.New("keystore: unknown key id")
)

// Record is one stored API-key entry. Serialized fields are joined by a
// NUL byte, so no field may contain one.
type Record struct {
	KeyHash   string
	Subject   string
	Roles     string
	ExpiresAt string
}

func (r Record) serialize() string {
	return strings.Join([]string{r.KeyHash, r.Subject, r.Roles, r.ExpiresAt}, "\x00")
}

func parseRecord(s string) (Record, error) {
	parts := strings.Split(s, "\x00")
	if len(parts) != 4 {
		return Record{}, fmt.Errorf("%w: %d fields", ErrMalformedBlob, len(parts))
	}
	return Record{KeyHash: parts[0], Subject: parts[1], Roles: parts[2], ExpiresAt: parts[3]}, nil
}

// Codec seals and opens records. With no key configured it writes
// PLAIN: payloads and can still read both forms.
type Codec struct {
	keyID string
	aead  cipher.AEAD
}

// NewCodec builds a codec from the encryption config. An empty key
// disables encryption.
func NewCodec(cfg config.EncryptionConfig) (*Codec, error) {
	if cfg.Key == "" {
		return &Codec{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("keystore: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{keyID: cfg.KeyID, aead: aead}, nil
}

// Encrypt seals a record into a Base64 blob laid out as
// [keyIdLen u8][keyId][IV 12B][ciphertext || tag 16B]. Without a key it
// emits the PLAIN: form.
func (c *Codec) Encrypt(rec Record) (string, error) {
	plaintext := rec.serialize()
	if c.aead == nil {
		return plainPrefix + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
	}
	if len(c.keyID) > 255 {
		return "", fmt.Errorf("keystore: key id too long")
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	blob := make([]byte, 0, 1+len(c.keyID)+ivSize+len(plaintext)+tagSize)
	blob = append(blob, byte(len(c.keyID)))
	blob = append(blob, c.keyID...)
	blob = append(blob, iv...)
	blob = c.aead.Seal(blob, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. PLAIN: payloads decode even
// when encryption is disabled or the key differs.
func (c *Codec) Decrypt(blob string) (Record, error) {
	if raw, ok := strings.CutPrefix(blob, plainPrefix); ok {
		plaintext, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
		}
		return parseRecord(string(plaintext))
	}

	if c.aead == nil {
		return Record{}, errors.New("keystore: encrypted blob but encryption disabled")
	}
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if len(data) < 1 {
		return Record{}, ErrMalformedBlob
	}
	idLen := int(data[0])
	if len(data) < 1+idLen+ivSize+tagSize {
		return Record{}, ErrMalformedBlob
	}
	keyID := string(data[1 : 1+idLen])
	if c.keyID != "" && keyID != c.keyID {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownKeyID, keyID)
	}
	iv := data[1+idLen : 1+idLen+ivSize]
	ciphertext := data[1+idLen+ivSize:]

	plaintext, err := c.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	return parseRecord(string(plaintext))
}
