package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/logging"
)

// Store indexes decrypted API-key records by key hash for admin-API
// authentication. Records are loaded once at startup; a blob that fails
// to decrypt is logged and skipped rather than failing the boot.
type Store struct {
	codec   *Codec
	records map[string]Record
}

// NewStore decrypts the configured blobs and builds the hash index.
func NewStore(codec *Codec, blobs []string) *Store {
	s := &Store{codec: codec, records: make(map[string]Record, len(blobs))}
	for _, blob := range blobs {
		rec, err := codec.Decrypt(blob)
		if err != nil {
			logging.Warn("skipping undecryptable API-key record", zap.Error(err))
			continue
		}
		s.records[rec.KeyHash] = rec
	}
	return s
}

// HashKey computes the stored form of a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Lookup resolves a presented raw key to its record. Expired records are
// treated as absent.
func (s *Store) Lookup(raw string) (Record, bool) {
	rec, ok := s.records[HashKey(raw)]
	if !ok {
		return Record{}, false
	}
	if rec.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, rec.ExpiresAt)
		if err != nil || time.Now().After(exp) {
			return Record{}, false
		}
	}
	return rec, true
}

// RoleList splits the record's comma-separated roles.
func (r Record) RoleList() []string {
	if r.Roles == "" {
		return nil
	}
	parts := strings.Split(r.Roles, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// Len reports how many records loaded successfully.
func (s *Store) Len() int { return len(s.records) }
