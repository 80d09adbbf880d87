package keystore

import (
	"testing"
	"time"

	"github.com/mwistrand/aussie-sub005/internal/config"
)

func storeBlobs(t *testing.T, codec *Codec, recs ...Record) []string {
	t.Helper()
	blobs := make([]string, 0, len(recs))
	for _, rec := range recs {
		blob, err := codec.Encrypt(rec)
		if err != nil {
			t.Fatal(err)
		}
		blobs = append(blobs, blob)
	}
	return blobs
}

func TestStoreLookup(t *testing.T) {
	codec, err := NewCodec(config.EncryptionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	blobs := storeBlobs(t, codec,
		Record{
			KeyHash:   HashKey("live-key"),
			Subject:   "team-platform",
			Roles:     "service.config.create, service.config.update",
			ExpiresAt: time.Now().Add(time.Hour).Format(time.RFC3339),
		},
		Record{
			KeyHash:   HashKey("expired-key"),
			Subject:   "team-legacy",
			ExpiresAt: time.Now().Add(-time.Hour).Format(time.RFC3339),
		},
		Record{KeyHash: HashKey("eternal-key"), Subject: "team-core"},
	)
	store := NewStore(codec, blobs)
	if store.Len() != 3 {
		t.Fatalf("loaded %d records", store.Len())
	}

	rec, ok := store.Lookup("live-key")
	if !ok || rec.Subject != "team-platform" {
		t.Fatalf("lookup = %+v, %v", rec, ok)
	}
	roles := rec.RoleList()
	if len(roles) != 2 || roles[1] != "service.config.update" {
		t.Errorf("roles = %v", roles)
	}

	if _, ok := store.Lookup("expired-key"); ok {
		t.Error("expired key accepted")
	}
	if _, ok := store.Lookup("wrong-key"); ok {
		t.Error("unknown key accepted")
	}
	if _, ok := store.Lookup("eternal-key"); !ok {
		t.Error("key without expiry rejected")
	}
}

func TestStoreSkipsBadBlobs(t *testing.T) {
	codec, err := NewCodec(config.EncryptionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	blobs := storeBlobs(t, codec, Record{KeyHash: HashKey("good"), Subject: "ok"})
	store := NewStore(codec, append(blobs, "%%not-a-blob%%"))
	if store.Len() != 1 {
		t.Fatalf("loaded %d records", store.Len())
	}
	if _, ok := store.Lookup("good"); !ok {
		t.Error("good record lost")
	}
}
