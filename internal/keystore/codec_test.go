package keystore

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/mwistrand/aussie-sub005/internal/config"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCodec(config.EncryptionConfig{Key: testKey(), KeyID: "key-1"})
	if err != nil {
		t.Fatal(err)
	}

	rec := Record{KeyHash: "abc123", Subject: "svc-account", Roles: "admin,reader", ExpiresAt: "2027-01-01T00:00:00Z"}
	blob, err := c.Encrypt(rec)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(blob, "PLAIN:") {
		t.Fatal("encrypted blob must not carry the PLAIN prefix")
	}

	got, err := c.Decrypt(blob)
	if err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Errorf("round trip = %+v, want %+v", got, rec)
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	c, err := NewCodec(config.EncryptionConfig{Key: testKey(), KeyID: "key-1"})
	if err != nil {
		t.Fatal(err)
	}
	rec := Record{KeyHash: "abc", Subject: "s"}
	a, _ := c.Encrypt(rec)
	b, _ := c.Encrypt(rec)
	if a == b {
		t.Error("two encryptions of the same record must differ (fresh IV)")
	}
}

func TestPlainFallback(t *testing.T) {
	disabled, err := NewCodec(config.EncryptionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	rec := Record{KeyHash: "abc", Subject: "svc", Roles: "reader", ExpiresAt: ""}
	blob, err := disabled.Encrypt(rec)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(blob, "PLAIN:") {
		t.Fatalf("blob = %q, want PLAIN: prefix", blob)
	}

	// Both a disabled and an enabled codec read the plaintext form.
	for _, c := range []*Codec{disabled} {
		got, err := c.Decrypt(blob)
		if err != nil {
			t.Fatal(err)
		}
		if got != rec {
			t.Errorf("decrypt = %+v, want %+v", got, rec)
		}
	}
	enabled, err := NewCodec(config.EncryptionConfig{Key: testKey(), KeyID: "key-1"})
	if err != nil {
		t.Fatal(err)
	}
	if got, err := enabled.Decrypt(blob); err != nil || got != rec {
		t.Errorf("enabled codec on PLAIN blob: %+v, %v", got, err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	c, err := NewCodec(config.EncryptionConfig{Key: testKey(), KeyID: "key-1"})
	if err != nil {
		t.Fatal(err)
	}

	for _, blob := range []string{"", "%%%", base64.StdEncoding.EncodeToString([]byte{5, 'a'})} {
		if _, err := c.Decrypt(blob); !errors.Is(err, ErrMalformedBlob) {
			t.Errorf("Decrypt(%q) err = %v, want ErrMalformedBlob", blob, err)
		}
	}
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	c, err := NewCodec(config.EncryptionConfig{Key: testKey(), KeyID: "key-1"})
	if err != nil {
		t.Fatal(err)
	}
	blob, err := c.Encrypt(Record{KeyHash: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0xff
	if _, err := c.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Error("tampered ciphertext must not decrypt")
	}
}

func TestDecryptRejectsWrongKeyID(t *testing.T) {
	writer, _ := NewCodec(config.EncryptionConfig{Key: testKey(), KeyID: "key-1"})
	reader, _ := NewCodec(config.EncryptionConfig{Key: testKey(), KeyID: "key-2"})

	blob, err := writer.Encrypt(Record{KeyHash: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reader.Decrypt(blob); !errors.Is(err, ErrUnknownKeyID) {
		t.Errorf("err = %v, want ErrUnknownKeyID", err)
	}
}

func TestNewCodecRejectsBadKeys(t *testing.T) {
	if _, err := NewCodec(config.EncryptionConfig{Key: "not base64 %%"}); err == nil {
		t.Error("invalid base64 key accepted")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := NewCodec(config.EncryptionConfig{Key: short}); err == nil {
		t.Error("short key accepted")
	}
}
