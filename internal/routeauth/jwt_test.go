package routeauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/jwks"
)

func jwksServer(t *testing.T, keys map[string]*rsa.PrivateKey) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rendered []json.RawMessage
		for kid, priv := range keys {
			key, err := jwk.FromRaw(priv.Public())
			if err != nil {
				t.Fatal(err)
			}
			key.Set(jwk.KeyIDKey, kid)
			raw, err := json.Marshal(key)
			if err != nil {
				t.Fatal(err)
			}
			rendered = append(rendered, raw)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": rendered})
	}))
}

func signRS256(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func bearerClaims(issuer string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":    "user-7",
		"iss":    issuer,
		"groups": []any{"platform"},
		"iat":    time.Now().Unix(),
		"exp":    time.Now().Add(time.Minute).Unix(),
	}
}

func newJWKSValidator(t *testing.T, uri string) *JWKSValidator {
	t.Helper()
	return NewJWKSValidator(jwks.NewCache(nil, time.Hour), config.AuthConfig{
		JWKSURI: uri,
		Issuer:  "https://idp.example.com",
	})
}

func TestJWKSValidatorAccepts(t *testing.T) {
	priv := rsaKey(t)
	srv := jwksServer(t, map[string]*rsa.PrivateKey{"k1": priv})
	defer srv.Close()

	v := newJWKSValidator(t, srv.URL)
	token := signRS256(t, priv, "k1", bearerClaims("https://idp.example.com"))

	res, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Subject != "user-7" {
		t.Fatalf("validation = %+v", res)
	}
	if _, ok := res.Claims["groups"]; !ok {
		t.Error("groups claim not carried over")
	}
}

func TestJWKSValidatorRejects(t *testing.T) {
	priv := rsaKey(t)
	other := rsaKey(t)
	srv := jwksServer(t, map[string]*rsa.PrivateKey{"k1": priv})
	defer srv.Close()

	expired := bearerClaims("https://idp.example.com")
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, bearerClaims("https://idp.example.com"))
	hs.Header["kid"] = "k1"
	hsToken, err := hs.SignedString([]byte("gateway-signing-key"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"wrong issuer", signRS256(t, priv, "k1", bearerClaims("https://evil.example.com"))},
		{"expired", signRS256(t, priv, "k1", expired)},
		{"wrong key", signRS256(t, other, "k1", bearerClaims("https://idp.example.com"))},
		{"symmetric alg", hsToken},
		{"garbage", "not-a-token"},
	}
	v := newJWKSValidator(t, srv.URL)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(context.Background(), tt.token)
			if err != nil {
				t.Fatal(err)
			}
			if res.Valid {
				t.Error("token accepted")
			}
			if res.Reason == "" {
				t.Error("no rejection reason")
			}
		})
	}
}

func TestJWKSValidatorRefreshesOnUnknownKid(t *testing.T) {
	k1, k2 := rsaKey(t), rsaKey(t)
	keys := map[string]*rsa.PrivateKey{"k1": k1}
	srv := jwksServer(t, keys)
	defer srv.Close()

	v := newJWKSValidator(t, srv.URL)

	// Warm the cache with only k1 published.
	res, err := v.Validate(context.Background(), signRS256(t, k1, "k1", bearerClaims("https://idp.example.com")))
	if err != nil || !res.Valid {
		t.Fatalf("warm-up: %v %+v", err, res)
	}

	// Rotate: publish k2, then present a k2-signed token. The cached set
	// lacks k2, so the validator must force a refresh.
	keys["k2"] = k2
	res, err = v.Validate(context.Background(), signRS256(t, k2, "k2", bearerClaims("https://idp.example.com")))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("rotated key rejected: %+v", res)
	}
}

func TestJWKSValidatorInfraFailure(t *testing.T) {
	v := newJWKSValidator(t, "http://127.0.0.1:1/jwks.json")
	priv := rsaKey(t)
	_, err := v.Validate(context.Background(), signRS256(t, priv, "k1", bearerClaims("https://idp.example.com")))
	if err == nil {
		t.Fatal("expected infrastructure error")
	}
}

func TestHS256IssuerMintsForwardToken(t *testing.T) {
	issuer := NewHS256Issuer(config.AuthConfig{SigningKey: "gateway-signing-key", SessionTokenTTL: time.Minute})

	signed, err := issuer.Issue(context.Background(), "user-7", map[string]any{
		"groups": []string{"platform"},
		"sub":    "spoofed", // reserved, must not override
	})
	if err != nil {
		t.Fatal(err)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(t *jwt.Token) (any, error) {
		return []byte("gateway-signing-key"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatal(err)
	}
	if claims["sub"] != "user-7" {
		t.Errorf("sub = %v", claims["sub"])
	}
	if claims["iss"] != "aussie-gateway" {
		t.Errorf("iss = %v", claims["iss"])
	}
	if _, ok := claims["groups"]; !ok {
		t.Error("groups claim missing")
	}
}

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore(16, time.Hour)
	store.Put(&Session{ID: "s1", Subject: "user-7", ExpiresAt: time.Now().Add(time.Hour)})

	sess, err := store.Get(context.Background(), "s1")
	if err != nil || sess == nil || sess.Subject != "user-7" {
		t.Fatalf("get = %+v, %v", sess, err)
	}

	if sess, _ := store.Get(context.Background(), "absent"); sess != nil {
		t.Error("absent session returned")
	}

	store.Put(&Session{ID: "s2", Subject: "user-7", ExpiresAt: time.Now().Add(-time.Second)})
	if sess, _ := store.Get(context.Background(), "s2"); sess != nil {
		t.Error("expired session returned")
	}

	store.Delete("s1")
	if sess, _ := store.Get(context.Background(), "s1"); sess != nil {
		t.Error("deleted session returned")
	}
}
