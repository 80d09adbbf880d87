package routeauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/jwks"
)

// bearerSigningMethods are the algorithms accepted on inbound bearer
// tokens. Symmetric algorithms are excluded; those are for tokens the
// gateway mints itself.
var bearerSigningMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// JWKSValidator verifies bearer tokens against the identity provider's
// published key set.
type JWKSValidator struct {
	cache    *jwks.Cache
	uri      string
	issuer   string
	audience string
}

// NewJWKSValidator builds a validator over a shared JWKS cache.
func NewJWKSValidator(cache *jwks.Cache, cfg config.AuthConfig) *JWKSValidator {
	return &JWKSValidator{
		cache:    cache,
		uri:      cfg.JWKSURI,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
}

// Validate parses and verifies the token. A token signed with an unknown
// key ID triggers one forced key-set refresh before failing, so normal
// key rotation does not bounce callers. Infrastructure failures (key set
// unreachable) return an error; a bad token returns an invalid Validation.
func (v *JWKSValidator) Validate(ctx context.Context, token string) (*Validation, error) {
	keyFunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no key ID")
		}
		key, err := v.lookupKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(bearerSigningMethods)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc, opts...)
	if err != nil {
		var fe *jwks.FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return &Validation{Valid: false, Reason: "Token validation failed: " + err.Error()}, nil
	}

	subject, _ := parsed.Claims.GetSubject()
	return &Validation{
		Valid:   true,
		Subject: subject,
		Claims:  map[string]any(claims),
	}, nil
}

// lookupKey resolves a key ID from the cached set, refreshing once when
// the ID is absent.
func (v *JWKSValidator) lookupKey(ctx context.Context, kid string) (any, error) {
	set, err := v.cache.GetKeySet(ctx, v.uri)
	if err != nil {
		return nil, err
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		if set, err = v.cache.Refresh(ctx, v.uri); err != nil {
			return nil, err
		}
		if key, ok = set.LookupKeyID(kid); !ok {
			return nil, fmt.Errorf("unknown key ID %q", kid)
		}
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("materialize key %q: %w", kid, err)
	}
	return raw, nil
}

// HS256Issuer mints internal forward tokens carrying the validated
// subject plus expanded claims, signed with the gateway's own key.
type HS256Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// NewHS256Issuer creates an issuer from the signing config. The token
// lifetime reuses the session-token TTL.
func NewHS256Issuer(cfg config.AuthConfig) *HS256Issuer {
	ttl := cfg.SessionTokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &HS256Issuer{key: []byte(cfg.SigningKey), issuer: "aussie-gateway", ttl: ttl}
}

// Issue signs a forward token for the upstream service.
func (i *HS256Issuer) Issue(ctx context.Context, subject string, claims map[string]any) (string, error) {
	now := time.Now()
	mc := jwt.MapClaims{
		"sub": subject,
		"iss": i.issuer,
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
	}
	for k, v := range claims {
		switch k {
		case "sub", "iss", "iat", "exp":
		default:
			mc[k] = v
		}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(i.key)
}
