// Package routeauth decides whether a matched request is allowed to carry
// on to the backend, translating inbound credentials into a forward token.
package routeauth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/gwerrors"
	"github.com/mwistrand/aussie-sub005/internal/logging"
	"github.com/mwistrand/aussie-sub005/internal/metrics"
	"github.com/mwistrand/aussie-sub005/internal/registry"
)

const bearerPrefix = "Bearer "

// Outcome discriminates the authentication result.
type Outcome int

const (
	// OutcomeNotRequired means the endpoint does not require credentials.
	OutcomeNotRequired Outcome = iota
	// OutcomeAuthenticated carries a forward token for the backend.
	OutcomeAuthenticated
	// OutcomeDenied carries the error to return to the caller.
	OutcomeDenied
)

// Result is the outcome of authenticating one request.
type Result struct {
	Outcome   Outcome
	Token     string
	SessionID string
	Subject   string
	Denial    *gwerrors.GatewayError
}

// Session is a server-side login session.
type Session struct {
	ID        string
	Subject   string
	Claims    map[string]any
	ExpiresAt time.Time
}

// SessionStore looks up sessions by ID. A missing session returns
// (nil, nil).
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
}

// Validation is the verdict of the external token validator.
type Validation struct {
	Valid   bool
	Reason  string
	Subject string
	Claims  map[string]any
}

// TokenValidator verifies an inbound bearer token.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Validation, error)
}

// TokenIssuer exchanges a validated subject for an internal forward token
// with group and role expansion.
type TokenIssuer interface {
	Issue(ctx context.Context, subject string, claims map[string]any) (string, error)
}

// Authenticator implements the per-route authentication decision.
type Authenticator struct {
	cookieName string
	tokenTTL   time.Duration
	signingKey []byte

	sessions  SessionStore
	validator TokenValidator
	issuer    TokenIssuer
	metrics   *metrics.Collector
}

// New creates an Authenticator. Any of sessions, validator and issuer may
// be nil, disabling the corresponding credential path.
func New(session config.SessionConfig, auth config.AuthConfig, sessions SessionStore, validator TokenValidator, issuer TokenIssuer, m *metrics.Collector) *Authenticator {
	cookieName := session.Cookie.Name
	if cookieName == "" {
		cookieName = "aussie_session"
	}
	ttl := auth.SessionTokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Authenticator{
		cookieName: cookieName,
		tokenTTL:   ttl,
		signingKey: []byte(auth.SigningKey),
		sessions:   sessions,
		validator:  validator,
		issuer:     issuer,
		metrics:    m,
	}
}

// Authenticate applies the decision procedure to a matched request.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, match *registry.RouteMatch) Result {
	if match != nil && match.Endpoint != nil && !match.Endpoint.EffectiveAuthRequired(match.Service) {
		return Result{Outcome: OutcomeNotRequired}
	}
	serviceID := ""
	if match != nil && match.Service != nil {
		serviceID = match.Service.ServiceID
	}

	bearer := bearerToken(r)
	cookie := a.sessionCookie(r)

	switch {
	case bearer != "" && cookie != "":
		a.recordFailure(serviceID, "ambiguous_credentials")
		return denied(gwerrors.ErrBadRequest.WithDetail("Only one authentication method allowed"))
	case cookie != "":
		return a.authenticateSession(ctx, serviceID, cookie)
	case bearer != "":
		return a.authenticateBearer(ctx, serviceID, bearer)
	default:
		a.recordFailure(serviceID, "missing_credentials")
		return denied(gwerrors.ErrUnauthorized.WithDetail("Authentication required"))
	}
}

func (a *Authenticator) authenticateSession(ctx context.Context, serviceID, sessionID string) Result {
	if a.sessions == nil {
		a.recordFailure(serviceID, "sessions_disabled")
		return denied(gwerrors.ErrUnauthorized.WithDetail("Session invalid or expired"))
	}
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		logging.Error("session lookup failed", zap.Error(err))
		a.recordFailure(serviceID, "session_store_error")
		return denied(gwerrors.ErrUnauthorized.WithDetail("Session invalid or expired"))
	}
	if sess == nil || time.Now().After(sess.ExpiresAt) {
		a.recordFailure(serviceID, "session_expired")
		return denied(gwerrors.ErrUnauthorized.WithDetail("Session invalid or expired"))
	}

	token, err := a.mintSessionToken(sess)
	if err != nil {
		logging.Error("session token mint failed", zap.Error(err))
		a.recordFailure(serviceID, "token_mint_error")
		return denied(gwerrors.ErrInternalServer.WithDetail("Could not establish identity"))
	}
	if a.metrics != nil {
		a.metrics.RecordAuthSuccess(serviceID, "session")
	}
	return Result{Outcome: OutcomeAuthenticated, Token: token, SessionID: sess.ID, Subject: sess.Subject}
}

func (a *Authenticator) authenticateBearer(ctx context.Context, serviceID, token string) Result {
	if a.validator == nil {
		a.recordFailure(serviceID, "validator_unavailable")
		return denied(gwerrors.ErrUnauthorized.WithDetail("Token validation unavailable"))
	}
	v, err := a.validator.Validate(ctx, token)
	if err != nil {
		logging.Error("token validation failed", zap.Error(err))
		a.recordFailure(serviceID, "validator_error")
		return denied(gwerrors.ErrUnauthorized.WithDetail("Token validation failed"))
	}
	if !v.Valid {
		reason := v.Reason
		if reason == "" {
			reason = "Invalid token"
		}
		a.recordFailure(serviceID, "invalid_token")
		return denied(gwerrors.ErrUnauthorized.WithDetail(reason))
	}

	forward := a.issueForwardToken(ctx, serviceID, v)
	if a.metrics != nil {
		a.metrics.RecordAuthSuccess(serviceID, "bearer")
	}
	return Result{Outcome: OutcomeAuthenticated, Token: forward, Subject: v.Subject}
}

// issueForwardToken asks the issuance service for a group/role expanded
// token and degrades to a minimal self-signed token when that fails.
func (a *Authenticator) issueForwardToken(ctx context.Context, serviceID string, v *Validation) string {
	if a.issuer != nil {
		token, err := a.issuer.Issue(ctx, v.Subject, v.Claims)
		if err == nil {
			if a.metrics != nil {
				a.metrics.RecordTokenTranslation(serviceID, false)
			}
			return token
		}
		logging.Warn("token issuance failed, degrading to minimal token",
			zap.String("service_id", serviceID), zap.Error(err))
		if a.metrics != nil {
			a.metrics.RecordTokenTranslation(serviceID, true)
		}
	}
	minimal, err := a.mintMinimalToken(v)
	if err != nil {
		logging.Error("minimal token mint failed", zap.Error(err))
		return ""
	}
	return minimal
}

func (a *Authenticator) mintSessionToken(sess *Session) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sess.Subject,
		"sid": sess.ID,
		"iat": now.Unix(),
		"exp": now.Add(a.tokenTTL).Unix(),
	}
	for k, v := range sess.Claims {
		if _, taken := claims[k]; !taken {
			claims[k] = v
		}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
}

func (a *Authenticator) mintMinimalToken(v *Validation) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": v.Subject,
		"iat": now.Unix(),
		"exp": now.Add(a.tokenTTL).Unix(),
	}
	for k, val := range v.Claims {
		if _, taken := claims[k]; !taken {
			claims[k] = val
		}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
}

func (a *Authenticator) recordFailure(serviceID, reason string) {
	if a.metrics != nil {
		a.metrics.RecordAuthFailure(serviceID, reason)
	}
}

// bearerToken extracts the Authorization bearer credential. The header
// name is case-insensitive; the "Bearer " prefix is not.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(bearerPrefix):])
}

func (a *Authenticator) sessionCookie(r *http.Request) string {
	c, err := r.Cookie(a.cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func denied(err *gwerrors.GatewayError) Result {
	return Result{Outcome: OutcomeDenied, Denial: err}
}
