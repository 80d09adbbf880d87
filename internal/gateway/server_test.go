package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/dispatch"
	"github.com/mwistrand/aussie-sub005/internal/keystore"
	"github.com/mwistrand/aussie-sub005/internal/registry"
	"github.com/mwistrand/aussie-sub005/internal/validate"
)

type okProxy struct{ body string }

func (p okProxy) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(p.body)),
	}, nil
}

func newServer(t *testing.T, regs ...*registry.ServiceRegistration) *Server {
	t.Helper()
	reg := registry.New(registry.Options{Repository: registry.NewMemoryRepository(), Policy: registry.Policy{AllowPublicDefault: true}})
	for _, r := range regs {
		r.Version = 1
		if _, err := reg.Register(context.Background(), r, nil); err != nil {
			t.Fatal(err)
		}
	}
	return New(Options{
		Config:     config.ServerConfig{RuntimePrefix: "/q"},
		Bootstrap:  config.BootstrapConfig{Enabled: true, Key: "bootstrap-key"},
		Dispatcher: dispatch.New(dispatch.Options{Registry: reg, Proxy: okProxy{body: "upstream"}}),
		Registry:   reg,
		Sizes:      validate.NewSizeValidator(config.LimitsConfig{MaxBodySize: 1024, MaxHeaderSize: 1024, MaxTotalHeadersSize: 8192}),
	})
}

func publicService() *registry.ServiceRegistration {
	return &registry.ServiceRegistration{
		ServiceID:         "orders",
		BaseURL:           "http://backend:7001",
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints:         []registry.EndpointConfig{{Path: "/api/list", Methods: []string{"GET"}}},
	}
}

func TestRuntimeEndpoints(t *testing.T) {
	s := newServer(t)
	for _, path := range []string{"/q/health", "/q/ready"} {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, w.Code)
		}
	}
}

func TestGatewayRouting(t *testing.T) {
	s := newServer(t, publicService())

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/gateway/api/list", nil))
	if w.Code != http.StatusOK || w.Body.String() != "upstream" {
		t.Errorf("gateway: %d %q", w.Code, w.Body.String())
	}

	// Unknown route under /gateway is a problem document, not
	// pass-through.
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/gateway/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown gateway route: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "problem+json") {
		t.Errorf("content type = %q", ct)
	}
}

func TestPassThroughRouting(t *testing.T) {
	s := newServer(t, publicService())

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/orders/anything", nil))
	if w.Code != http.StatusOK {
		t.Errorf("pass-through: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/missing/anything", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown service: %d", w.Code)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	s := newServer(t, publicService())
	r := httptest.NewRequest("POST", "/orders/upload", nil)
	r.Header.Set("Content-Length", "2048")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestAdminLifecycle(t *testing.T) {
	s := newServer(t)

	body, _ := json.Marshal(&registry.ServiceRegistration{
		ServiceID:         "billing",
		BaseURL:           "http://backend:7009",
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints:         []registry.EndpointConfig{{Path: "/api/x", Methods: []string{"GET"}}},
		Version:           1,
	})

	// Without credentials.
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/admin/services", bytes.NewReader(body)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated register: %d", w.Code)
	}

	// With the bootstrap key.
	r := httptest.NewRequest("POST", "/admin/services", bytes.NewReader(body))
	r.Header.Set("X-Admin-Key", "bootstrap-key")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}

	r = httptest.NewRequest("GET", "/admin/services/billing", nil)
	r.Header.Set("X-Admin-Key", "bootstrap-key")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "billing") {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}

	r = httptest.NewRequest("DELETE", "/admin/services/billing", nil)
	r.Header.Set("X-Admin-Key", "bootstrap-key")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "true") {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}

	// Admin paths never fall through to pass-through dispatch.
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/admin/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown admin path: %d", w.Code)
	}
}

func TestBootstrapKeyExpiry(t *testing.T) {
	s := newServer(t)
	s.startedAt = time.Now().Add(-25 * time.Hour)

	r := httptest.NewRequest("GET", "/admin/services", nil)
	r.Header.Set("X-Admin-Key", "bootstrap-key")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expired bootstrap key: %d", w.Code)
	}

	// Recovery mode keeps the key alive past its TTL.
	s.bootstrap.RecoveryMode = true
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("recovery mode: %d", w.Code)
	}
}

func TestAdminAPIKeyPermissions(t *testing.T) {
	codec, err := keystore.NewCodec(config.EncryptionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	blob, err := codec.Encrypt(keystore.Record{
		KeyHash: keystore.HashKey("scoped-key"),
		Subject: "team-platform",
		Roles:   registry.PermServiceCreate,
	})
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New(registry.Options{Repository: registry.NewMemoryRepository(), Policy: registry.Policy{AllowPublicDefault: true}})
	s := New(Options{
		Config:     config.ServerConfig{RuntimePrefix: "/q"},
		Dispatcher: dispatch.New(dispatch.Options{Registry: reg, Proxy: okProxy{}}),
		Registry:   reg,
		AdminKeys:  keystore.NewStore(codec, []string{blob}),
	})

	svc := publicService()
	svc.Version = 1
	body, _ := json.Marshal(svc)
	r := httptest.NewRequest("POST", "/admin/services", bytes.NewReader(body))
	r.Header.Set("X-Admin-Key", "scoped-key")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("create with scoped key: %d %s", w.Code, w.Body.String())
	}

	// The key lacks delete permission.
	r = httptest.NewRequest("DELETE", "/admin/services/orders", nil)
	r.Header.Set("X-Admin-Key", "scoped-key")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("delete with scoped key: %d %s", w.Code, w.Body.String())
	}
}

func TestVersionConflictOverAdminAPI(t *testing.T) {
	s := newServer(t, publicService())

	update := publicService()
	update.Version = 1 // stored is 1; must be 2
	body, _ := json.Marshal(update)

	r := httptest.NewRequest("PUT", "/admin/services/orders", bytes.NewReader(body))
	r.Header.Set("X-Admin-Key", "bootstrap-key")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Version conflict: expected 2") {
		t.Errorf("body = %s", w.Body.String())
	}
}
