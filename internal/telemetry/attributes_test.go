package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/mwistrand/aussie-sub005/internal/config"
)

func TestExtractAttribution(t *testing.T) {
	t.Setenv("AUSSIE_ENVIRONMENT", "staging")
	e := NewExtractor(config.AttributionConfig{
		Enabled:         true,
		TeamHeader:      "X-Team-ID",
		TenantHeader:    "X-Tenant-ID",
		ClientAppHeader: "X-Client-Application",
		EnvironmentVar:  "AUSSIE_ENVIRONMENT",
	})

	r := httptest.NewRequest("GET", "/orders/api", nil)
	r.Header.Set("X-Team-ID", "payments")
	r.Header.Set("X-Tenant-ID", "acme")

	got := e.Extract(r)
	if got.Team != "payments" || got.Tenant != "acme" {
		t.Errorf("attribution = %+v", got)
	}
	if got.ClientApp != "unknown" {
		t.Errorf("missing header should yield unknown, got %q", got.ClientApp)
	}
	if got.Environment != "staging" {
		t.Errorf("environment = %q, want staging", got.Environment)
	}
}

func TestExtractAttributionDisabled(t *testing.T) {
	t.Setenv("AUSSIE_ENVIRONMENT", "staging")
	e := NewExtractor(config.AttributionConfig{
		Enabled:        false,
		TeamHeader:     "X-Team-ID",
		EnvironmentVar: "AUSSIE_ENVIRONMENT",
	})

	r := httptest.NewRequest("GET", "/orders/api", nil)
	r.Header.Set("X-Team-ID", "payments")

	got := e.Extract(r)
	want := Attribution{Team: "unknown", Tenant: "unknown", ClientApp: "unknown", Environment: "unknown"}
	if got != want {
		t.Errorf("disabled extractor = %+v, want all unknown", got)
	}
}

func TestExtractAttributionDefaultsUnknown(t *testing.T) {
	e := NewExtractor(config.AttributionConfig{})
	got := e.Extract(httptest.NewRequest("GET", "/x", nil))
	want := Attribution{Team: "unknown", Tenant: "unknown", ClientApp: "unknown", Environment: "unknown"}
	if got != want {
		t.Errorf("attribution = %+v, want all unknown", got)
	}
}
