package validate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mwistrand/aussie-sub005/internal/config"
)

func sizeRequest(contentLength string, headers map[string]string) *http.Request {
	r := httptest.NewRequest("POST", "/orders/api", nil)
	if contentLength != "" {
		r.Header.Set("Content-Length", contentLength)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestBodySize(t *testing.T) {
	v := NewSizeValidator(config.LimitsConfig{MaxBodySize: 100})

	tests := []struct {
		name          string
		contentLength string
		wantStatus    int // 0 = accepted
	}{
		{"under limit", "99", 0},
		{"exactly at limit", "100", 0},
		{"one over", "101", http.StatusRequestEntityTooLarge},
		{"missing treated as zero", "", 0},
		{"invalid treated as zero", "not-a-number", 0},
		{"negative treated as zero", "-5", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Check(sizeRequest(tt.contentLength, nil))
			switch {
			case tt.wantStatus == 0 && err != nil:
				t.Errorf("rejected with %d, want accept", err.Status)
			case tt.wantStatus != 0 && (err == nil || err.Status != tt.wantStatus):
				t.Errorf("err = %v, want status %d", err, tt.wantStatus)
			}
		})
	}
}

func TestSingleHeaderSize(t *testing.T) {
	// "X-Data: " is 8 bytes; a 24-byte value gives exactly 32.
	v := NewSizeValidator(config.LimitsConfig{MaxHeaderSize: 32})

	at := sizeRequest("", map[string]string{"X-Data": strings.Repeat("a", 24)})
	if err := v.Check(at); err != nil {
		t.Errorf("header exactly at limit rejected: %v", err)
	}

	over := sizeRequest("", map[string]string{"X-Data": strings.Repeat("a", 25)})
	err := v.Check(over)
	if err == nil || err.Status != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("err = %v, want 431", err)
	}
}

func TestTotalHeadersSize(t *testing.T) {
	v := NewSizeValidator(config.LimitsConfig{MaxTotalHeadersSize: 40})

	ok := sizeRequest("", map[string]string{"X-A": "1234"}) // 9 bytes
	if err := v.Check(ok); err != nil {
		t.Errorf("small headers rejected: %v", err)
	}

	big := sizeRequest("", map[string]string{
		"X-A": strings.Repeat("a", 20),
		"X-B": strings.Repeat("b", 20),
	})
	err := v.Check(big)
	if err == nil || err.Status != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("err = %v, want 431", err)
	}
}
