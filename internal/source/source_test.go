package source

import (
	"net/http/httptest"
	"testing"
)

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:    "xff first hop wins",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50, 10.0.0.1", "X-Real-IP": "192.0.2.1"},
			remote:  "127.0.0.1:5000",
			want:    "203.0.113.50",
		},
		{
			name:    "forwarded for pair",
			headers: map[string]string{"Forwarded": `for=192.0.2.60;proto=http;by=203.0.113.43`},
			remote:  "127.0.0.1:5000",
			want:    "192.0.2.60",
		},
		{
			name:    "forwarded quoted ipv6 with port",
			headers: map[string]string{"Forwarded": `for="[2001:db8::1]:4711"`},
			remote:  "127.0.0.1:5000",
			want:    "2001:db8::1",
		},
		{
			name:    "x-real-ip fallback",
			headers: map[string]string{"X-Real-IP": "198.51.100.7"},
			remote:  "127.0.0.1:5000",
			want:    "198.51.100.7",
		},
		{
			name:   "peer host fallback",
			remote: "198.51.100.9:61234",
			want:   "198.51.100.9",
		},
		{
			name:    "obfuscated forwarded identifier skipped",
			headers: map[string]string{"Forwarded": `for=_hidden`, "X-Real-IP": "198.51.100.7"},
			remote:  "127.0.0.1:5000",
			want:    "198.51.100.7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/x", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := FromRequest(r).IP; got != tt.want {
				t.Errorf("IP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractHost(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		host    string
		want    string
	}{
		{
			name:    "x-forwarded-host wins",
			headers: map[string]string{"X-Forwarded-Host": "api.example.com:443", "Forwarded": `host=other.example.com`},
			host:    "gw.internal:8080",
			want:    "api.example.com",
		},
		{
			name:    "forwarded host pair",
			headers: map[string]string{"Forwarded": `for=192.0.2.60;host="app.example.com"`},
			host:    "gw.internal:8080",
			want:    "app.example.com",
		},
		{
			name: "request host with port stripped",
			host: "gw.internal:8080",
			want: "gw.internal",
		},
		{
			name: "request host without port",
			host: "gw.internal",
			want: "gw.internal",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/x", nil)
			r.Host = tt.host
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := FromRequest(r).Host; got != tt.want {
				t.Errorf("Host = %q, want %q", got, tt.want)
			}
		})
	}
}
