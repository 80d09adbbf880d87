package dispatch

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/mwistrand/aussie-sub005/internal/config"
)

// ProxyClient forwards a prepared request to the backend.
type ProxyClient interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPProxyClient is the production client: a pooled http.Client behind
// an optional circuit breaker and outbound pacer.
type HTTPProxyClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	pacer   *rate.Limiter
}

// NewHTTPProxyClient builds the client from proxy configuration.
func NewHTTPProxyClient(cfg config.ProxyConfig) *HTTPProxyClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		transport.MaxIdleConns = cfg.MaxIdleConns
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
	}

	p := &HTTPProxyClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// Redirects are the backend's business; pass them through.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if cfg.CircuitBreaker.Enabled {
		maxFailures := cfg.CircuitBreaker.MaxFailures
		if maxFailures == 0 {
			maxFailures = 5
		}
		p.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:     "proxy",
			Interval: cfg.CircuitBreaker.Interval,
			Timeout:  cfg.CircuitBreaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
		})
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond)
		}
		p.pacer = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return p
}

// Do implements ProxyClient. Backend 5xx responses are returned as-is;
// only transport failures count against the breaker.
func (p *HTTPProxyClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if p.pacer != nil {
		if err := p.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req = req.WithContext(ctx)
	if p.breaker == nil {
		return p.client.Do(req)
	}
	return p.breaker.Execute(func() (*http.Response, error) {
		return p.client.Do(req)
	})
}
