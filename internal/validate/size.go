// Package validate enforces request size caps before any routing work.
package validate

import (
	"net/http"
	"strconv"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/gwerrors"
)

// SizeValidator rejects oversized bodies with 413 and oversized headers
// with 431.
type SizeValidator struct {
	maxBody         int64
	maxHeader       int
	maxTotalHeaders int
}

// NewSizeValidator creates a validator from the configured limits.
func NewSizeValidator(cfg config.LimitsConfig) *SizeValidator {
	return &SizeValidator{
		maxBody:         cfg.MaxBodySize,
		maxHeader:       cfg.MaxHeaderSize,
		maxTotalHeaders: cfg.MaxTotalHeadersSize,
	}
}

// Check returns nil when the request fits every limit. A missing or
// invalid Content-Length counts as a zero-length body.
func (v *SizeValidator) Check(r *http.Request) *gwerrors.GatewayError {
	if v.maxBody > 0 && bodyLength(r) > v.maxBody {
		return gwerrors.ErrPayloadTooLarge
	}

	total := 0
	for name, values := range r.Header {
		for _, value := range values {
			// Size of the header as it appears on the wire: name,
			// separator, value, in UTF-8 bytes.
			size := len(name) + len(": ") + len(value)
			if v.maxHeader > 0 && size > v.maxHeader {
				return gwerrors.ErrHeadersTooLarge
			}
			total += size
		}
	}
	if v.maxTotalHeaders > 0 && total > v.maxTotalHeaders {
		return gwerrors.ErrHeadersTooLarge
	}
	return nil
}

func bodyLength(r *http.Request) int64 {
	cl := r.Header.Get("Content-Length")
	if cl == "" {
		if r.ContentLength > 0 {
			return r.ContentLength
		}
		return 0
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
