// Package dispatch routes admitted requests to backends in gateway and
// pass-through modes.
package dispatch

import (
	"net/http"
)

// ResultKind discriminates GatewayResult.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultRouteNotFound
	ResultServiceNotFound
	ResultReservedPath
	ResultBadRequest
	ResultUnauthorized
	ResultForbidden
	ResultRateLimited
	ResultError
)

// GatewayResult is the terminal outcome of dispatching one request.
type GatewayResult struct {
	Kind       ResultKind
	StatusCode int         // backend status, Success only
	Headers    http.Header // backend headers, Success only
	Body       []byte      // backend body, Success only
	Reason     string
	RetryAfter int // seconds, RateLimited only
}

func success(status int, headers http.Header, body []byte) GatewayResult {
	return GatewayResult{Kind: ResultSuccess, StatusCode: status, Headers: headers, Body: body}
}

func routeNotFound() GatewayResult {
	return GatewayResult{Kind: ResultRouteNotFound, Reason: "No route found"}
}

func serviceNotFound(serviceID string) GatewayResult {
	return GatewayResult{Kind: ResultServiceNotFound, Reason: "Service not found: " + serviceID}
}

func reservedPath(segment string) GatewayResult {
	return GatewayResult{Kind: ResultReservedPath, Reason: "Reserved path: /" + segment}
}

func badRequest(reason string) GatewayResult {
	return GatewayResult{Kind: ResultBadRequest, Reason: reason}
}

func unauthorized(reason string) GatewayResult {
	return GatewayResult{Kind: ResultUnauthorized, Reason: reason}
}

func forbidden(reason string) GatewayResult {
	return GatewayResult{Kind: ResultForbidden, Reason: reason}
}

func rateLimited(retryAfter int) GatewayResult {
	return GatewayResult{Kind: ResultRateLimited, Reason: "Rate limit exceeded", RetryAfter: retryAfter}
}

func upstreamError(reason string) GatewayResult {
	return GatewayResult{Kind: ResultError, Reason: reason}
}

// HTTPStatus maps the result to the status the client sees. Success
// keeps the backend's status.
func (g GatewayResult) HTTPStatus() int {
	switch g.Kind {
	case ResultSuccess:
		return g.StatusCode
	case ResultRouteNotFound, ResultServiceNotFound, ResultReservedPath:
		return http.StatusNotFound
	case ResultBadRequest:
		return http.StatusBadRequest
	case ResultUnauthorized:
		return http.StatusUnauthorized
	case ResultForbidden:
		return http.StatusForbidden
	case ResultRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// outcome is the low-cardinality label recorded per result.
func (g GatewayResult) outcome() string {
	switch g.Kind {
	case ResultSuccess:
		return "success"
	case ResultRouteNotFound:
		return "route_not_found"
	case ResultServiceNotFound:
		return "service_not_found"
	case ResultReservedPath:
		return "reserved_path"
	case ResultBadRequest:
		return "bad_request"
	case ResultUnauthorized:
		return "unauthorized"
	case ResultForbidden:
		return "forbidden"
	case ResultRateLimited:
		return "rate_limited"
	default:
		return "error"
	}
}
