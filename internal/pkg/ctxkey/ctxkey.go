// Package ctxkey holds the typed context keys the middleware chain uses
// to hand request-scoped values to handlers and services.
package ctxkey

type contextKey string

const (
	// RequestID is the per-request correlation id.
	RequestID contextKey = "request_id"
	// Principal is the authenticated *domain.Principal.
	Principal contextKey = "principal"
	// Claims is the validated *service.Claims of the presented token.
	Claims contextKey = "claims"
	// RawToken is the bearer token exactly as presented.
	RawToken contextKey = "raw_token"
)
