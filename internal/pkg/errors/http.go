package errors

import (
	"net/http"
	"strings"
)

// ExternalCode renders the stable code clients see in error.code: the
// machine reason lowercased ("REVOKED" -> "revoked").
func ExternalCode(err error) string {
	r := Reason(err)
	if r == "" {
		return "internal"
	}
	return strings.ToLower(r)
}

// Client-facing error taxonomy. Every non-2xx response body carries one
// of these in error.type.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypePermission     = "permission_error"
	TypeRateLimit      = "rate_limit_error"
	TypeNoCapacity     = "no_capacity_error"
	TypeBackend        = "backend_error"
	TypeServer         = "server_error"
)

// reasonTypes pins taxonomy types for reasons whose HTTP code alone is
// ambiguous (several 5xx reasons share a code).
var reasonTypes = map[string]string{
	"QUEUE_FULL":             TypeNoCapacity,
	"NO_CAPACITY":            TypeNoCapacity,
	"SHUTTING_DOWN":          TypeNoCapacity,
	"RATE_LIMIT_UNAVAILABLE": TypeServer,
	"AUTH_UNAVAILABLE":       TypeServer,
	"REGISTRY_UNAVAILABLE":   TypeServer,
	"QUEUE_UNAVAILABLE":      TypeServer,
	"MODEL_NOT_FOUND":        TypeInvalidRequest,
	"BACKEND_ERROR":          TypeBackend,
	"BACKEND_TIMEOUT":        TypeBackend,
}

// TypeOf maps err to its taxonomy type. Reason overrides win over the
// code-based default.
func TypeOf(err error) string {
	e := FromError(err)
	if e == nil {
		return TypeServer
	}
	if t, ok := reasonTypes[e.Status.Reason]; ok {
		return t
	}
	switch int(e.Status.Code) {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict,
		http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return TypeInvalidRequest
	case http.StatusUnauthorized:
		return TypeAuthentication
	case http.StatusForbidden:
		return TypePermission
	case http.StatusTooManyRequests:
		return TypeRateLimit
	case http.StatusServiceUnavailable:
		return TypeNoCapacity
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return TypeBackend
	default:
		return TypeServer
	}
}

// ToHTTP converts an error into an HTTP status code and a JSON-serializable body.
//
// The returned body matches the project's Status shape:
// { code, reason, message, metadata }.
func ToHTTP(err error) (statusCode int, body Status) {
	if err == nil {
		return http.StatusOK, Status{Code: int32(http.StatusOK)}
	}

	appErr := FromError(err)
	if appErr == nil {
		return http.StatusOK, Status{Code: int32(http.StatusOK)}
	}

	body = Status{
		Code:    appErr.Status.Code,
		Reason:  appErr.Status.Reason,
		Message: appErr.Status.Message,
	}
	if appErr.Metadata != nil {
		body.Metadata = make(map[string]string, len(appErr.Metadata))
		for k, v := range appErr.Metadata {
			body.Metadata[k] = v
		}
	}
	return int(appErr.Status.Code), body
}
