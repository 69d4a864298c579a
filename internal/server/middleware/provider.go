package middleware

import "github.com/google/wire"

var ProviderSet = wire.NewSet(
	NewRequestID,
	NewAccessLog,
	NewRecovery,
	NewAuth,
	NewWSAuth,
	NewOptionalAuth,
	NewRateLimit,
)
