package model

import "errors"

// Shared error taxonomy. Handlers map these to HTTP codes; nothing below the
// handler layer returns a raw SDK or transport error to a caller.
var (
	ErrValidation           = errors.New("validation error")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrJobNotFound          = errors.New("job not found")
	ErrTenantNotFound       = errors.New("tenant not found")
	ErrInvalidAPIKey        = errors.New("invalid api key")
	ErrProviderNotFound     = errors.New("provider not found")
	ErrNoProvidersAvailable = errors.New("no providers available")
	ErrUnsupportedOperation = errors.New("operation not supported by provider")
)
