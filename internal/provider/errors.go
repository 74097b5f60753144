package provider

import "errors"

var (
	// ErrProviderRejected is returned on 4xx/validation responses. The
	// request will never succeed as-is, so callers must not retry it.
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrProviderUnavailable is returned on 5xx and transport failures.
	// Callers may retry within their own budget.
	ErrProviderUnavailable = errors.New("provider unavailable")
)
