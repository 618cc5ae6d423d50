package proxy

import "errors"

// Sentinel errors returned by the proxy engine. Wrap with fmt.Errorf
// and %w so callers can test with errors.Is.
var (
	// ErrConfiguration indicates invalid engine options. It is fatal
	// and reported before the listener starts.
	ErrConfiguration = errors.New("invalid proxy configuration")

	// ErrCertGeneration indicates the CA could not issue or load a
	// certificate.
	ErrCertGeneration = errors.New("certificate generation failed")

	// ErrInterceptor indicates a request or response hook panicked.
	// The affected exchange is answered with a 500; the listener
	// keeps running.
	ErrInterceptor = errors.New("interceptor failed")
)
