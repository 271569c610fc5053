package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document or table does not exist remotely.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration is the class of missing or malformed settings. Fatal,
	// surfaced immediately, never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidResource is the class of malformed grist:// identifiers.
	ErrInvalidResource = errors.New("invalid resource identifier")
	// ErrRemoteUnavailable is the class of transport or API failures. Retry
	// policy belongs to the HTTP client, not to callers of the engine.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrCacheIO is the class of durable cache failures. Never fatal: the
	// engine degrades to uncached behavior instead.
	ErrCacheIO = errors.New("cache i/o error")
)

// ConfigError reports a missing or malformed configuration value.
// Key names the offending setting so the caller can fix it.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// NewConfigError creates a ConfigError for the given setting key.
func NewConfigError(key, format string, args ...any) *ConfigError {
	return &ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// ResourceError reports a malformed virtual-table identifier.
type ResourceError struct {
	Identifier string
	Reason     string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("invalid resource %q: %s", e.Identifier, e.Reason)
}

func (e *ResourceError) Unwrap() error { return ErrInvalidResource }

// NewResourceError creates a ResourceError for the given identifier.
func NewResourceError(identifier, format string, args ...any) *ResourceError {
	return &ResourceError{Identifier: identifier, Reason: fmt.Sprintf(format, args...)}
}

// RemoteError reports a failed call to the Grist API. StatusCode is zero for
// transport-level failures that never produced a response.
type RemoteError struct {
	Endpoint   string
	StatusCode int
	Cause      error
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote call %s failed: HTTP %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("remote call %s failed: %v", e.Endpoint, e.Cause)
}

func (e *RemoteError) Unwrap() error {
	// A 404 means the addressed doc or table does not exist, which callers
	// treat differently from an outage.
	if e.StatusCode == 404 {
		return ErrNotFound
	}
	return ErrRemoteUnavailable
}

// CacheError reports a failed durable cache operation. The engine logs it and
// proceeds as if the entry were absent.
type CacheError struct {
	Op    string // "open", "get", "put", "invalidate"
	Path  string
	Cause error
}

func (e *CacheError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("cache %s at %s: %v", e.Op, e.Path, e.Cause)
	}
	return fmt.Sprintf("cache %s: %v", e.Op, e.Cause)
}

func (e *CacheError) Unwrap() error { return ErrCacheIO }

func NewCacheError(op, path string, cause error) *CacheError {
	return &CacheError{Op: op, Path: path, Cause: cause}
}
