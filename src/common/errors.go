package common

import "fmt"

// ErrCode ...
type ErrCode uint32

const (
	// NotFound indicates a missing node, session or user.
	NotFound ErrCode = iota
	// QuotaExceeded indicates the per-user node cap was reached.
	QuotaExceeded
	// Unauthorized indicates the caller does not own the resource.
	Unauthorized
	// UpstreamUnavailable indicates an unreachable broker or backend.
	UpstreamUnavailable
	// ValidationError indicates malformed input.
	ValidationError
)

// String returns the stable machine-readable code.
func (c ErrCode) String() string {
	switch c {
	case NotFound:
		return "NOT_FOUND"
	case QuotaExceeded:
		return "QUOTA_EXCEEDED"
	case Unauthorized:
		return "UNAUTHORIZED"
	case UpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	case ValidationError:
		return "VALIDATION_ERROR"
	}
	return "UNKNOWN"
}

// Error is the typed error that crosses the gateway core boundary. Internal
// causes are logged at the operation boundary, never carried in the message.
type Error struct {
	resource string
	code     ErrCode
	key      string
}

// NewError ...
func NewError(resource string, code ErrCode, key string) Error {
	return Error{
		resource: resource,
		code:     code,
		key:      key,
	}
}

// Error ...
func (e Error) Error() string {
	return fmt.Sprintf("%s, %s, %s", e.resource, e.key, e.code)
}

// Code returns the machine-readable error code.
func (e Error) Code() ErrCode {
	return e.code
}

// Is checks that an error is of type Error and that its code matches the
// provided code.
func Is(err error, c ErrCode) bool {
	gwErr, ok := err.(Error)
	return ok && gwErr.code == c
}
