package protocol

// ErrorCode is a stable machine-readable RPC failure category.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "invalid_request"
	ErrUnauthorized    ErrorCode = "unauthorized"
	ErrForbidden       ErrorCode = "forbidden"
	ErrNotFound        ErrorCode = "not_found"
	ErrRateLimited     ErrorCode = "rate_limited"
	ErrTimeout         ErrorCode = "timeout"
	ErrInternal        ErrorCode = "internal"
	ErrUnknownMethod   ErrorCode = "unknown_method"
)
