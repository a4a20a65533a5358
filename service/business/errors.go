package business

import "errors"

// Sentinel errors for fast equality checks with errors.Is().
var (
	ErrTokenMissing         = errors.New("bearer token is required")
	ErrTokenInvalid         = errors.New("bearer token is invalid")
	ErrTokenExpired         = errors.New("bearer token has expired")
	ErrTokenMalformed       = errors.New("bearer token is malformed")
	ErrTokenSubjectMismatch = errors.New("refreshed token subject does not match connection")

	ErrProjectRequired = errors.New("project id is required")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrStoreUnavailable = errors.New("backing store unavailable")

	ErrConnectionPoolFull  = errors.New("connection pool full")
	ErrShuttingDown        = errors.New("connection manager is shutting down")
	ErrStreamSendFailed    = errors.New("stream send failed")
	ErrStreamReceiveFailed = errors.New("stream receive failed")
)
