package orm

import "errors"

var (
	ErrNoDatabaseURI     = errors.New("database uri is not configured")
	ErrUnsupportedScheme = errors.New("unsupported database uri scheme")
	ErrInvalidOption     = errors.New("invalid engine option")
	ErrNotInitialized    = errors.New("orm extension is not initialized")
	ErrUnknownBind       = errors.New("unknown database bind")
	ErrSessionClosed     = errors.New("session is closed")
	ErrNoTransaction     = errors.New("session has no active transaction")
)
