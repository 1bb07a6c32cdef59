package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// UpstreamError represents a gateway-side failure that may be retriable.
type UpstreamError struct {
	ConnectionID string // Session the error occurred on
	Op           string // Operation that failed (e.g., "subscribe", "login")
	Err          error  // Underlying error
	Retriable    bool   // Whether this error is retriable
}

func (e *UpstreamError) Error() string {
	return e.Op + " on " + e.ConnectionID + ": " + e.Err.Error()
}

func (e *UpstreamError) IsRetriable() bool {
	return e.Retriable
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError creates a new retriable upstream error
func NewUpstreamError(connectionID, op string, err error) *UpstreamError {
	return &UpstreamError{ConnectionID: connectionID, Op: op, Err: err, Retriable: true}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrNotLoggedIn is returned when a subscribe is attempted on a session
	// that has not completed login. Retriable after recovery.
	ErrNotLoggedIn = errors.New("session not logged in")

	// ErrCapacityExceeded is returned when a session holds its maximum
	// subscription count.
	ErrCapacityExceeded = errors.New("subscription capacity exceeded")

	// ErrAlreadySubscribed is returned when an instrument is already held
	// by the session.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrNoAvailableSession is returned when no logged-in session has
	// spare capacity.
	ErrNoAvailableSession = errors.New("no available upstream session")

	// ErrCacheFull is returned when the quote cache has no free slot for a
	// new instrument.
	ErrCacheFull = errors.New("quote cache capacity exceeded")
)
