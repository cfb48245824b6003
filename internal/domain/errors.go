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

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "listen", "accept")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
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

// NewConfigError wraps err as a configuration error on field.
func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}

var (
	// ErrBufferSizeNotPowerOfTwo is returned when a ring buffer is sized with a non power of two.
	ErrBufferSizeNotPowerOfTwo = errors.New("buffer size must be a power of two")

	// ErrUnknownFeedType is returned for feed names outside the compiled-in set.
	ErrUnknownFeedType = errors.New("unknown feed type")

	// ErrUnregisteredPort is returned when no feature is bound to a listening port.
	ErrUnregisteredPort = errors.New("no feature registered for port")

	// ErrUnknownFeature is returned when a configured feature name has no factory.
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrHubRunning is returned by Start when the hub is already serving.
	ErrHubRunning = errors.New("hub already running")

	// ErrHubNotRunning is returned by operations that need a started hub.
	ErrHubNotRunning = errors.New("hub not running")

	// ErrMalformedMessage is returned by transforms for frames they cannot parse. Not retriable.
	ErrMalformedMessage = errors.New("malformed message")
)
