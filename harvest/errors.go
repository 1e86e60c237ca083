package harvest

import "github.com/remilejeune/udata-harvest/errors"

// Configuration errors are returned to callers. Run errors never are, except
// in debug mode.
var (
	ErrSourceNotFound    = errors.New("harvest source not found")
	ErrJobNotFound       = errors.New("harvest job not found")
	ErrUnknownBackend    = errors.New("unknown harvest backend")
	ErrDuplicateBackend  = errors.New("harvest backend already registered")
	ErrRegistryFrozen    = errors.New("backend registry is frozen")
	ErrAlreadyScheduled  = errors.New("source is already scheduled")
	ErrNotScheduled      = errors.New("source is not scheduled")
	ErrJobActive         = errors.New("source already has an active job")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidSource     = errors.New("invalid harvest source")
)

// IsNotFound reports whether err means a missing source, job or launch.
func IsNotFound(err error) bool {
	return errors.IsAny(err, ErrSourceNotFound, ErrJobNotFound, ErrLaunchNotFound, errors.ErrNotFound)
}

// IsConfigurationError reports whether err is a rejected operation rather
// than a storage or run failure.
func IsConfigurationError(err error) bool {
	return errors.IsAny(err,
		ErrSourceNotFound, ErrUnknownBackend, ErrAlreadyScheduled,
		ErrNotScheduled, ErrInvalidSource, ErrDuplicateBackend)
}
