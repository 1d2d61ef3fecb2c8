package workflow

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// ErrConfiguration is the sentinel every ConfigurationError wraps; a
// ConfigurationError is returned for an unknown classname, a missing
// required configuration key, or an include loop.
var ErrConfiguration = errors.New("workflow: configuration error")

// ConfigurationError wraps ErrConfiguration with a human-readable cause.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "workflow: configuration: " + e.Msg }

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// StageError wraps an error propagated unchanged from a stage's own
// init/run/finish method, tagged with the stage name that raised it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return "workflow: stage " + e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// TerminationError reports that a rank aborted mid-workflow (outside a
// collective boundary) and could not complete the best-effort barrier
// that drives every rank to Closed.
type TerminationError struct {
	Err error
}

func (e *TerminationError) Error() string { return "workflow: aborted: " + e.Err.Error() }

func (e *TerminationError) Unwrap() error { return e.Err }
