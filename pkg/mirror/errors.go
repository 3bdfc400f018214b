package mirror

import "errors"

// Precondition errors. Each is raised before any side effect, so a
// failed operation leaves the trace untouched.
var (
	ErrNoClient    = errors.New("no store client connected")
	ErrNoTrace     = errors.New("no active trace")
	ErrTraceActive = errors.New("trace already active")
	ErrNoProcess   = errors.New("no process selected")
	ErrNoThread    = errors.New("no thread selected")
)
