package trace

import "errors"

var (
	ErrNoTransaction   = errors.New("no transaction")
	ErrTransactionOpen = errors.New("transaction already started")
	ErrTransactionDone = errors.New("transaction already closed")
	ErrNoSuchTrace     = errors.New("no such trace")
	ErrTraceExists     = errors.New("trace already exists")
	ErrNoSuchObject    = errors.New("no such object")
	ErrNoSuchSpace     = errors.New("no such address space")
	ErrSpaceConflict   = errors.New("overlay space exists with a different base")
	ErrBadPath         = errors.New("malformed object path")
	ErrBadState        = errors.New("invalid memory state")
	ErrClosed          = errors.New("trace closed")
)
