package engine

import "errors"

var (
	ErrNotConnected  = errors.New("engine not connected")
	ErrTargetRunning = errors.New("target is running")
	ErrEngineThread  = errors.New("blocking submit from the engine goroutine")
	ErrWaitTimeout   = errors.New("timed out waiting for target to stop")
	ErrNoProcess     = errors.New("no process selected")
	ErrUnsupported   = errors.New("not supported by this backend")
	ErrClosed        = errors.New("executor closed")
)
