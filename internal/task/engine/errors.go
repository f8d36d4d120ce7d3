package engine

import "errors"

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrOverlapSkip = errors.New("task skipped: previous run still in flight")
	ErrInvalidTask = errors.New("invalid task")
)
