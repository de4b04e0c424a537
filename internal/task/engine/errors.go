package engine

import "errors"

var (
	ErrStopped  = errors.New("task engine stopped")
	ErrStopping = errors.New("task engine stopping")
	ErrInvalid  = errors.New("invalid task")
)
