package task

import "errors"

var (
	ErrProbeFailed     = errors.New("media probe failed")
	ErrTaskRunning     = errors.New("cannot remove a task while it is in progress")
	ErrIndexOutOfRange = errors.New("task index out of range")
	ErrTaskNotFound    = errors.New("no task with that id")
)
