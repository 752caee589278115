package ffmpeg

import "errors"

var (
	ErrBinaryNotFound        = errors.New("binary not found or not in PATH")
	ErrEmptyPath             = errors.New("empty path")
	ErrNotAFile              = errors.New("not a regular file")
	ErrInputTooLarge         = errors.New("input file too large")
	ErrNoMediaStreams        = errors.New("no audio or video streams")
	ErrUnknownDuration       = errors.New("media duration unavailable")
	ErrConversionRunning     = errors.New("a conversion is already running")
	ErrSameSourceDestination = errors.New("destination must differ from source")
	ErrInsufficientResources = errors.New("insufficient system resources")
)
