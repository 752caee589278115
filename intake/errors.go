package intake

import "errors"

var (
	ErrNoPaths     = errors.New("no source paths given")
	ErrIsDirectory = errors.New("source is a directory")
	ErrNoExtension = errors.New("output extension is empty")
)
