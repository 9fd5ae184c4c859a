package job

import (
	"errors"
	"fmt"
	"runtime"
)

// SourceError records the source line an error surfaced at inside a job.
type SourceError struct {
	Err  error
	File string
	Line int
}

func (e *SourceError) Error() string { return e.Err.Error() }
func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Location() string {
	return fmt.Sprintf("%s:%d", e.File, e.Line)
}

// At wraps err with the caller's file and line. A nil err stays nil, and an
// error that already carries a location keeps the innermost one.
func At(err error) error {
	return at(err, 2)
}

func at(err error, skip int) error {
	if err == nil {
		return nil
	}
	var located *SourceError
	if errors.As(err, &located) {
		return err
	}
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return err
	}
	return &SourceError{Err: err, File: file, Line: line}
}
