package container

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Error kinds for the data manager.
var (
	// ErrAlreadyExistsWithDifferentType is returned by CreateDataset when a
	// dataset already exists on disk with an incompatible row type.
	ErrAlreadyExistsWithDifferentType = errors.New("dataset already exists with a different row type")
	// ErrOutOfSpace is returned when a rank's own shard write fails: the
	// underlying file.File.Create or recordio.Writer reports an error,
	// which on the local and blob-store file.File implementations this
	// repo exercises almost always means the device or quota backing the
	// shard is exhausted.
	ErrOutOfSpace = errors.New("shard write failed: out of space")
)

// IOError wraps an underlying storage error.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return "container: " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// writeErr wraps a failure from the shard write path (creating a
// shard's file, or the recordio.Writer that appends to it) so that
// errors.Is(err, ErrOutOfSpace) holds, distinguishing it from an
// IOError raised by a read (ReadRows, ReadRefRows), which a caller
// cannot remedy by freeing space.
func writeErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: fmt.Errorf("%w: %v", ErrOutOfSpace, err)}
}
