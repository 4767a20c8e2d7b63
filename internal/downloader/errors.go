package downloader

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrInvalidTarget is returned when the target root or a task's
	// subdirectory is missing or not a directory.
	ErrInvalidTarget = errors.New("downloader: invalid target")

	// ErrChecksumMismatch is matched by *ChecksumMismatchError.
	ErrChecksumMismatch = errors.New("downloader: checksum mismatch")
)

// ChecksumMismatchError is returned when a downloaded file's digest differs
// from the declared checksum. The file is left on disk.
//
// Use errors.As to extract this error and inspect the digests.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Is reports whether target is ErrChecksumMismatch.
func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}
