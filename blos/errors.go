package blos

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrCorrupt is returned when a stored blob no longer matches its record.
	ErrCorrupt = errors.New("blos: corrupt blob")

	// ErrInvalidHash is returned for strings that are not a lowercase hex SHA-512.
	ErrInvalidHash = errors.New("blos: invalid sha512")
)

// CorruptionError describes a blob whose content no longer hashes to its
// key. It matches ErrCorrupt.
type CorruptionError struct {
	Hash       string
	Actual     string
	Size       int64
	ActualSize int64
	Missing    bool
}

func (e *CorruptionError) Error() string {
	if e.Missing {
		return fmt.Sprintf("blos: corrupt blob %s: file missing", e.Hash)
	}
	return fmt.Sprintf("blos: corrupt blob %s: content hashes to %s (%d bytes, want %d)", e.Hash, e.Actual, e.ActualSize, e.Size)
}

// Unwrap returns ErrCorrupt.
func (e *CorruptionError) Unwrap() error {
	return ErrCorrupt
}
