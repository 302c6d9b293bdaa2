package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates a journal line cannot be parsed
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates the journal has no events
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates the journal is closed
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError carries the failing event's position
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError represents an unparsable journal line
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // underlying decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted event at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruptedWAL
}
