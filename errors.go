// Package silo implements a segment storage engine: an immutable,
// content-addressed tree of nodes persisted to a directory of
// append-only archive files, with a single-writer/multi-reader node
// store and generational garbage collection.
package silo

import "errors"

// Sentinel errors returned by store, archive, and GC operations. Each
// maps to one entry of the error taxonomy in SPEC_FULL.md §10: callers
// use errors.Is to check for a specific outcome regardless of the
// wrapping added by intermediate layers.
var (
	// ErrSegmentNotFound is returned when a referenced segment id is
	// not present in any reader or the current writer.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrIOFailure wraps an underlying file I/O error (open, read, write,
	// sync, or directory listing).
	ErrIOFailure = errors.New("archive i/o failure")

	// ErrCorrupt is returned when a segment, archive footer, or header
	// fails a structural check (bad magic, bad alignment, inconsistent
	// index).
	ErrCorrupt = errors.New("corrupt data")

	// ErrLockConflict is returned when repo.lock is held by another process.
	ErrLockConflict = errors.New("store is locked by another process")

	// ErrCommitConflict is returned when setHead loses its compare-and-swap.
	ErrCommitConflict = errors.New("commit conflict")

	// ErrCancelled is returned by estimation or compaction when the
	// shared cancel signal fires mid-operation. Non-fatal.
	ErrCancelled = errors.New("operation cancelled")

	// ErrDiskSpaceLow is posted by the disk-space probe.
	ErrDiskSpaceLow = errors.New("disk space low")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrInvalidRecordId is returned when a record id's textual form
	// cannot be parsed, or its offset fails the alignment check.
	ErrInvalidRecordId = errors.New("invalid record id")

	// ErrNotFound is returned by Retrieve/checkpoint lookups that find
	// nothing under the requested name.
	ErrNotFound = errors.New("not found")

	// ErrDecompress is returned when a compressed BULK payload cannot be
	// decoded.
	ErrDecompress = errors.New("decompress failed")

	// ErrWriterSealed is returned when a caller tries to append to an
	// archive writer that has already been sealed, or to a segment
	// builder that has no room left for the record.
	ErrWriterSealed = errors.New("writer sealed")
)
