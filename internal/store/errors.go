package store

import "errors"

var (
	// ErrStorageFull is returned by AppendObservations and
	// AppendDeviceEvents when free space on the
	// store's filesystem has fallen below the configured hard floor.
	ErrStorageFull = errors.New("store: storage full")

	// ErrStorageCorrupted is returned when on-disk index and data files
	// disagree on record counts or fail header validation. The Supervisor
	// treats this as fatal.
	ErrStorageCorrupted = errors.New("store: storage corrupted")

	// ErrWriterBusy is returned by Open when another process already holds
	// the exclusive writer lock on the store directory.
	ErrWriterBusy = errors.New("store: another writer holds the store directory lock")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("store: closed")

	// ErrUnknownTable is returned when a table name other than the two
	// base tables is requested.
	ErrUnknownTable = errors.New("store: unknown table")

	// ErrSnapshotExpired names the case of a Snapshot used after its backing
	// segment files are gone. No Store method returns it at present: the
	// Store never deletes segment files, so a Snapshot stays readable.
	ErrSnapshotExpired = errors.New("store: snapshot expired")
)
