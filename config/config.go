// Package config holds the fixed tuning constants and physical layout
// numbers for the storage engine. None of it is read from a file at
// runtime; it is a closed, compile-time set of geometry and backoff
// parameters, not a deployment configuration surface.
package config

import "time"

// Physical page layout. A page is a fixed PageSize-byte slab: the
// first 8 bytes hold the TPS header, the remainder holds
// RecordsPerPage 8-byte slots.
const (
	PageSize       = 4096
	RecordsPerPage = 511
	PagesPerRange  = 16

	// BufferPoolCapacity is the default number of pages the buffer
	// pool will hold pinned/unpinned before it must evict.
	BufferPoolCapacity = 8192
)

// Physical column layout. Every record (base or tail) starts with
// these four metadata columns, in this order, followed by the table's
// user columns.
const (
	IndirectionColumn    = 0
	RIDColumn            = 1
	TimestampColumn      = 2
	SchemaEncodingColumn = 3
	NumMetadataColumns   = 4
)

// DeletedRID is written into the RID column of a base record to mark
// it tombstoned. RID 0 is otherwise never assigned.
const DeletedRID uint64 = 0

// Merge tuning: the background merge thread wakes every
// MergeCheckInterval and runs a pass once at least MergeThresholdUpdates
// updates have accumulated since the last pass.
const (
	MergeThresholdUpdates = 100
	MergeCheckInterval    = 50 * time.Millisecond
)

// Transaction retry tuning: on abort, a transaction sleeps
// RetryDelay (plus jitter), then multiplies the delay by
// RetryBackoffMultiplier up to MaxRetryDelay, retrying until
// MaxRetries attempts are exhausted.
const (
	MaxRetries             = 100
	RetryDelay             = 10 * time.Millisecond
	RetryBackoffMultiplier = 1.5
	MaxRetryDelay          = time.Second
)

// IndexCompactionFactor is the tombstoned-key fraction of a column's
// sorted-key slice that triggers a compaction pass, dropping dead
// keys and rebuilding the slice.
const IndexCompactionFactor = 0.5
