// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package types holds the value types, sentinel errors and small
// interfaces shared across the segment, msgindex, segsummary,
// queueindex, compactor and root msgstore packages.
package types

import "errors"

var (
	// ErrNotFound is returned when a message-id, queue or segment cannot
	// be located.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when a segment record fails to frame
	// correctly (bad length prefix or terminator byte).
	ErrCorrupt = errors.New("segment corrupt")

	// ErrSealed is returned when an append is attempted against a
	// segment that has already reached its size cap.
	ErrSealed = errors.New("segment sealed")

	// ErrClosed is returned by any operation on a store that has already
	// been stopped.
	ErrClosed = errors.New("store closed")

	// ErrOutOfRange is returned by operations that reference a
	// queue sequence id outside [readSeq, writeSeq).
	ErrOutOfRange = errors.New("sequence out of range")

	// ErrKeyExists is returned by InsertNew when the key is already
	// present. The message cache does not return it: inserting a key
	// that is already cached replaces the cached payload.
	ErrKeyExists = errors.New("key already exists")

	// ErrQueueNotFound is returned by operations against a queue that has
	// no sequence row (never published to, or already deleted).
	ErrQueueNotFound = errors.New("queue not found")
)
