// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

// MsgLoc is the location record for a single live message, keyed by
// MsgID in the message location index. Absence of a
// key means the message is dead; the invariant Refcount >= 1 holds for
// every present entry.
type MsgLoc struct {
	Segment    uint64
	Offset     uint32
	Size       uint32
	Refcount   uint32
	Persistent bool
}

// MsgLocSize is the fixed on-disk encoding size of a MsgLoc value used
// by the bbolt-backed disk index (msgindex.Disk).
const MsgLocSize = 8 + 4 + 4 + 4 + 1

// ScanRecord is one framed record discovered by segment.Scan, used by
// recovery (msgstore/recovery.go) to rebuild MsgLoc/SegSummary state
// from the segment files themselves.
type ScanRecord struct {
	ID         MsgID
	Persistent bool
	Size       uint32
	Offset     uint32
	// FrameSize is Size plus the 17-byte framing overhead.
	FrameSize uint32
}

// FramingOverhead is the fixed per-record overhead: two 8-byte length
// prefixes plus one terminator byte.
const FramingOverhead = 8 + 8 + 1

// Terminator bytes encoding the persistence flag.
const (
	TerminatorPersistent byte = 0xFE
	TerminatorTransient  byte = 0xFF
)
