// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"bufio"
	"fmt"
	"os"

	"github.com/brinedb/msgstore/types"
)

// File is one append-only segment file. A File is
// either the current append segment (writable, buffered) or a sealed,
// read-only segment reached through Reader.
type File struct {
	Number uint64
	Cap    int64

	path string
	f    *os.File
	bw   *bufio.Writer

	endOffset      int64
	lastSyncOffset int64
	dirty          bool
}

// CreateOptions configures the on-disk preallocation a new segment
// receives before it accepts its first append.
type CreateOptions struct {
	Cap int64
}

// Create opens a brand-new segment file at path, preallocating it up
// to capBytes and resetting the write cursor to 0, so the filesystem
// reserves the whole segment up front instead of fragmenting it append
// by append.
func Create(path string, number uint64, capBytes int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %d: %w", number, err)
	}
	if err := preallocate(f, capBytes); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("preallocate segment %d: %w", number, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return &File{
		Number: number,
		Cap:    capBytes,
		path:   path,
		f:      f,
		bw:     bufio.NewWriterSize(f, 64*1024),
	}, nil
}

// Open opens an existing segment file for appending, positioning the
// write cursor at endOffset (the end of its scanned contiguous
// prefix).
func Open(path string, number uint64, capBytes, endOffset int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", number, err)
	}
	if _, err := f.Seek(endOffset, 0); err != nil {
		f.Close()
		return nil, err
	}
	return &File{
		Number:         number,
		Cap:            capBytes,
		path:           path,
		f:              f,
		bw:             bufio.NewWriterSize(f, 64*1024),
		endOffset:      endOffset,
		lastSyncOffset: endOffset,
	}, nil
}

// Append writes a framed record at the current end-of-segment and
// returns its stored size (id bytes plus payload, excluding the 17-byte
// framing) and the byte offset the record starts at. Writes land in the
// buffered writer; durability is achieved separately by Sync.
func (sf *File) Append(id types.MsgID, payload []byte, persistent bool) (size uint32, offset int64, err error) {
	frame := encodeFrame(id, payload, persistent)
	if sf.endOffset+int64(len(frame)) > sf.Cap {
		return 0, 0, types.ErrSealed
	}
	offset = sf.endOffset
	if _, err := sf.bw.Write(frame); err != nil {
		return 0, 0, fmt.Errorf("append to segment %d: %w", sf.Number, err)
	}
	sf.endOffset += int64(len(frame))
	sf.dirty = true
	return uint32(len(frame) - types.FramingOverhead), offset, nil
}

// EndOffset returns the logical end of the segment's written data (not
// the preallocated capacity).
func (sf *File) EndOffset() int64 { return sf.endOffset }

// Dirty reports whether there are appended bytes not yet fsynced.
func (sf *File) Dirty() bool { return sf.dirty }

// LastSyncOffset returns the end-offset as of the last successful Sync.
func (sf *File) LastSyncOffset() int64 { return sf.lastSyncOffset }

// Sealed reports whether the segment has reached its size cap and
// cannot accept further appends.
func (sf *File) Sealed() bool { return sf.endOffset >= sf.Cap }

// Sync flushes the buffered writer and fsyncs the underlying file,
// recording the new last-sync-offset. This is the sole durability point
// for appends; it is driven by the coordinator's group-commit timer,
// never per-write.
func (sf *File) Sync() error {
	if err := sf.bw.Flush(); err != nil {
		return fmt.Errorf("flush segment %d: %w", sf.Number, err)
	}
	if err := sf.f.Sync(); err != nil {
		return fmt.Errorf("fsync segment %d: %w", sf.Number, err)
	}
	sf.lastSyncOffset = sf.endOffset
	sf.dirty = false
	return nil
}

// ReadAt seeks to an absolute offset, reads size+framing bytes, verifies
// the length prefix and terminator, and returns the payload and
// persistence flag. Any mismatch means segment corruption and is a
// fatal read error for that message.
func (sf *File) ReadAt(offset int64, size uint32) (payload []byte, persistent bool, err error) {
	total := int64(size) + int64(types.FramingOverhead)
	buf := make([]byte, total)
	if _, err := sf.f.ReadAt(buf, offset); err != nil {
		return nil, false, fmt.Errorf("read segment %d at %d: %w", sf.Number, offset, err)
	}
	hdr, err := decodeFrameHeader(buf)
	if err != nil {
		return nil, false, err
	}
	if hdr.idSize != 16 || hdr.totalSize != uint64(size) {
		return nil, false, fmt.Errorf("%w: length mismatch at segment %d offset %d", types.ErrCorrupt, sf.Number, offset)
	}
	term := buf[len(buf)-1]
	if !terminatorValid(term) {
		return nil, false, fmt.Errorf("%w: bad terminator at segment %d offset %d", types.ErrCorrupt, sf.Number, offset)
	}
	payloadStart := frameHeaderLen + 16
	payload = buf[payloadStart : len(buf)-1]
	persistent = term == types.TerminatorPersistent
	return payload, persistent, nil
}

// TruncateAndExtend is the compaction primitive: truncate the file to
// low, preallocate back up to high, then seek to low. It
// is used both to shrink a destination down to its contiguous prefix
// before the hole-rewrite pass, and to grow it back up afterwards.
func (sf *File) TruncateAndExtend(low, high int64) error {
	if err := sf.bw.Flush(); err != nil {
		return err
	}
	if err := sf.f.Truncate(low); err != nil {
		return fmt.Errorf("truncate segment %d to %d: %w", sf.Number, low, err)
	}
	if err := preallocate(sf.f, high); err != nil {
		return fmt.Errorf("extend segment %d to %d: %w", sf.Number, high, err)
	}
	if _, err := sf.f.Seek(low, 0); err != nil {
		return err
	}
	sf.endOffset = low
	sf.bw.Reset(sf.f)
	return nil
}

// Close flushes and closes the underlying file handle.
func (sf *File) Close() error {
	if err := sf.bw.Flush(); err != nil {
		sf.f.Close()
		return err
	}
	return sf.f.Close()
}

// Path returns the filesystem path of the segment file.
func (sf *File) Path() string { return sf.path }
