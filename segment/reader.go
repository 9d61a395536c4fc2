// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"os"

	"github.com/brinedb/msgstore/types"
)

// Reader is a read-only handle onto a sealed segment file, opened
// lazily and cached by ReaderCache.
type Reader struct {
	Number uint64
	f      *os.File
}

func openReader(path string, number uint64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %d for read: %w", number, err)
	}
	return &Reader{Number: number, f: f}, nil
}

// ReadAt reads the framed record at offset/size, identically to
// File.ReadAt, for use once a segment has been sealed and is no longer
// the current append target.
func (r *Reader) ReadAt(offset int64, size uint32) (payload []byte, persistent bool, err error) {
	total := int64(size) + int64(types.FramingOverhead)
	buf := make([]byte, total)
	if _, err := r.f.ReadAt(buf, offset); err != nil {
		return nil, false, fmt.Errorf("read segment %d at %d: %w", r.Number, offset, err)
	}
	hdr, err := decodeFrameHeader(buf)
	if err != nil {
		return nil, false, err
	}
	if hdr.idSize != 16 || hdr.totalSize != uint64(size) {
		return nil, false, fmt.Errorf("%w: length mismatch at segment %d offset %d", types.ErrCorrupt, r.Number, offset)
	}
	term := buf[len(buf)-1]
	if !terminatorValid(term) {
		return nil, false, fmt.Errorf("%w: bad terminator at segment %d offset %d", types.ErrCorrupt, r.Number, offset)
	}
	payloadStart := frameHeaderLen + 16
	payload = buf[payloadStart : len(buf)-1]
	persistent = term == types.TerminatorPersistent
	return payload, persistent, nil
}

// Close closes the underlying file descriptor.
func (r *Reader) Close() error {
	return r.f.Close()
}
