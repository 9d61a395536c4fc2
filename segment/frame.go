// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the store's append-only
// segment file I/O, the on-disk record framing, preallocation and
// LRU-cached read handles.
package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/brinedb/msgstore/types"
)

// frameHeaderLen is the length of the two u64 length prefixes, before
// the id bytes, payload and terminator.
const frameHeaderLen = 8 + 8

// encodeFrame renders a full on-disk record: be_u64(total_size) ||
// be_u64(id_size) || id_bytes || payload || u8(terminator).
func encodeFrame(id types.MsgID, payload []byte, persistent bool) []byte {
	idBytes := id.Bytes()
	totalSize := uint64(len(idBytes) + len(payload))
	buf := make([]byte, 0, frameHeaderLen+len(idBytes)+len(payload)+1)

	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], totalSize)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(idBytes)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, idBytes...)
	buf = append(buf, payload...)

	term := types.TerminatorTransient
	if persistent {
		term = types.TerminatorPersistent
	}
	buf = append(buf, term)
	return buf
}

// frameSize returns the total on-disk byte length for a record with the
// given id and payload sizes, including framing.
func frameSize(idSize, payloadSize int) uint32 {
	return uint32(frameHeaderLen + idSize + payloadSize + 1)
}

type frameHeader struct {
	totalSize uint64
	idSize    uint64
}

func decodeFrameHeader(b []byte) (frameHeader, error) {
	if len(b) < frameHeaderLen {
		return frameHeader{}, fmt.Errorf("%w: short frame header", types.ErrCorrupt)
	}
	return frameHeader{
		totalSize: binary.BigEndian.Uint64(b[0:8]),
		idSize:    binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

func terminatorValid(b byte) bool {
	return b == types.TerminatorPersistent || b == types.TerminatorTransient
}
