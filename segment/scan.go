// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/brinedb/msgstore/types"
)

// Scan performs the sequential forward pass used at recovery. At each
// position it reads the two length prefixes; if either
// is zero, the id size isn't 16, or the terminator isn't one of the two
// sentinels, it skips total_size+framing bytes and continues. It
// returns the list of well-framed records in ascending offset order
// (the order they occur in the file) along with the offset marking the
// end of the leading contiguous run. The preallocated zero tail of the
// segment reads as a run of zero length prefixes and is skipped the
// same way.
func Scan(path string) (records []types.ScanRecord, contiguousEnd int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := info.Size()

	br := bufio.NewReaderSize(f, 1<<20)
	var offset int64
	inContiguousRun := true
	hdr := make([]byte, frameHeaderLen)

	for offset+frameHeaderLen <= size {
		if _, rerr := io.ReadFull(br, hdr); rerr != nil {
			break
		}

		totalSize := binary.BigEndian.Uint64(hdr[0:8])
		idSize := binary.BigEndian.Uint64(hdr[8:16])
		recordLen := frameHeaderLen + int64(totalSize) + 1

		if totalSize == 0 || idSize != 16 || totalSize < idSize || offset+recordLen > size {
			// Not a well-framed record: genuine corruption, a torn tail
			// write, or the zeroed preallocated region. Skip what the
			// header claims and keep going.
			inContiguousRun = false
			toSkip := recordLen - frameHeaderLen
			if remaining := size - offset - frameHeaderLen; toSkip > remaining {
				break
			}
			if _, derr := br.Discard(int(toSkip)); derr != nil {
				break
			}
			offset += recordLen
			continue
		}

		rest := make([]byte, int64(totalSize)+1)
		if _, rerr := io.ReadFull(br, rest); rerr != nil {
			break
		}
		term := rest[len(rest)-1]
		if !terminatorValid(term) {
			inContiguousRun = false
			offset += recordLen
			continue
		}

		id, ierr := types.MsgIDFromBytes(rest[:16])
		if ierr != nil {
			inContiguousRun = false
			offset += recordLen
			continue
		}

		records = append(records, types.ScanRecord{
			ID:         id,
			Persistent: term == types.TerminatorPersistent,
			Size:       uint32(totalSize),
			Offset:     uint32(offset),
			FrameSize:  uint32(recordLen),
		})
		offset += recordLen
		if inContiguousRun {
			contiguousEnd = offset
		}
	}

	return records, contiguousEnd, nil
}
