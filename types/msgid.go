// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// MsgID is the fixed-size, globally-unique message identifier. It is
// generated once at publish time and travels with the message to every
// queue that references it.
type MsgID [16]byte

// NewMsgID generates a fresh random message-id.
func NewMsgID() MsgID {
	return MsgID(uuid.New())
}

// Bytes returns the identifier as a byte slice suitable for use as a
// bbolt or hash-map key.
func (m MsgID) Bytes() []byte {
	return m[:]
}

// String renders the identifier as hex for logging.
func (m MsgID) String() string {
	return hex.EncodeToString(m[:])
}

// MsgIDFromBytes reconstructs a MsgID from a 16-byte slice, as read back
// off a segment record or a bbolt value.
func MsgIDFromBytes(b []byte) (MsgID, error) {
	var m MsgID
	if len(b) != len(m) {
		return m, ErrCorrupt
	}
	copy(m[:], b)
	return m, nil
}

// IsZero reports whether m is the zero value, used to detect
// uninitialized fields in partially-decoded records.
func (m MsgID) IsZero() bool {
	return m == MsgID{}
}
