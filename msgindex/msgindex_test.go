// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgindex

import (
	"path/filepath"
	"testing"

	"github.com/brinedb/msgstore/types"
	"github.com/stretchr/testify/require"
)

func TestMemoryBasicOps(t *testing.T) {
	idx := NewMemory()
	id := types.NewMsgID()

	_, err := idx.Get(id)
	require.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, idx.InsertNew(id, types.MsgLoc{Segment: 1, Refcount: 1}))
	require.ErrorIs(t, idx.InsertNew(id, types.MsgLoc{Segment: 1, Refcount: 1}), types.ErrKeyExists)

	loc, err := idx.Get(id)
	require.NoError(t, err)
	require.EqualValues(t, 1, loc.Segment)

	require.NoError(t, idx.Delete(id))
	_, err = idx.Get(id)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestMatchBySegment(t *testing.T) {
	idx := NewMemory()
	a, b, c := types.NewMsgID(), types.NewMsgID(), types.NewMsgID()
	require.NoError(t, idx.Insert(a, types.MsgLoc{Segment: 1}))
	require.NoError(t, idx.Insert(b, types.MsgLoc{Segment: 2}))
	require.NoError(t, idx.Insert(c, types.MsgLoc{Segment: 1}))

	matches, err := idx.MatchBySegment(1)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Contains(t, matches, a)
	require.Contains(t, matches, c)
}

func TestDiskRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDisk(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer d.Close()

	id := types.NewMsgID()
	loc := types.MsgLoc{Segment: 7, Offset: 123, Size: 45, Refcount: 2, Persistent: true}
	require.NoError(t, d.InsertNew(id, loc))

	got, err := d.Get(id)
	require.NoError(t, err)
	require.Equal(t, loc, got)

	n, err := d.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSwitchMemoryToDisk(t *testing.T) {
	dir := t.TempDir()
	mem := NewMemory()
	a, b := types.NewMsgID(), types.NewMsgID()
	require.NoError(t, mem.Insert(a, types.MsgLoc{Segment: 1, Refcount: 1}))
	require.NoError(t, mem.Insert(b, types.MsgLoc{Segment: 2, Refcount: 1}))

	disk, err := OpenDisk(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer disk.Close()

	require.NoError(t, Switch(mem, disk))

	n, err := disk.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	loc, err := disk.Get(a)
	require.NoError(t, err)
	require.EqualValues(t, 1, loc.Segment)
}
