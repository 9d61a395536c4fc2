// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgindex

import (
	"fmt"
	"time"

	"github.com/brinedb/msgstore/types"
	bolt "go.etcd.io/bbolt"
)

var msgLocsBucket = []byte("msglocs")

// Disk is the low-memory message location index backend, backed by
// bbolt. It exists so the coordinator can swap to a disk-resident index
// under memory pressure.
type Disk struct {
	db *bolt.DB
}

// OpenDisk opens (creating if necessary) the bbolt file at path for use
// as a Disk index backend.
func OpenDisk(path string) (*Disk, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open disk index %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(msgLocsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Disk{db: db}, nil
}

func (d *Disk) Get(id types.MsgID) (types.MsgLoc, error) {
	var loc types.MsgLoc
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(msgLocsBucket).Get(id.Bytes())
		if v == nil {
			return nil
		}
		found = true
		var derr error
		loc, derr = decodeMsgLoc(v)
		return derr
	})
	if err != nil {
		return types.MsgLoc{}, err
	}
	if !found {
		return types.MsgLoc{}, types.ErrNotFound
	}
	return loc, nil
}

func (d *Disk) Insert(id types.MsgID, loc types.MsgLoc) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(msgLocsBucket).Put(id.Bytes(), encodeMsgLoc(loc))
	})
}

func (d *Disk) InsertNew(id types.MsgID, loc types.MsgLoc) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(msgLocsBucket)
		if b.Get(id.Bytes()) != nil {
			return types.ErrKeyExists
		}
		return b.Put(id.Bytes(), encodeMsgLoc(loc))
	})
}

func (d *Disk) Delete(id types.MsgID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(msgLocsBucket).Delete(id.Bytes())
	})
}

func (d *Disk) MatchBySegment(seg uint64) (map[types.MsgID]types.MsgLoc, error) {
	out := make(map[types.MsgID]types.MsgLoc)
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(msgLocsBucket).ForEach(func(k, v []byte) error {
			loc, err := decodeMsgLoc(v)
			if err != nil {
				return err
			}
			if loc.Segment == seg {
				id, err := types.MsgIDFromBytes(k)
				if err != nil {
					return err
				}
				out[id] = loc
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Disk) Len() (int, error) {
	var n int
	err := d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(msgLocsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (d *Disk) ForEach(fn func(types.MsgID, types.MsgLoc) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(msgLocsBucket).ForEach(func(k, v []byte) error {
			id, err := types.MsgIDFromBytes(k)
			if err != nil {
				return err
			}
			loc, err := decodeMsgLoc(v)
			if err != nil {
				return err
			}
			return fn(id, loc)
		})
	})
}

func (d *Disk) Close() error {
	return d.db.Close()
}
