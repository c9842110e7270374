// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"bytes"
	"errors"

	"go.etcd.io/bbolt"

	sidproto "github.com/sid-project/sid/proto"
	siderrors "github.com/sid-project/sid/errors"
)

var recordsBucket = []byte("records")

// IndexOp is the out-of-band signal a Predicate may set alongside its
// accept/reject verdict, telling Set/Unset whether the SYNC index alias
// needs to be added, removed, or left alone (spec.md 4.2).
type IndexOp int

const (
	IndexNoop IndexOp = iota
	IndexAdd
	IndexRemove
)

// PredicateResult is the verdict a Predicate returns.
type PredicateResult struct {
	Accept  bool
	Index   IndexOp
	Err     error // if non-nil and !Accept, returned instead of ErrRejected
}

// Predicate receives the existing value at a key (nil if absent) and the
// candidate new value, and decides whether the write may proceed
// (spec.md 4.2).
type Predicate func(old *Value, next *Value) PredicateResult

// AcceptAlways is the trivial predicate used by callers that only rely on
// the store's built-in ownership/flag enforcement.
func AcceptAlways(*Value, *Value) PredicateResult {
	return PredicateResult{Accept: true}
}

// Store is the ordered, owner-tagged KV store described in spec.md 4.2,
// backed by a real B+-tree (bbolt). Every stored key already carries its
// full six-part composite-key encoding (proto.Key.String()); the store
// itself is agnostic to key structure beyond byte-order comparison.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the on-disk B+-tree at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Get performs a point lookup on key.
func (s *Store) Get(key sidproto.Key) (Value, bool, error) {
	var v Value
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		v, ok, err = s.getInTx(tx, key.String())
		return err
	})
	return v, ok, err
}

// getInTx is the transaction-scoped point lookup every read/write path
// funnels through, so a caller that needs read-modify-write atomicity
// (ApplyDelta) can chain it with setInTx inside a single bbolt
// transaction instead of composing two independently-committed calls.
func (s *Store) getInTx(tx *bbolt.Tx, rawKey string) (Value, bool, error) {
	raw := tx.Bucket(recordsBucket).Get([]byte(rawKey))
	if raw == nil {
		return Value{}, false, nil
	}
	v, ok := DecodeValue(raw)
	if !ok {
		return Value{}, false, siderrors.ErrMalformedFrame
	}
	return v, true, nil
}

// ownershipErr returns the distinct error a flag-protected record's owner
// mismatch must surface, per spec.md 4.2. Checked in a fixed priority
// order (private, protected, reserved) when more than one flag is set,
// since the spec does not define one (recorded in DESIGN.md).
func ownershipErr(old Value) error {
	switch {
	case old.Flags&FlagModPrivate != 0:
		return siderrors.ErrPrivate
	case old.Flags&FlagModProtected != 0:
		return siderrors.ErrProtected
	case old.Flags&FlagModReserved != 0:
		return siderrors.ErrReserved
	default:
		return nil
	}
}

// Set writes next at key, applying the ownership/flag rules of
// spec.md 4.2 before consulting predicate. next.Header must already be
// populated by the caller (gennum, seqnum, flags, owner); mergeOp is
// honored by always storing a private copy of next's payload bytes,
// which is bbolt's native behavior for []byte values written through
// Bucket.Put -- MergeOpNoOp is accepted for interface symmetry with
// spec.md 4.2 but has no distinct effect against this backing store.
func (s *Store) Set(key sidproto.Key, next Value, mergeOp MergeOp, predicate Predicate) (accepted bool, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		_, err := s.setInTx(tx, key, next, predicate)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// setInTx is the transaction-scoped write every Set path funnels through.
// ApplyDelta chains it with getInTx inside one bbolt transaction so its
// read-modify-write is atomic against concurrent commands touching the
// same key (spec.md 5, "no synchronization is required" presumes exactly
// this: one commit per logical mutation).
func (s *Store) setInTx(tx *bbolt.Tx, key sidproto.Key, next Value, predicate Predicate) (bool, error) {
	if key.NS == sidproto.NSUdev && next.IsVector {
		return false, siderrors.ErrUDEVVector
	}
	if next.IsVector && !sortedAscending(next.Elements) {
		return false, siderrors.ErrUnsortedVector
	}
	if predicate == nil {
		predicate = AcceptAlways
	}

	rawKey := key.String()
	bucket := tx.Bucket(recordsBucket)
	raw := bucket.Get([]byte(rawKey))

	var oldPtr *Value
	if raw != nil {
		old, ok := DecodeValue(raw)
		if !ok {
			return false, siderrors.ErrMalformedFrame
		}
		if old.Flags.HasOwnershipFlag() && old.Owner != next.Owner {
			return false, ownershipErr(old)
		}
		if old.IsVector && !next.IsVector {
			return false, siderrors.ErrIsVector
		}
		oldPtr = &old
	}

	verdict := predicate(oldPtr, &next)
	if !verdict.Accept {
		if verdict.Err != nil {
			return false, verdict.Err
		}
		return false, siderrors.ErrRejected
	}

	if err := bucket.Put([]byte(rawKey), EncodeValue(next)); err != nil {
		if errors.Is(err, bbolt.ErrValueTooLarge) {
			return false, siderrors.ErrNoMemory
		}
		return false, err
	}

	return true, syncAlias(bucket, key, next, verdict.Index)
}

// syncAlias maintains the invariant "a SYNC-flagged record exists iff its
// alias exists" (spec.md 3, 8) after a Set/Unset.
func syncAlias(bucket *bbolt.Bucket, key sidproto.Key, next Value, hint IndexOp) error {
	aliasKey := []byte(key.AliasKey().String())
	wantAlias := next.Flags&FlagSync != 0

	switch hint {
	case IndexAdd:
		wantAlias = true
	case IndexRemove:
		wantAlias = false
	}

	if wantAlias {
		return bucket.Put(aliasKey, EncodeValue(next))
	}
	return bucket.Delete(aliasKey)
}

// Unset removes the record at key, gated by ownerActor's rights and an
// optional predicate. It is legal to unset a record that does not exist
// (a no-op).
func (s *Store) Unset(key sidproto.Key, ownerActor string, predicate Predicate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.unsetInTx(tx, key, ownerActor, predicate)
	})
}

func (s *Store) unsetInTx(tx *bbolt.Tx, key sidproto.Key, ownerActor string, predicate Predicate) error {
	if predicate == nil {
		predicate = AcceptAlways
	}
	rawKey := key.String()
	bucket := tx.Bucket(recordsBucket)
	raw := bucket.Get([]byte(rawKey))
	if raw == nil {
		return nil
	}
	old, ok := DecodeValue(raw)
	if !ok {
		return siderrors.ErrMalformedFrame
	}
	if old.Flags.HasOwnershipFlag() && old.Owner != ownerActor {
		return ownershipErr(old)
	}

	verdict := predicate(&old, nil)
	if !verdict.Accept {
		if verdict.Err != nil {
			return verdict.Err
		}
		return siderrors.ErrRejected
	}

	if err := bucket.Delete([]byte(rawKey)); err != nil {
		return err
	}
	if old.Flags&FlagSync != 0 {
		return bucket.Delete([]byte(key.AliasKey().String()))
	}
	return nil
}

// AddAlias makes `to` resolve to the value currently stored at `from`. If
// `to` already exists, the write only proceeds when force is set.
func (s *Store) AddAlias(from, to sidproto.Key, force bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordsBucket)
		raw := bucket.Get([]byte(from.String()))
		if raw == nil {
			return siderrors.ErrNotFound
		}
		toKeyBytes := []byte(to.String())
		if !force && bucket.Get(toKeyBytes) != nil {
			return siderrors.ErrRejected
		}
		return bucket.Put(toKeyBytes, append([]byte(nil), raw...))
	})
}

// Iterator walks a lexicographic key range [lo, hi).
type Iterator struct {
	tx      *bbolt.Tx
	cursor  *bbolt.Cursor
	lo, hi  []byte
	key     []byte
	value   []byte
	err     error
	started bool
}

// Iter opens a stable snapshot iterator over [loPrefix, hiPrefix). Because
// bbolt transactions are MVCC snapshots, the range is stable against
// concurrent mutations of keys outside it, satisfying spec.md 4.2's
// iterator stability requirement.
func (s *Store) Iter(loPrefix, hiPrefix string) (*Iterator, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, err
	}
	cursor := tx.Bucket(recordsBucket).Cursor()
	it := &Iterator{tx: tx, cursor: cursor, lo: []byte(loPrefix), hi: []byte(hiPrefix)}
	it.key, it.value = cursor.Seek(it.lo)
	return it, nil
}

// Next advances the iterator, returning false at end of range.
func (it *Iterator) Next() bool {
	// caller reads Key()/Value() before calling Next() again; the first
	// call leaves the cursor on the element found by Seek so it is
	// visible, and every later call advances before the bounds check.
	if it.started {
		it.key, it.value = it.cursor.Next()
	}
	it.started = true
	return it.key != nil && (it.hi == nil || bytes.Compare(it.key, it.hi) < 0)
}

func (it *Iterator) Key() string { return string(it.key) }

func (it *Iterator) Value() (Value, bool) {
	v, ok := DecodeValue(it.value)
	return v, ok
}

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Close() error { return it.tx.Rollback() }

// Stats reports store-wide size information (spec.md 4.2, "size()").
type Stats struct {
	KeyCount int
	PageSize int
}

func (s *Store) Stats() Stats {
	var keys int
	_ = s.db.View(func(tx *bbolt.Tx) error {
		keys = tx.Bucket(recordsBucket).Stats().KeyN
		return nil
	})
	return Stats{KeyCount: keys, PageSize: s.db.Info().PageSize}
}

// Generation returns the store-wide generation counter, initializing it to
// 1 when no counter is stored yet and incrementing the stored value on
// every later call; daemon.NewContext calls it once per process (spec.md 3,
// "Generation counter"; spec.md 8, "GLOBAL boot-id and DB-generation
// records exist exactly once per store lifetime").
func (s *Store) Generation() (uint64, error) {
	genKey := sidproto.GlobalKey(sidproto.CoreGeneration)
	var gen uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordsBucket)
		raw := bucket.Get([]byte(genKey.String()))
		if raw != nil {
			v, ok := DecodeValue(raw)
			if !ok {
				return siderrors.ErrMalformedFrame
			}
			gen = decodeUint64(v.Data) + 1
		} else {
			gen = 1
		}
		v := Value{Header: Header{Owner: "core"}, Data: encodeUint64(gen)}
		return bucket.Put([]byte(genKey.String()), EncodeValue(v))
	})
	return gen, err
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
