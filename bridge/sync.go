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

package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sid-project/sid/daemon"
	siderrors "github.com/sid-project/sid/errors"
	"github.com/sid-project/sid/kvstore"
	"github.com/sid-project/sid/metrics"
	sidproto "github.com/sid-project/sid/proto"
)

var syncLog = daemon.NewLogger("bridge-sync")

// ExportSyncBuffer walks a worker's SYNC alias range and serializes every
// record into a memfd-backed export buffer: a 4-byte total record count,
// then one {key_size, key_bytes, value_size, value_bytes} entry per
// record, each size a 4-byte big-endian length (spec.md 4.7). The returned file's offset is reset to 0, ready to
// be sent to the proxy as ancillary data.
func ExportSyncBuffer(store *kvstore.Store) (*os.File, error) {
	fd, err := unix.MemfdCreate("sid-sync-export", 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "sid-sync-export")

	if err := writeSyncBuffer(store, f); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeSyncBuffer(store *kvstore.Store, f *os.File) error {
	it, err := store.Iter(sidproto.AliasRangeLo, sidproto.AliasRangeHi)
	if err != nil {
		return err
	}
	defer it.Close()

	var records [][2][]byte
	for it.Next() {
		v, ok := it.Value()
		if !ok {
			continue
		}
		records = append(records, [2][]byte{[]byte(it.Key()), kvstore.EncodeValue(v)})
	}
	if err := it.Err(); err != nil {
		return err
	}

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(records)))
	if _, err := f.Write(countBuf[:]); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writeSizePrefixed(f, rec[0]); err != nil {
			return err
		}
		if err := writeSizePrefixed(f, rec[1]); err != nil {
			return err
		}
	}
	return nil
}

func writeSizePrefixed(f *os.File, b []byte) error {
	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], uint32(len(b)))
	if _, err := f.Write(sz[:]); err != nil {
		return err
	}
	_, err := f.Write(b)
	return err
}

// SyncRecord is one decoded entry of a worker's export buffer.
type SyncRecord struct {
	Key   sidproto.Key
	Value kvstore.Value
}

// ReadSyncBuffer decodes every record written by ExportSyncBuffer.
func ReadSyncBuffer(f *os.File) ([]SyncRecord, error) {
	data, err := readAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("bridge: sync buffer too short")
	}
	count := binary.BigEndian.Uint32(data[0:4])
	rest := data[4:]

	records := make([]SyncRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		var keyBytes, valBytes []byte
		var ok bool
		keyBytes, rest, ok = readSizePrefixed(rest)
		if !ok {
			return nil, fmt.Errorf("bridge: truncated sync buffer key")
		}
		valBytes, rest, ok = readSizePrefixed(rest)
		if !ok {
			return nil, fmt.Errorf("bridge: truncated sync buffer value")
		}
		key, ok := sidproto.ParseKey(string(keyBytes))
		if !ok {
			continue
		}
		// The alias flag marks the SYNC index entry, not the semantics of
		// the underlying record; the primary record's own key shape is
		// recovered by clearing it (spec.md 3, "rewrite in place").
		key.Alias = false
		val, ok := kvstore.DecodeValue(valBytes)
		if !ok {
			return nil, fmt.Errorf("bridge: malformed sync buffer value")
		}
		records = append(records, SyncRecord{Key: key, Value: val})
	}
	return records, nil
}

func readSizePrefixed(b []byte) (out, rest []byte, ok bool) {
	if len(b) < 4 {
		return nil, b, false
	}
	n := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, b, false
	}
	return b[:n], b[n:], true
}

func readAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	_, err = f.ReadAt(buf, 0)
	return buf, err
}

// ApplySyncBuffer replays a worker's exported records into the main store,
// following the proxy-side rules of spec.md 4.7: an empty-valued record is
// treated as an unset, gated against cross-owner deletion; everything else
// is a SET accepted only when no prior record exists, or the incoming
// seqnum is at least as new as the stored one (ownership itself is
// enforced by Store.Set). A per-record rejection (stale seqnum, a foreign
// owner unset) is logged and the next record is still processed; only a
// genuine I/O or decoding error aborts the whole buffer (spec.md 7, "Sync
// failure: a per-record merge predicate rejecting -- logged and skipped;
// subsequent records continue").
func ApplySyncBuffer(store *kvstore.Store, records []SyncRecord) error {
	for _, rec := range records {
		rec := rec
		if isUnset(rec.Value) {
			predicate := func(old *kvstore.Value, _ *kvstore.Value) kvstore.PredicateResult {
				return refuseForeignOwnerUnset(old, rec.Value.Owner)
			}
			if err := store.Unset(rec.Key, rec.Value.Owner, predicate); err != nil {
				if !isSyncRejection(err) {
					return err
				}
				metrics.SyncMergeTotal.WithLabelValues("unset_rejected").Inc()
				syncLog.Warn("sync merge: unset of %s rejected: %v", rec.Key.String(), err)
				continue
			}
			metrics.SyncMergeTotal.WithLabelValues("unset").Inc()
			continue
		}
		if _, err := store.Set(rec.Key, rec.Value, kvstore.MergeOpMerge, acceptNewerOrAbsent); err != nil {
			if !isSyncRejection(err) {
				return err
			}
			metrics.SyncMergeTotal.WithLabelValues("rejected").Inc()
			syncLog.Warn("sync merge: set of %s rejected: %v", rec.Key.String(), err)
			continue
		}
		metrics.SyncMergeTotal.WithLabelValues("accepted").Inc()
	}
	return nil
}

// isSyncRejection reports whether err is one of the per-record merge
// rejections spec.md 7 says to log-and-skip, as opposed to a genuine
// store I/O or decoding failure that must abort the whole buffer.
func isSyncRejection(err error) bool {
	return errors.Is(err, siderrors.ErrRejected) ||
		errors.Is(err, siderrors.ErrOwnerMismatch) ||
		errors.Is(err, siderrors.ErrStaleSeqnum) ||
		errors.Is(err, siderrors.ErrPrivate) ||
		errors.Is(err, siderrors.ErrProtected) ||
		errors.Is(err, siderrors.ErrReserved) ||
		errors.Is(err, siderrors.ErrIsVector) ||
		errors.Is(err, siderrors.ErrNotVector)
}

func isUnset(v kvstore.Value) bool {
	if v.IsVector {
		return len(v.Elements) == 0 && v.Flags&kvstore.FlagModReserved == 0
	}
	return len(v.Data) == 0 && v.Flags&kvstore.FlagModReserved == 0
}

// refuseForeignOwnerUnset rejects an unset whose sync record's owner does
// not match the stored record's owner (spec.md 4.7, "refuse unsets
// targeting a record owned by a different module"). Store.Unset always
// invokes its predicate with next == nil (kvstore/store.go), so the
// incoming owner cannot be read off the predicate's own arguments; it is
// captured instead by the closure ApplySyncBuffer builds per record.
func refuseForeignOwnerUnset(old *kvstore.Value, incomingOwner string) kvstore.PredicateResult {
	if old != nil && old.Owner != incomingOwner {
		return kvstore.PredicateResult{Accept: false, Err: siderrors.ErrOwnerMismatch}
	}
	return kvstore.PredicateResult{Accept: true}
}

func acceptNewerOrAbsent(old *kvstore.Value, next *kvstore.Value) kvstore.PredicateResult {
	if old == nil {
		return kvstore.PredicateResult{Accept: true}
	}
	if next.Seqnum < old.Seqnum {
		return kvstore.PredicateResult{Accept: false, Err: siderrors.ErrStaleSeqnum}
	}
	return kvstore.PredicateResult{Accept: true}
}
