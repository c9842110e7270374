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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sid-project/sid/kvstore"
	sidproto "github.com/sid-project/sid/proto"
)

func openTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "sid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestSyncBufferReplicatesNewRecords exercises the SET-replication half of
// spec.md 4.7's worker-to-main sync protocol.
func TestSyncBufferReplicatesNewRecords(t *testing.T) {
	workerStore := openTestStore(t)
	mainStore := openTestStore(t)

	key := sidproto.UdevKey("8_0", "ACTION")
	_, err := workerStore.Set(key, kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Seqnum: 1, Flags: kvstore.FlagSync},
		Data:   []byte("add"),
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	tmp, err := os.CreateTemp(t.TempDir(), "sync-export")
	require.NoError(t, err)
	defer tmp.Close()

	require.NoError(t, writeSyncBuffer(workerStore, tmp))
	_, err = tmp.Seek(0, 0)
	require.NoError(t, err)

	records, err := ReadSyncBuffer(tmp)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, ApplySyncBuffer(mainStore, records))

	got, ok, err := mainStore.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("add"), got.Data)
}

// TestSyncBufferRejectsStaleSeqnum exercises the "seqnum >= stored" half of
// the proxy-side SET predicate (spec.md 4.7). A rejected record is logged
// and skipped, not surfaced as an error to the caller (spec.md 7, "Sync
// failure... logged and skipped; subsequent records continue").
func TestSyncBufferRejectsStaleSeqnum(t *testing.T) {
	mainStore := openTestStore(t)
	key := sidproto.UdevKey("8_0", "ACTION")

	_, err := mainStore.Set(key, kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Seqnum: 5},
		Data:   []byte("fresh"),
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	stale := []SyncRecord{{
		Key: key,
		Value: kvstore.Value{
			Header: kvstore.Header{Owner: "sid_core", Seqnum: 1},
			Data:   []byte("stale"),
		},
	}}
	require.NoError(t, ApplySyncBuffer(mainStore, stale))

	got, _, err := mainStore.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), got.Data)
}

// TestSyncBufferSkipsRejectedRecordButAppliesTheRest exercises the "logged
// and skipped, subsequent records continue" half of spec.md 7's sync
// failure rule directly: a stale record ahead of a fresh one must not
// abort the buffer.
func TestSyncBufferSkipsRejectedRecordButAppliesTheRest(t *testing.T) {
	mainStore := openTestStore(t)
	staleKey := sidproto.UdevKey("8_0", "ACTION")
	freshKey := sidproto.UdevKey("8_1", "ACTION")

	_, err := mainStore.Set(staleKey, kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Seqnum: 5},
		Data:   []byte("fresh"),
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	records := []SyncRecord{
		{Key: staleKey, Value: kvstore.Value{Header: kvstore.Header{Owner: "sid_core", Seqnum: 1}, Data: []byte("stale")}},
		{Key: freshKey, Value: kvstore.Value{Header: kvstore.Header{Owner: "sid_core", Seqnum: 1}, Data: []byte("add")}},
	}
	require.NoError(t, ApplySyncBuffer(mainStore, records))

	got, ok, err := mainStore.Get(freshKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("add"), got.Data)
}

// TestSyncBufferRefusesForeignOwnerUnset exercises the cross-owner unset
// gate of spec.md 4.7: an unset presented by a different owner than the
// stored record's must be rejected and logged, not applied.
func TestSyncBufferRefusesForeignOwnerUnset(t *testing.T) {
	mainStore := openTestStore(t)
	key := sidproto.UdevKey("8_0", "ACTION")

	_, err := mainStore.Set(key, kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core"},
		Data:   []byte("add"),
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	foreignUnset := []SyncRecord{{Key: key, Value: kvstore.Value{Header: kvstore.Header{Owner: "other_module"}}}}
	require.NoError(t, ApplySyncBuffer(mainStore, foreignUnset))

	got, ok, err := mainStore.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "unset from a different owner must not remove the record")
	require.Equal(t, []byte("add"), got.Data)
}

// TestSyncBufferUnsetRemovesRecord exercises the unset half of spec.md 4.7:
// a header-only (empty payload) exported record deletes the main store's
// copy.
func TestSyncBufferUnsetRemovesRecord(t *testing.T) {
	mainStore := openTestStore(t)
	key := sidproto.UdevKey("8_0", "ACTION")

	_, err := mainStore.Set(key, kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core"},
		Data:   []byte("add"),
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	unset := []SyncRecord{{Key: key, Value: kvstore.Value{Header: kvstore.Header{Owner: "sid_core"}}}}
	require.NoError(t, ApplySyncBuffer(mainStore, unset))

	_, ok, err := mainStore.Get(key)
	require.NoError(t, err)
	require.False(t, ok)
}
