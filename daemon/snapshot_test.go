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

package daemon

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sid-project/sid/kvstore"
	sidproto "github.com/sid-project/sid/proto"
)

func TestSnapshotRoundTripOnlyPersistsFlaggedRecords(t *testing.T) {
	src, err := kvstore.Open(filepath.Join(t.TempDir(), "src.db"))
	require.NoError(t, err)
	defer src.Close()

	persistentKey := sidproto.GlobalKey(sidproto.CoreBootID)
	_, err = src.Set(persistentKey, kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Flags: kvstore.FlagPersistent},
		Data:   []byte("boot-123"),
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	transientKey := sidproto.DeviceKey("8_0", sidproto.CoreReady)
	_, err = src.Set(transientKey, kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core"},
		Data:   []byte("UNPROCESSED"),
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, DumpSnapshot(src, &buf))

	dst, err := kvstore.Open(filepath.Join(t.TempDir(), "dst.db"))
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, RestoreSnapshot(dst, &buf))

	got, ok, err := dst.Get(persistentKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("boot-123"), got.Data)

	_, ok, err = dst.Get(transientKey)
	require.NoError(t, err)
	require.False(t, ok, "non-persistent records must not survive a snapshot round trip")
}
