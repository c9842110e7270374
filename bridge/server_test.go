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
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sid-project/sid/daemon"
	"github.com/sid-project/sid/framebuf"
	"github.com/sid-project/sid/kvstore"
	sidproto "github.com/sid-project/sid/proto"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "sid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	snapshotPath := filepath.Join(t.TempDir(), "sid.snapshot")
	return NewServer(&InProcessRunner{}, store, snapshotPath, daemon.NewLogger("test"))
}

func startTestServer(t *testing.T) (*net.UnixConn, func()) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "sid.sock")
	l, err := Listen(sockPath)
	require.NoError(t, err)

	srv := newTestServer(t)
	stop := make(chan struct{})
	go srv.Serve(l, stop)

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
	require.NoError(t, err)

	return conn, func() {
		close(stop)
		conn.Close()
		os.Remove(sockPath)
	}
}

func roundTrip(t *testing.T, conn *net.UnixConn, cmd sidproto.Cmd, payload []byte) (sidproto.Header, []byte) {
	t.Helper()
	req := append(sidproto.EncodeHeader(sidproto.Header{Proto: sidproto.ProtocolVersion, Cmd: cmd}), payload...)
	require.NoError(t, framebuf.WriteFramed(conn, req))

	frame, err := framebuf.ReadFramed(conn)
	require.NoError(t, err)
	header, body, ok := sidproto.DecodeHeader(frame)
	require.True(t, ok)
	return header, body
}

func TestActiveCommandRoundTrip(t *testing.T) {
	conn, cleanup := startTestServer(t)
	defer cleanup()

	header, body := roundTrip(t, conn, sidproto.CmdActive, nil)
	require.False(t, header.Failed())
	require.Equal(t, "1", string(body))
}

func TestPrivilegedCommandRejectedForNonRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("test runs as root, cannot exercise the non-root rejection path")
	}
	conn, cleanup := startTestServer(t)
	defer cleanup()

	header, _ := roundTrip(t, conn, sidproto.CmdScan, make([]byte, 8))
	require.True(t, header.Failed())
}

func TestUnknownCommandFails(t *testing.T) {
	conn, cleanup := startTestServer(t)
	defer cleanup()

	header, _ := roundTrip(t, conn, sidproto.CmdUnknown, nil)
	require.True(t, header.Failed())
}

// rootCred bypasses the peer-credential socket handshake so the four
// management commands (all Privileged()) can be exercised without needing
// the test process itself to run as root.
var rootCred = PeerCred{UID: 0}

func TestDispatchCheckpointWritesSnapshotFile(t *testing.T) {
	srv := newTestServer(t)

	key := sidproto.UdevKey("8_0", "ACTION")
	_, err := srv.Store.Set(key, kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Flags: kvstore.FlagPersistent},
		Data:   []byte("add"),
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	ctx := srv.dispatch(request{Header: sidproto.Header{Proto: sidproto.ProtocolVersion, Cmd: sidproto.CmdCheckpoint}}, rootCred)
	require.False(t, ctx.Header.Failed())

	_, statErr := os.Stat(srv.SnapshotPath)
	require.NoError(t, statErr)
}

func TestDispatchDBStatsReportsStoreSize(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.Store.Set(sidproto.UdevKey("8_0", "ACTION"), kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core"},
		Data:   []byte("add"),
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	ctx := srv.dispatch(request{Header: sidproto.Header{Proto: sidproto.ProtocolVersion, Cmd: sidproto.CmdDBStats}}, rootCred)
	require.False(t, ctx.Header.Failed())
	body := string(ctx.Response.Bytes())
	require.Contains(t, body, "keys=")
	require.Contains(t, body, "page_size=")
}

func TestDispatchDBDumpRoundTripsThroughRestoreSnapshot(t *testing.T) {
	srv := newTestServer(t)

	key := sidproto.UdevKey("8_0", "ACTION")
	_, err := srv.Store.Set(key, kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Flags: kvstore.FlagPersistent},
		Data:   []byte("add"),
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	ctx := srv.dispatch(request{Header: sidproto.Header{Proto: sidproto.ProtocolVersion, Cmd: sidproto.CmdDBDump}}, rootCred)
	require.False(t, ctx.Header.Failed())

	restoreStore, err := kvstore.Open(filepath.Join(t.TempDir(), "restore.db"))
	require.NoError(t, err)
	defer restoreStore.Close()
	require.NoError(t, daemon.RestoreSnapshot(restoreStore, bytes.NewReader(ctx.Response.Bytes())))

	got, ok, err := restoreStore.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("add"), got.Data)
}

func TestDispatchResourcesListsGroupMembers(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.Store.Set(sidproto.LayerKey("8_0", sidproto.CoreGroupMembers), kvstore.Value{
		Header:   kvstore.Header{Owner: "sid_core"},
		IsVector: true,
		Elements: [][]byte{[]byte("8_1"), []byte("8_2")},
	}, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	require.NoError(t, err)

	ctx := srv.dispatch(request{Header: sidproto.Header{Proto: sidproto.ProtocolVersion, Cmd: sidproto.CmdResources}}, rootCred)
	require.False(t, ctx.Header.Failed())
	require.Equal(t, "8_0: 8_1,8_2\n", string(ctx.Response.Bytes()))
}
