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

	"github.com/sid-project/sid/command"
	"github.com/sid-project/sid/daemon"
	"github.com/sid-project/sid/kvstore"
	sidproto "github.com/sid-project/sid/proto"
	"github.com/sid-project/sid/worker"
)

// TestMain lets this test binary re-exec itself as a fake worker, the same
// re-exec pattern main.go uses for the real daemon (spec.md 4.6): a worker
// process is just this binary run with SID_FAKE_WORKER=1, so WorkerRunner
// can be driven end to end without depending on the daemon binary being
// built first.
func TestMain(m *testing.M) {
	if os.Getenv("SID_FAKE_WORKER") == "1" {
		runFakeWorker()
		return
	}
	os.Exit(m.Run())
}

// runFakeWorker replies to its one expected request with a plain TagData
// error message and no ancillary FD, mirroring how a real worker reports a
// scan failure (cmd/sid/main.go's runOneCommand).
func runFakeWorker() {
	ch, err := worker.FromFD(3, "fake-worker")
	if err != nil {
		os.Exit(1)
	}
	defer ch.Close()

	if _, err := ch.Recv(); err != nil {
		os.Exit(1)
	}
	if err := ch.Send(worker.Message{Tag: worker.TagData, Payload: []byte("scan failed: no such device")}); err != nil {
		os.Exit(1)
	}
}

// TestWorkerRunnerCompletesWorkerOnPlainErrorReply exercises the single
// largest-weighted dispatch path end to end: a worker reports failure as a
// plain TagData message, and RunScan must surface the worker's error text
// and still release the worker back to IDLE instead of leaking it in
// ASSIGNED (spec.md 4.6, 4.8).
func TestWorkerRunnerCompletesWorkerOnPlainErrorReply(t *testing.T) {
	testBinary, err := os.Executable()
	require.NoError(t, err)

	require.NoError(t, os.Setenv("SID_FAKE_WORKER", "1"))
	t.Cleanup(func() { os.Unsetenv("SID_FAKE_WORKER") })

	store, err := kvstore.Open(filepath.Join(t.TempDir(), "sid.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool := worker.NewPool(daemon.Config{WorkerBinary: testBinary}, daemon.NewLogger("test"))
	runner := &WorkerRunner{Pool: pool, MainStore: store}

	ctx := command.New("test-worker-runner", sidproto.Header{Cmd: sidproto.CmdScan})

	err = runner.RunScan(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "scan failed: no such device")

	idle := pool.Idle()
	require.NotNil(t, idle)
	require.Equal(t, worker.StateIdle, idle.State())
}
