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

package worker

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sid-project/sid/daemon"
	siderrors "github.com/sid-project/sid/errors"
)

func TestSpawnNotifiesOnExit(t *testing.T) {
	pool := NewPool(daemon.Config{
		WorkerBinary: "/bin/sh",
		YieldPolicy:  daemon.YieldTerminateImmediately,
	}, daemon.NewLogger("test"))

	var mu sync.Mutex
	var exitedID string
	done := make(chan struct{})
	pool.OnExit = func(id string, err error) {
		mu.Lock()
		exitedID = id
		mu.Unlock()
		close(done)
	}

	w, err := pool.Spawn("-c", "exit 0")
	require.NoError(t, err)
	require.Equal(t, StateNew, w.State())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not report exit in time")
	}

	mu.Lock()
	require.Equal(t, w.ID, exitedID)
	mu.Unlock()
	require.Equal(t, StateExited, w.State())
	require.Equal(t, 0, pool.Len())
}

func TestAssignAndCompleteWithoutTimeout(t *testing.T) {
	pool := NewPool(daemon.Config{
		WorkerBinary: "/bin/sh",
		ExecTimeout:  0, // disabled: exercise Assign/Complete bookkeeping only
	}, daemon.NewLogger("test"))

	w, err := pool.Spawn("-c", "sleep 5")
	require.NoError(t, err)
	defer w.cmd.Process.Kill()

	require.NoError(t, pool.Assign(w))
	require.Equal(t, StateAssigned, w.State())

	pool.Complete(w)
	require.Equal(t, StateIdle, w.State())

	idle := pool.Idle()
	require.NotNil(t, idle)
	require.Equal(t, w.ID, idle.ID)
}

func TestAssignRejectsAlreadyAssignedWorker(t *testing.T) {
	pool := NewPool(daemon.Config{
		WorkerBinary: "/bin/sh",
	}, daemon.NewLogger("test"))

	w, err := pool.Spawn("-c", "sleep 5")
	require.NoError(t, err)
	defer w.cmd.Process.Kill()

	require.NoError(t, pool.Assign(w))
	require.ErrorIs(t, pool.Assign(w), siderrors.ErrWorkerNotIdle)
}

// TestExecTimeoutSignalsWorker exercises spec.md 8 scenario 6: an
// execution-timeout event source fires a configurable signal at the
// worker once its assigned duration elapses.
func TestExecTimeoutSignalsWorker(t *testing.T) {
	pool := NewPool(daemon.Config{
		WorkerBinary:      "/bin/sh",
		ExecTimeout:       20 * time.Millisecond,
		ExecTimeoutSignal: int(syscall.SIGTERM),
	}, daemon.NewLogger("test"))

	w, err := pool.Spawn("-c", "trap 'exit 0' TERM; sleep 5 & wait")
	require.NoError(t, err)

	require.NoError(t, pool.Assign(w))

	require.Eventually(t, func() bool {
		return w.State() == StateTimedOut
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return w.State() == StateExited
	}, time.Second, 5*time.Millisecond)
}

func TestYieldIdleTimeoutPolicyTerminatesLater(t *testing.T) {
	pool := NewPool(daemon.Config{
		WorkerBinary: "/bin/sh",
		YieldPolicy:  daemon.YieldIdleTimeout,
		IdleTimeout:  10 * time.Millisecond,
	}, daemon.NewLogger("test"))

	w, err := pool.Spawn("-c", "sleep 5")
	require.NoError(t, err)
	defer w.cmd.Process.Kill()

	require.NoError(t, pool.Yield(w))
	require.Equal(t, StateIdle, w.State())

	require.Eventually(t, func() bool {
		return w.State() == StateExiting
	}, time.Second, 5*time.Millisecond)
}
