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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sid-project/sid/daemon"
	siderrors "github.com/sid-project/sid/errors"
	"github.com/sid-project/sid/metrics"
)

// LifecycleState is one node of a worker's lifecycle (spec.md 4.6).
type LifecycleState int

const (
	StateNew LifecycleState = iota
	StateIdle
	StateAssigned
	StateExiting
	StateExited
	StateTimedOut
)

func (s LifecycleState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateIdle:
		return "IDLE"
	case StateAssigned:
		return "ASSIGNED"
	case StateExiting:
		return "EXITING"
	case StateExited:
		return "EXITED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Worker is one re-exec'd child process together with the proxy's side of
// its control channel (spec.md 2, 4.6).
type Worker struct {
	ID      string
	Control *Channel
	cmd     *exec.Cmd

	mu    sync.Mutex
	state LifecycleState
	timer *time.Timer
}

func (w *Worker) State() LifecycleState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s LifecycleState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Pool spawns and tracks the daemon's worker processes (spec.md 4.6,
// component C8). Each worker is a re-exec of the daemon's own binary,
// following the privilege-separation pattern common to Go daemons since
// the runtime provides no fork(); PR_SET_PDEATHSIG maps directly onto
// exec.Cmd's SysProcAttr.Pdeathsig, so an orphaned worker is reaped by the
// kernel exactly as the reference daemon relies on the raw prctl(2) call.
type Pool struct {
	log    *daemon.Logger
	binary string
	policy daemon.WorkerYieldPolicy

	execTimeout       time.Duration
	execTimeoutSignal syscall.Signal
	idleTimeout       time.Duration

	mu      sync.Mutex
	workers map[string]*Worker
	nextID  int

	// OnExit is invoked from a dedicated goroutine per worker once its
	// process has been reaped, letting the bridge release any command
	// still assigned to it.
	OnExit func(id string, err error)
}

func NewPool(cfg daemon.Config, log *daemon.Logger) *Pool {
	binary := cfg.WorkerBinary
	return &Pool{
		log:               log,
		binary:            binary,
		policy:            cfg.YieldPolicy,
		execTimeout:       cfg.ExecTimeout,
		execTimeoutSignal: syscall.Signal(cfg.ExecTimeoutSignal),
		idleTimeout:       cfg.IdleTimeout,
		workers:           make(map[string]*Worker),
	}
}

// Spawn re-execs the worker binary with SID_WORKER=1 in its environment
// and a socketpair-backed control channel on fd 3 (spec.md 4.6).
func (p *Pool) Spawn(binaryArgs ...string) (*Worker, error) {
	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("worker-%d", p.nextID)
	p.mu.Unlock()

	binary := p.binary
	if binary == "" {
		binary = "/proc/self/exe"
	}

	proxySide, workerFile, err := NewSocketpair()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(binary, binaryArgs...)
	cmd.Env = append(cmd.Environ(),
		"SID_WORKER=1",
		"SID_WORKER_ID="+id,
		fmt.Sprintf("SID_WORKER_PARENT_PID=%d", os.Getpid()),
	)
	cmd.ExtraFiles = []*os.File{workerFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Every worker this pool spawns is an internal scan worker
		// (spec.md 4.6: "SIGUSR1 for internal, SIGTERM for external");
		// SIGUSR1's default disposition already terminates a process
		// that installs no handler for it.
		Pdeathsig: syscall.SIGUSR1,
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		workerFile.Close()
		proxySide.Close()
		return nil, err
	}
	workerFile.Close()

	w := &Worker{ID: id, Control: proxySide, cmd: cmd, state: StateNew}

	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()

	go p.reap(w)

	metrics.WorkerSpawnTotal.Inc()
	return w, nil
}

// reap blocks on the child's exit and notifies OnExit; this is Go's
// idiomatic replacement for a manual SIGCHLD handler, since exec.Cmd.Wait
// already reaps the process and races safely against concurrent Wait
// calls elsewhere in the process (spec.md 5, "process exit is an event
// source the reactor loop must observe").
func (p *Pool) reap(w *Worker) {
	err := w.cmd.Wait()
	w.setState(StateExited)

	p.mu.Lock()
	delete(p.workers, w.ID)
	p.mu.Unlock()

	reason := "clean"
	if err != nil {
		reason = "error"
	}
	metrics.WorkerExitTotal.WithLabelValues(reason).Inc()

	if p.OnExit != nil {
		p.OnExit(w.ID, err)
	}
}

// Assign marks w ASSIGNED and, if configured, arms the execution-timeout
// timer that fires ExecTimeoutSignal at the worker if it overruns
// (spec.md 4.6, 5). It refuses to assign a worker that is not currently
// NEW or IDLE, since dispatching a second command onto an already-busy
// worker would corrupt its control channel framing.
func (p *Pool) Assign(w *Worker) error {
	w.mu.Lock()
	if w.state != StateNew && w.state != StateIdle {
		w.mu.Unlock()
		return siderrors.ErrWorkerNotIdle
	}
	w.state = StateAssigned
	w.mu.Unlock()

	if p.execTimeout <= 0 {
		return nil
	}
	w.mu.Lock()
	w.timer = time.AfterFunc(p.execTimeout, func() {
		w.setState(StateTimedOut)
		metrics.WorkerTimeoutTotal.Inc()
		_ = w.cmd.Process.Signal(p.execTimeoutSignal)
	})
	w.mu.Unlock()
	return nil
}

// Complete disarms the timeout timer and marks w IDLE, ready for reuse.
func (p *Pool) Complete(w *Worker) {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	w.setState(StateIdle)
}

// Yield handles a worker's YIELD message per the configured policy
// (spec.md 4.6, 9): either terminate it immediately, or leave it IDLE and
// let an idle timer terminate it later.
func (p *Pool) Yield(w *Worker) error {
	switch p.policy {
	case daemon.YieldIdleTimeout:
		w.setState(StateIdle)
		w.mu.Lock()
		w.timer = time.AfterFunc(p.idleTimeout, func() {
			p.Terminate(w)
		})
		w.mu.Unlock()
		return nil
	default:
		return p.Terminate(w)
	}
}

// Terminate asks a worker to exit and marks it EXITING.
func (p *Pool) Terminate(w *Worker) error {
	w.setState(StateExiting)
	if err := w.Control.Send(Message{Tag: TagYield}); err != nil {
		return errors.Join(siderrors.ErrChannelClosed, err)
	}
	return nil
}

// Idle returns the first IDLE worker, if any, for reuse without a fresh
// spawn (spec.md 4.6: workers "may be recycled between commands").
func (p *Pool) Idle() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.State() == StateIdle {
			return w
		}
	}
	return nil
}

func (p *Pool) Get(id string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	return w, ok
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
