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

package command

import (
	"fmt"

	"github.com/sid-project/sid/framebuf"
	sidproto "github.com/sid-project/sid/proto"
)

// State is a node of the command state machine described in spec.md 4.5.
type State int

const (
	StateInitializing State = iota
	StateExecScheduled
	StateExecuting
	StateExecFinished
	StateExpectingData
	StateExpectingExpbufAck
	StateExpbufAcked
	StateOK
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateExecScheduled:
		return "EXEC_SCHEDULED"
	case StateExecuting:
		return "EXECUTING"
	case StateExecFinished:
		return "EXEC_FINISHED"
	case StateExpectingData:
		return "EXPECTING_DATA"
	case StateExpectingExpbufAck:
		return "EXPECTING_EXPBUF_ACK"
	case StateExpbufAcked:
		return "EXPBUF_ACKED"
	case StateOK:
		return "OK"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool { return s == StateOK || s == StateError }

// transitions enumerates the legal state graph edges of spec.md 4.5. ERROR
// is reachable from every non-terminal state and is intentionally omitted
// from each entry; checked separately in Context.Fail.
var transitions = map[State][]State{
	StateInitializing:      {StateExecScheduled},
	StateExecScheduled:     {StateExecuting},
	StateExecuting:         {StateExecFinished, StateExpectingData},
	StateExpectingData:     {StateExecuting},
	StateExecFinished:      {StateOK, StateExpectingExpbufAck},
	StateExpectingExpbufAck: {StateExpbufAcked},
	StateExpbufAcked:       {StateOK},
}

// DeferredHandler is armed once a request's udev environment has been
// parsed and drives EXECUTING -> EXEC_FINISHED (spec.md 4.5).
type DeferredHandler func(ctx *Context) error

// Context is the per-request object described in spec.md 4.5: tracks
// phase, state, request/response buffers, export buffer and the deferred
// handler. It is created from a validated request header and destroyed
// after the terminal state is reached and results are flushed.
type Context struct {
	ID       string
	Header   sidproto.Header
	DevNo    sidproto.DevNo
	Env      map[string]string
	Seqnum   uint64
	WorkerID string

	Phase Phase
	State State

	Request  *framebuf.Buffer
	Response *framebuf.Buffer
	Export   *framebuf.Buffer

	deferred DeferredHandler

	// ExpectExpbufAck is set for commands carrying the
	// EXPECT_EXPBUF_ACK capability (SCAN): they must wait for the main
	// process's sync acknowledgement before the response is flushed
	// (spec.md 4.5).
	ExpectExpbufAck bool

	// err records the first failure, surfaced via the response header's
	// FAILURE bit (spec.md 7).
	err error
}

// New creates a fresh command context in the INITIALIZING state.
func New(id string, header sidproto.Header) *Context {
	return &Context{
		ID:       id,
		Header:   header,
		Env:      make(map[string]string),
		Phase:    PhaseInit,
		State:    StateInitializing,
		Request:  framebuf.New(),
		Response: framebuf.New(),
		Export:   framebuf.New(),
	}
}

// transition validates and performs one state-machine edge.
func (c *Context) transition(next State) error {
	if c.State == StateError {
		return fmt.Errorf("command %s: cannot leave terminal ERROR state", c.ID)
	}
	for _, allowed := range transitions[c.State] {
		if allowed == next {
			c.State = next
			return nil
		}
	}
	return fmt.Errorf("command %s: illegal transition %s -> %s", c.ID, c.State, next)
}

// Arm stores the deferred handler and moves INITIALIZING ->
// EXEC_SCHEDULED (spec.md 4.5); the udev environment is parsed into Env
// by the caller beforehand.
func (c *Context) Arm(handler DeferredHandler) error {
	c.deferred = handler
	return c.transition(StateExecScheduled)
}

// Run invokes the deferred handler, driving EXEC_SCHEDULED -> EXECUTING
// (or EXPECTING_DATA -> EXECUTING on a rearmed reply) and on to
// EXEC_FINISHED or EXPECTING_DATA (spec.md 4.5).
func (c *Context) Run() error {
	if c.State != StateExecuting {
		if err := c.transition(StateExecuting); err != nil {
			return err
		}
	}
	if c.deferred == nil {
		return c.transition(StateExecFinished)
	}
	if err := c.deferred(c); err != nil {
		c.Fail(err)
		return err
	}
	if c.State == StateExecuting {
		return c.transition(StateExecFinished)
	}
	return nil
}

// AwaitData transitions EXECUTING -> EXPECTING_DATA when the command needs
// a resource-tree dump from the main process (spec.md 4.5).
func (c *Context) AwaitData() error {
	return c.transition(StateExpectingData)
}

// Resume re-arms the deferred handler after data arrives. The subsequent
// call to Run drives EXPECTING_DATA -> EXECUTING (spec.md 4.5).
func (c *Context) Resume(handler DeferredHandler) {
	c.deferred = handler
}

// Finish moves EXEC_FINISHED onward: straight to OK, or to
// EXPECTING_EXPBUF_ACK when ExpectExpbufAck is set (spec.md 4.5).
func (c *Context) Finish() error {
	if c.ExpectExpbufAck {
		return c.transition(StateExpectingExpbufAck)
	}
	return c.transition(StateOK)
}

// Ack records the main process's sync acknowledgement, transitioning
// EXPECTING_EXPBUF_ACK -> EXPBUF_ACKED -> OK (spec.md 4.5, 4.7).
func (c *Context) Ack() error {
	if err := c.transition(StateExpbufAcked); err != nil {
		return err
	}
	return c.transition(StateOK)
}

// Fail sets the response header's FAILURE bit and transitions to the
// terminal ERROR state, regardless of the current state (spec.md 4.5, 7:
// "Any unrecoverable error sets the response header's failure bit and
// transitions to ERROR"; "The response header's FAILURE bit is set before
// any response payload is emitted").
func (c *Context) Fail(err error) {
	if c.err == nil {
		c.err = err
	}
	c.Header.SetFailure()
	c.State = StateError
}

// Err returns the first error recorded via Fail, if any.
func (c *Context) Err() error { return c.err }
