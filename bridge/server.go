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
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/sid-project/sid/command"
	"github.com/sid-project/sid/daemon"
	siderrors "github.com/sid-project/sid/errors"
	"github.com/sid-project/sid/framebuf"
	"github.com/sid-project/sid/kvstore"
	"github.com/sid-project/sid/metrics"
	sidproto "github.com/sid-project/sid/proto"
)

// Runner executes one already-decoded command context to completion. The
// production Server hands this off across a worker channel; tests and the
// single-process fallback mode run the scan pipeline in-process
// (spec.md 4.8, "dispatches each to a fresh or idle worker").
type Runner interface {
	RunScan(ctx *command.Context) error
}

// Server accepts client connections on the listening socket and dispatches
// each request to a Runner (spec.md 4.8, component C9). Store and
// SnapshotPath back the four management commands (CHECKPOINT, DBSTATS,
// DBDUMP, RESOURCES) that the main process serves directly against its own
// authoritative store rather than fanning out to a worker (spec.md 6).
type Server struct {
	Runner       Runner
	Store        *kvstore.Store
	SnapshotPath string
	Log          *daemon.Logger
}

func NewServer(runner Runner, store *kvstore.Store, snapshotPath string, log *daemon.Logger) *Server {
	return &Server{Runner: runner, Store: store, SnapshotPath: snapshotPath, Log: log}
}

// Listen creates the listening UNIX socket at path, removing a stale
// socket file left behind by an unclean shutdown.
func Listen(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	return net.ListenUnix("unix", addr)
}

// Serve accepts connections until l is closed or stop is closed.
func (s *Server) Serve(l *net.UnixListener, stop <-chan struct{}) error {
	go func() {
		<-stop
		l.Close()
	}()
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn *net.UnixConn) {
	defer conn.Close()

	cred, err := peerCred(conn)
	if err != nil {
		s.Log.Warn("dropping connection, could not read peer credentials: %v", err)
		return
	}

	for {
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		resp := s.dispatch(req, cred)
		if err := writeResponse(conn, resp); err != nil {
			return
		}
	}
}

// request is a decoded client request frame.
type request struct {
	Header  sidproto.Header
	Payload []byte
}

func readRequest(conn *net.UnixConn) (request, error) {
	frame, err := framebuf.ReadFramed(conn)
	if err != nil {
		return request{}, err
	}
	header, payload, ok := sidproto.DecodeHeader(frame)
	if !ok {
		return request{}, siderrors.ErrMalformedFrame
	}
	return request{Header: header, Payload: payload}, nil
}

func writeResponse(conn *net.UnixConn, ctx *command.Context) error {
	header := ctx.Header
	header.Proto = sidproto.ProtocolVersion
	frame := append(sidproto.EncodeHeader(header), ctx.Response.Bytes()...)
	return framebuf.WriteFramed(conn, frame)
}

// dispatch authorizes and runs one request, returning a completed command
// context whose Header/Response are ready to be written back (spec.md 6,
// "Privileged commands").
func (s *Server) dispatch(req request, cred PeerCred) *command.Context {
	ctx := command.New(uuid.NewString(), req.Header)
	ctx.WorkerID = sessionID(cred)

	if req.Header.Proto != sidproto.ProtocolVersion {
		ctx.Fail(siderrors.ErrProtoMismatch)
		return ctx
	}
	if req.Header.Cmd.Privileged() && !cred.Authorized() {
		ctx.Fail(siderrors.ErrNotAuthorized)
		return ctx
	}

	switch req.Header.Cmd {
	case sidproto.CmdScan:
		if err := runScanRequest(ctx, req.Payload, s.Runner); err != nil {
			ctx.Fail(err)
		}
	case sidproto.CmdActive:
		runSimple(ctx, func() error { ctx.Response.WriteString("1"); return nil })
	case sidproto.CmdVersion:
		runSimple(ctx, func() error { ctx.Response.WriteString("sid/1"); return nil })
	case sidproto.CmdCheckpoint:
		runSimple(ctx, func() error { return daemon.Checkpoint(s.Store, s.SnapshotPath) })
	case sidproto.CmdDBStats:
		runSimple(ctx, func() error {
			st := s.Store.Stats()
			metrics.StoreKeyCount.Set(float64(st.KeyCount))
			ctx.Response.WriteString(fmt.Sprintf("keys=%d page_size=%d\n", st.KeyCount, st.PageSize))
			return nil
		})
	case sidproto.CmdDBDump:
		runSimple(ctx, func() error { return daemon.DumpSnapshot(s.Store, ctx.Response) })
	case sidproto.CmdResources:
		runSimple(ctx, func() error { return writeResourceTree(s.Store, ctx.Response) })
	default:
		ctx.Fail(siderrors.ErrUnknownCommand)
	}
	return ctx
}

// runSimple drives a command with no worker fan-out straight through
// INITIALIZING -> ... -> OK, failing ctx if fn (or the state machine
// itself) returns an error.
func runSimple(ctx *command.Context, fn func() error) {
	if err := ctx.Arm(func(*command.Context) error { return fn() }); err != nil {
		ctx.Fail(err)
		return
	}
	if err := ctx.Run(); err != nil {
		ctx.Fail(err)
		return
	}
	if err := ctx.Finish(); err != nil {
		ctx.Fail(err)
	}
}

func sessionID(cred PeerCred) string {
	return "peer-" + strconv.FormatInt(int64(cred.PID), 10)
}
