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
	"errors"
	"fmt"
	"os"

	"github.com/sid-project/sid/command"
	siderrors "github.com/sid-project/sid/errors"
	"github.com/sid-project/sid/kvstore"
	"github.com/sid-project/sid/scan"
	"github.com/sid-project/sid/worker"
)

// WorkerRunner dispatches each SCAN command to a re-exec'd worker process
// over its control channel instead of running the pipeline in this
// process, matching spec.md 4.8's production dispatch model ("the proxy
// dispatches each request to a fresh or idle worker"). The worker runs the
// pipeline against its own local store and exports its SYNC-flagged delta
// back over the channel; WorkerRunner merges it into MainStore following
// the same rules ApplySyncBuffer already implements for tests.
type WorkerRunner struct {
	Pool      *worker.Pool
	MainStore *kvstore.Store
}

func (r *WorkerRunner) RunScan(ctx *command.Context) error {
	w := r.Pool.Idle()
	if w == nil {
		var err error
		w, err = r.Pool.Spawn()
		if err != nil {
			return err
		}
	}
	if err := r.Pool.Assign(w); err != nil {
		return err
	}

	payload := scan.EncodeScanPayload(ctx)
	if err := w.Control.Send(worker.Message{Tag: worker.TagData, Payload: payload}); err != nil {
		return err
	}

	reply, err := w.Control.RecvWithFD()
	if err != nil {
		if w.State() == worker.StateTimedOut {
			return errors.Join(siderrors.ErrWorkerTimedOut, err)
		}
		return err
	}

	if reply.Tag != worker.TagDataExt {
		r.Pool.Complete(w)
		return fmt.Errorf("bridge: worker %s reported: %s", w.ID, string(reply.Payload))
	}

	syncFile := os.NewFile(uintptr(reply.FD), "sid-sync-import")
	defer syncFile.Close()

	records, err := ReadSyncBuffer(syncFile)
	if err != nil {
		r.Pool.Complete(w)
		return err
	}
	if err := ApplySyncBuffer(r.MainStore, records); err != nil {
		r.Pool.Complete(w)
		return err
	}

	ctx.Response.Write(reply.Payload)
	r.Pool.Complete(w)
	return nil
}
