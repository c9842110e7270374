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
	"github.com/sid-project/sid/command"
	"github.com/sid-project/sid/scan"
)

// runScanRequest parses the SCAN payload onto ctx, imports its udev
// environment, and hands ctx to runner. It arms and immediately runs the
// deferred handler since payload parsing (the udev-env decode) is what
// spec.md 4.5 describes as the trigger for INITIALIZING -> EXEC_SCHEDULED.
func runScanRequest(ctx *command.Context, payload []byte, runner Runner) error {
	ctx.ExpectExpbufAck = true
	if err := scan.ParseScanPayload(ctx, payload); err != nil {
		return err
	}
	if err := ctx.Arm(func(c *command.Context) error {
		return runner.RunScan(c)
	}); err != nil {
		return err
	}
	if err := ctx.Run(); err != nil {
		return err
	}
	if err := ctx.Finish(); err != nil {
		return err
	}
	// A real worker sends its export buffer and waits for the proxy's
	// ack here (spec.md 4.7); the in-process Runner below writes the main
	// store directly with no export buffer to merge, so the ack is
	// immediate.
	return ctx.Ack()
}

// InProcessRunner runs the scan pipeline directly against store instead of
// dispatching to a separate worker process channel, used by the
// single-process fallback and by tests (spec.md 4.8 still requires a
// worker-per-connection in production; main.go wires the worker-channel
// Runner there).
type InProcessRunner struct {
	Pipeline *scan.Pipeline
}

func (r *InProcessRunner) RunScan(ctx *command.Context) error {
	if err := scan.ImportUdevEnv(ctx, r.Pipeline.Store, r.Pipeline.Gennum); err != nil {
		return err
	}
	return r.Pipeline.Run(ctx)
}
