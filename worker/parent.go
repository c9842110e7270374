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
	"fmt"
	"os"
)

// ErrParentExited is returned by VerifyParent when the calling process's
// current parent no longer matches the PID captured by the proxy at spawn
// time.
var ErrParentExited = fmt.Errorf("worker: parent process exited before PDEATHSIG installed")

// VerifyParent closes the race spec.md 4.6 describes between a worker's
// fork/exec and its PR_SET_PDEATHSIG installation: if the proxy that spawned
// this worker had already exited by the time the kernel processed the
// SysProcAttr.Pdeathsig request, the signal is never delivered and the
// worker would otherwise run on indefinitely under whatever process
// inherited it. A worker calls this once, immediately after startup, with
// the parent PID the proxy recorded in SID_WORKER_PARENT_PID.
func VerifyParent(expectedParentPID int) error {
	if os.Getppid() != expectedParentPID {
		return ErrParentExited
	}
	return nil
}
