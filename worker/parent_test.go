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
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyParentSucceedsWhenParentStillOwnsProcess(t *testing.T) {
	require.NoError(t, VerifyParent(os.Getppid()))
}

// TestVerifyParentDetectsAlreadyDeadParent covers spec.md 4.6's
// "parent already dead at entry" race: once a worker has been reparented
// (or was simply never a direct child of the recorded PID), VerifyParent
// must report the mismatch instead of the worker running on unsupervised.
func TestVerifyParentDetectsAlreadyDeadParent(t *testing.T) {
	bogusParent := os.Getppid() + 1
	err := VerifyParent(bogusParent)
	require.ErrorIs(t, err, ErrParentExited)
}
