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

// Package errors collects the core-specific error kinds shared by the KV
// store, scan pipeline and worker-control subsystems. Errors are flat
// sentinels, checked with errors.Is, rather than a type hierarchy.
package errors

import "errors"

var (
	// KV store flag-conflict errors (spec.md 4.2).
	ErrPrivate   = errors.New("record is module-private")    // EACCES
	ErrProtected = errors.New("record is module-protected")  // EPERM
	ErrReserved  = errors.New("record is module-reserved")   // EBUSY
	ErrNoMemory  = errors.New("out of memory")                // ENOMEM
	ErrRejected  = errors.New("predicate rejected write")     // EREMOTEIO

	ErrNotFound       = errors.New("key not found")
	ErrNotVector      = errors.New("value is not a vector")
	ErrIsVector       = errors.New("value is a vector")
	ErrOwnerMismatch  = errors.New("owner mismatch on overwrite")
	ErrStaleSeqnum    = errors.New("stale sequence number")
	ErrUnsortedVector = errors.New("vector elements are not strictly ascending")
	ErrUDEVVector     = errors.New("UDEV namespace may not hold vector values")

	// Scan pipeline errors (spec.md 4.4, 4.5).
	ErrPhaseForbidden = errors.New("capability forbidden in current phase")
	ErrModuleFailed   = errors.New("module callback failed")
	ErrUnknownModule  = errors.New("no module registered for that name")

	// Protocol / transport errors (spec.md 6, 7).
	ErrMalformedFrame  = errors.New("malformed request frame")
	ErrProtoMismatch   = errors.New("protocol version mismatch")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrNotAuthorized   = errors.New("command requires root")
	ErrChannelClosed   = errors.New("worker channel closed")
	ErrWorkerTimedOut  = errors.New("worker execution timed out")
	ErrWorkerNotIdle   = errors.New("worker is not new or idle")
)
