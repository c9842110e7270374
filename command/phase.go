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

// Package command implements the command context and state machine
// (spec.md 4.5, component C6): the phase enum and capability rules it
// tracks, plus the state transitions a request goes through.
package command

// Phase is one step of the fixed scan sequence (spec.md 4.4).
type Phase int

const (
	PhaseInit Phase = iota
	PhaseIdent
	PhaseScanPre
	PhaseScanCurrent
	PhaseScanNext
	PhaseScanPostCurrent
	PhaseScanPostNext
	PhaseWaiting
	PhaseExit
	PhaseTriggerActionCurrent
	PhaseTriggerActionNext
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseIdent:
		return "IDENT"
	case PhaseScanPre:
		return "SCAN_PRE"
	case PhaseScanCurrent:
		return "SCAN_CURRENT"
	case PhaseScanNext:
		return "SCAN_NEXT"
	case PhaseScanPostCurrent:
		return "SCAN_POST_CURRENT"
	case PhaseScanPostNext:
		return "SCAN_POST_NEXT"
	case PhaseWaiting:
		return "WAITING"
	case PhaseExit:
		return "EXIT"
	case PhaseTriggerActionCurrent:
		return "TRIGGER_ACTION_CURRENT"
	case PhaseTriggerActionNext:
		return "TRIGGER_ACTION_NEXT"
	case PhaseError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MainSequence is the strict phase order a command follows absent errors
// (spec.md 4.4). TRIGGER_ACTION_CURRENT/NEXT are not part of it, and
// scan.Pipeline.Run, which walks only this sequence, never enters them.
var MainSequence = []Phase{
	PhaseInit,
	PhaseIdent,
	PhaseScanPre,
	PhaseScanCurrent,
	PhaseScanNext,
	PhaseScanPostCurrent,
	PhaseScanPostNext,
	PhaseWaiting,
	PhaseExit,
}

// Capability is a bitset controlling what a module may mutate during a
// given phase (spec.md 4.4).
type Capability int

const (
	CapNone     Capability = 0
	CapReady    Capability = 1 << 0 // set_ready(), only SCAN_PRE/SCAN_CURRENT
	CapReserved Capability = 1 << 1 // set_reserved(), only SCAN_NEXT
)

// capabilities maps each phase to the capabilities modules may exercise
// while it runs.
var capabilities = map[Phase]Capability{
	PhaseScanPre:     CapReady,
	PhaseScanCurrent: CapReady,
	PhaseScanNext:    CapReserved,
}

// Allows reports whether phase carries cap.
func (p Phase) Allows(cap Capability) bool {
	return capabilities[p]&cap != 0
}

// CoreOnly reports whether phase never invokes module callbacks
// (spec.md 4.4: "INIT/EXIT are core-only").
func (p Phase) CoreOnly() bool {
	return p == PhaseInit || p == PhaseExit
}

// IsErrorEligible reports whether a failure at phase can transition the
// command into the error phase (spec.md 4.4: "on any non-INIT/EXIT phase
// failure").
func (p Phase) IsErrorEligible() bool {
	return !p.CoreOnly() && p != PhaseError
}
