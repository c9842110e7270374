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

// Package scan drives a device through the ordered phase sequence and
// invokes module callbacks at each phase, per spec.md 4.4 (component C7).
// The individual classification modules themselves are out of scope
// (spec.md 1); this package only defines the callback contract and phase
// ordering they plug into.
package scan

import (
	"github.com/sid-project/sid/command"
)

// Callback is the signature every module phase entry point has. Modules
// never throw; a negative-equivalent result is a returned error, mapped
// from the "exception-style failure in modules" design note in
// spec.md 9.
type Callback func(ctx *command.Context, kv KV) error

// PhaseCallbacks is a per-module record of optional function values, one
// per phase -- the idiomatic-Go rendering of the "packed struct indexed by
// phase" callback table described in spec.md 9.
type PhaseCallbacks struct {
	Init                  Callback
	Ident                 Callback
	ScanPre               Callback
	ScanCurrent           Callback
	ScanNext              Callback
	ScanPostCurrent       Callback
	ScanPostNext          Callback
	Waiting               Callback
	Exit                  Callback
	Error                 Callback
	TriggerActionCurrent  Callback
	TriggerActionNext     Callback
}

func (pc PhaseCallbacks) forPhase(p command.Phase) Callback {
	switch p {
	case command.PhaseInit:
		return pc.Init
	case command.PhaseIdent:
		return pc.Ident
	case command.PhaseScanPre:
		return pc.ScanPre
	case command.PhaseScanCurrent:
		return pc.ScanCurrent
	case command.PhaseScanNext:
		return pc.ScanNext
	case command.PhaseScanPostCurrent:
		return pc.ScanPostCurrent
	case command.PhaseScanPostNext:
		return pc.ScanPostNext
	case command.PhaseWaiting:
		return pc.Waiting
	case command.PhaseExit:
		return pc.Exit
	case command.PhaseError:
		return pc.Error
	case command.PhaseTriggerActionCurrent:
		return pc.TriggerActionCurrent
	case command.PhaseTriggerActionNext:
		return pc.TriggerActionNext
	default:
		return nil
	}
}

// BlockModule is invoked at every phase, for every loaded block module, in
// registration order (spec.md 4.4, "fan-out over all loaded block
// modules").
type BlockModule struct {
	Name      string
	Callbacks PhaseCallbacks
}

// TypeModule is the single module matched to a device's driver/type; it
// runs as either the "current" or "next" layer module from SCAN_NEXT
// onward (spec.md 4.4).
type TypeModule struct {
	Name      string
	Callbacks PhaseCallbacks
}

// Registry is the minimal static module registry the core needs to drive
// the pipeline in this repo and its tests. Loading modules from shared
// objects, as the original daemon does, has no portable Go equivalent and
// is out of scope (spec.md 1); registration here is purely programmatic
// (spec.md 9, "static registration").
type Registry struct {
	block []*BlockModule
	types map[string]*TypeModule
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TypeModule)}
}

func (r *Registry) RegisterBlock(m *BlockModule) { r.block = append(r.block, m) }

func (r *Registry) RegisterType(m *TypeModule) { r.types[m.Name] = m }

func (r *Registry) BlockModules() []*BlockModule { return r.block }

func (r *Registry) TypeModule(name string) (*TypeModule, bool) {
	m, ok := r.types[name]
	return m, ok
}
