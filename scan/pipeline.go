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

package scan

import (
	"time"

	"github.com/sid-project/sid/command"
	siderrors "github.com/sid-project/sid/errors"
	"github.com/sid-project/sid/kvstore"
	"github.com/sid-project/sid/metrics"
	sidproto "github.com/sid-project/sid/proto"
)

// Pipeline drives one device through the ordered phase sequence, invoking
// block-module fan-out then the matched type module at each phase
// (spec.md 4.4).
type Pipeline struct {
	Store    *kvstore.Store
	Registry *Registry
	Sysfs    SysfsReader
	Gennum   uint64

	errorEntered bool
}

func NewPipeline(store *kvstore.Store, registry *Registry, sysfs SysfsReader, gennum uint64) *Pipeline {
	return &Pipeline{Store: store, Registry: registry, Sysfs: sysfs, Gennum: gennum}
}

// Run executes cmd through the main phase sequence. On any non-INIT/EXIT
// phase failure it enters the error phase exactly once and proceeds to
// EXIT (spec.md 4.4, 7); INIT/EXIT failures are fatal to the command.
func (p *Pipeline) Run(cmd *command.Context) error {
	for _, phase := range command.MainSequence {
		cmd.Phase = phase
		metrics.PhaseTotal.WithLabelValues(phase.String()).Inc()
		start := time.Now()

		var err error
		switch phase {
		case command.PhaseInit:
			err = p.runInit(cmd)
		case command.PhaseIdent:
			err = p.runIdent(cmd)
		case command.PhaseExit:
			err = p.runExit(cmd)
		default:
			err = p.fanOut(cmd, phase)
		}

		metrics.PhaseDuration.WithLabelValues(phase.String()).Observe(time.Since(start).Seconds())

		if err == nil {
			continue
		}
		metrics.PhaseFailedTotal.WithLabelValues(phase.String()).Inc()

		if !phase.IsErrorEligible() {
			cmd.Fail(err)
			return err
		}

		p.runErrorPhase(cmd)
		cmd.Phase = command.PhaseExit
		if exitErr := p.runExit(cmd); exitErr != nil {
			cmd.Fail(exitErr)
			return exitErr
		}
		// A module failure outside INIT/EXIT is recoverable once the error
		// phase and EXIT both complete (spec.md 4.4, 7): the command still
		// reaches its normal Finish/Ack path, only the response header
		// carries the failure.
		cmd.Header.SetFailure()
		return nil
	}
	return nil
}

// runInit initializes READY/RESERVED if absent and refreshes the
// device-hierarchy records (spec.md 4.4).
func (p *Pipeline) runInit(cmd *command.Context) error {
	majorMinor := cmd.DevNo.MajorMinor()

	if err := p.initState(majorMinor, sidproto.CoreReady); err != nil {
		return err
	}
	if err := p.initState(majorMinor, sidproto.CoreReserved); err != nil {
		return err
	}

	return p.refreshHierarchy(cmd, majorMinor)
}

func (p *Pipeline) initState(majorMinor, core string) error {
	key := sidproto.DeviceKey(majorMinor, core)
	_, exists, err := p.Store.Get(key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	v := kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Gennum: p.Gennum, Flags: kvstore.FlagSync},
		Data:   []byte("UNPROCESSED"),
	}
	_, err = p.Store.Set(key, v, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	return err
}

// refreshHierarchy reads /sys/.../slaves for a whole disk, or the parent
// dev number for a partition, and applies a DELTA_WITH_DIFF|DELTA_WITH_REL
// SET to the current device's group-members key (spec.md 4.4).
func (p *Pipeline) refreshHierarchy(cmd *command.Context, majorMinor string) error {
	devpath := cmd.Env["DEVPATH"]
	devtype := cmd.Env["DEVTYPE"]

	var related []string
	switch devtype {
	case "partition":
		parent, err := p.Sysfs.ParentDevNo(devpath)
		if err != nil {
			return err
		}
		if parent != "" {
			related = []string{parent}
		}
	default:
		slaves, err := p.Sysfs.Slaves(devpath)
		if err != nil {
			return err
		}
		related = slaves
	}

	elements := make([][]byte, 0, len(related))
	for _, r := range related {
		elements = append(elements, []byte(r))
	}

	groupKey := sidproto.LayerKey(majorMinor, sidproto.CoreGroupMembers)
	relatedKey := func(element []byte) sidproto.Key {
		return sidproto.LayerKey(string(element), sidproto.CoreGroupIn)
	}

	// DELTA_WITH_DIFF|DELTA_WITH_REL (spec.md 4.4): both the absolute-delta
	// companions and the inverse-key propagation are maintained for the
	// group-members hierarchy update.
	_, err := p.Store.ApplyDelta(groupKey, kvstore.DeltaSet, elements, kvstore.AcceptAlways, kvstore.ApplyDeltaOptions{
		Owner:           "sid_core",
		Gennum:          p.Gennum,
		Seqnum:          cmd.Seqnum,
		StoreFlags:      kvstore.FlagSync,
		WithRel:         true,
		RelatedKey:      relatedKey,
		PersistAbsolute: true,
	})
	return err
}

// runIdent resolves the device's driver/type module name, either from a
// prior DEVICE record or by scanning /proc/devices (spec.md 4.4).
func (p *Pipeline) runIdent(cmd *command.Context) error {
	majorMinor := cmd.DevNo.MajorMinor()
	driverKey := sidproto.DeviceKey(majorMinor, "SID_DRIVER")

	if v, ok, err := p.Store.Get(driverKey); err != nil {
		return err
	} else if ok {
		cmd.Env["SID_DRIVER"] = string(v.Data)
		return nil
	}

	drivers, err := p.Sysfs.BlockDrivers()
	if err != nil {
		return err
	}
	name, ok := drivers[cmd.DevNo.Major]
	if !ok {
		return siderrors.ErrUnknownModule
	}
	cmd.Env["SID_DRIVER"] = name

	v := kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Gennum: p.Gennum, Seqnum: cmd.Seqnum, Flags: kvstore.FlagSync},
		Data:   []byte(name),
	}
	_, err = p.Store.Set(driverKey, v, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	return err
}

// runExit is core-only: it finalizes response state. Failures here are
// fatal to the command (spec.md 4.4, 7).
func (p *Pipeline) runExit(cmd *command.Context) error {
	return ExportUdevProperties(cmd, p.Store, cmd.DevNo.MajorMinor())
}

// fanOut invokes every block module's callback for phase, then the
// matched type module's current-layer callback, and from SCAN_NEXT onward
// the optional next-layer module named by SID_NEXT_MOD (spec.md 4.4).
func (p *Pipeline) fanOut(cmd *command.Context, phase command.Phase) error {
	majorMinor := cmd.DevNo.MajorMinor()

	for _, block := range p.Registry.BlockModules() {
		cb := block.Callbacks.forPhase(phase)
		if cb == nil {
			continue
		}
		kv := newKV(p.Store, block.Name, phase, majorMinor, p.Gennum, cmd.Seqnum)
		if err := cb(cmd, kv); err != nil {
			return siderrors.ErrModuleFailed
		}
	}

	driverName := cmd.Env["SID_DRIVER"]
	if driverName != "" {
		if err := p.invokeType(cmd, phase, driverName, majorMinor); err != nil {
			return err
		}
	}

	if phase >= command.PhaseScanNext {
		nextKey := sidproto.DeviceKey(majorMinor, sidproto.CoreNextMod)
		if v, ok, err := p.Store.Get(nextKey); err == nil && ok {
			if err := p.invokeType(cmd, phase, string(v.Data), majorMinor); err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *Pipeline) invokeType(cmd *command.Context, phase command.Phase, moduleName, majorMinor string) error {
	mod, ok := p.Registry.TypeModule(moduleName)
	if !ok {
		return nil
	}
	cb := mod.Callbacks.forPhase(phase)
	if cb == nil {
		return nil
	}
	kv := newKV(p.Store, mod.Name, phase, majorMinor, p.Gennum, cmd.Seqnum)
	if err := cb(cmd, kv); err != nil {
		return siderrors.ErrModuleFailed
	}
	return nil
}

// runErrorPhase invokes the Error callback of every block module and the
// matched type module, best-effort, exactly once (spec.md 4.4, 7).
func (p *Pipeline) runErrorPhase(cmd *command.Context) {
	if p.errorEntered {
		return
	}
	p.errorEntered = true
	cmd.Phase = command.PhaseError
	_ = p.fanOut(cmd, command.PhaseError)
}
