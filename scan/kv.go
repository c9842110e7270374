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
	"github.com/sid-project/sid/command"
	siderrors "github.com/sid-project/sid/errors"
	"github.com/sid-project/sid/kvstore"
	sidproto "github.com/sid-project/sid/proto"
)

// ReadyState and ReservedState are the two device-scoped states a module
// may drive (spec.md 4.4).
type ReadyState string

const (
	ReadyUnprocessed ReadyState = "UNPROCESSED"
	ReadyPublic      ReadyState = "PUBLIC"
	ReadyPrivate     ReadyState = "PRIVATE"
)

type ReservedState string

const (
	ReservedUnprocessed ReservedState = "UNPROCESSED"
	ReservedReserved    ReservedState = "RESERVED"
)

// KV is the capability-checked view of the store a module callback
// receives. Set and Unset act under the invoking module's own name as
// owner; SetReady and SetReserved write the core-owned ("sid_core")
// device state records after enforcing the phase capability rules of
// spec.md 4.4.
type KV struct {
	store      *kvstore.Store
	moduleName string
	phase      command.Phase
	majorMinor string
	gennum     uint64
	seqnum     uint64
}

func newKV(store *kvstore.Store, moduleName string, phase command.Phase, majorMinor string, gennum, seqnum uint64) KV {
	return KV{store: store, moduleName: moduleName, phase: phase, majorMinor: majorMinor, gennum: gennum, seqnum: seqnum}
}

// Get performs a scoped read.
func (k KV) Get(key sidproto.Key) (kvstore.Value, bool, error) {
	return k.store.Get(key)
}

// Set writes value at key as this module, tagging owner/gennum/seqnum
// automatically.
func (k KV) Set(key sidproto.Key, value kvstore.Value, flags kvstore.Flags) (bool, error) {
	value.Owner = k.moduleName
	value.Gennum = k.gennum
	value.Seqnum = k.seqnum
	value.Flags = flags
	return k.store.Set(key, value, kvstore.MergeOpMerge, kvstore.AcceptAlways)
}

// Unset removes key, gated by this module's ownership.
func (k KV) Unset(key sidproto.Key) error {
	return k.store.Unset(key, k.moduleName, nil)
}

// SetReady sets the device's ready state. Only legal during SCAN_PRE and
// SCAN_CURRENT (spec.md 4.4, 8 scenario 5); any other phase returns
// ErrPhaseForbidden mapped from EPERM, and performs no store write.
func (k KV) SetReady(state ReadyState) error {
	if !k.phase.Allows(command.CapReady) {
		return siderrors.ErrPhaseForbidden
	}
	key := sidproto.DeviceKey(k.majorMinor, sidproto.CoreReady)
	v := kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Gennum: k.gennum, Seqnum: k.seqnum, Flags: kvstore.FlagSync},
		Data:   []byte(state),
	}
	_, err := k.store.Set(key, v, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	return err
}

// SetReserved sets the device's reserved state. Only legal during
// SCAN_NEXT (spec.md 4.4).
func (k KV) SetReserved(state ReservedState) error {
	if !k.phase.Allows(command.CapReserved) {
		return siderrors.ErrPhaseForbidden
	}
	key := sidproto.DeviceKey(k.majorMinor, sidproto.CoreReserved)
	v := kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Gennum: k.gennum, Seqnum: k.seqnum, Flags: kvstore.FlagSync},
		Data:   []byte(state),
	}
	_, err := k.store.Set(key, v, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	return err
}
