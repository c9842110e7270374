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
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/sid-project/sid/command"
	"github.com/sid-project/sid/kvstore"
	sidproto "github.com/sid-project/sid/proto"
)

// ParseScanPayload decodes a SCAN request payload: a packed dev_t followed
// by NUL-terminated KEY=VALUE strings (spec.md 6). It fills devno and env
// directly onto cmd.
func ParseScanPayload(cmd *command.Context, payload []byte) error {
	if len(payload) < 8 {
		return errShortPayload
	}
	cmd.DevNo = sidproto.DevNo{
		Major: binary.BigEndian.Uint32(payload[0:4]),
		Minor: binary.BigEndian.Uint32(payload[4:8]),
	}

	rest := payload[8:]
	for _, raw := range bytes.Split(rest, []byte{0}) {
		if len(raw) == 0 {
			continue
		}
		kv := strings.SplitN(string(raw), "=", 2)
		if len(kv) != 2 {
			continue
		}
		cmd.Env[kv[0]] = kv[1]
	}

	if seq, ok := cmd.Env["SEQNUM"]; ok {
		if n, err := strconv.ParseUint(seq, 10, 64); err == nil {
			cmd.Seqnum = n
		}
	}
	return nil
}

// EncodeScanPayload is the inverse of ParseScanPayload: it packs cmd's
// dev_t and environment back into wire form, used by the worker-channel
// Runner to forward an already-parsed request to a worker process
// (spec.md 4.6, 6).
func EncodeScanPayload(cmd *command.Context) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], cmd.DevNo.Major)
	binary.BigEndian.PutUint32(buf[4:8], cmd.DevNo.Minor)
	for k, v := range cmd.Env {
		buf = append(buf, []byte(k+"="+v)...)
		buf = append(buf, 0)
	}
	return buf
}

var errShortPayload = &payloadError{"SCAN payload shorter than dev_t"}

type payloadError struct{ msg string }

func (e *payloadError) Error() string { return e.msg }

// ImportUdevEnv mirrors every parsed environment variable into the store's
// UDEV namespace under the device's major_minor, per spec.md 4.4's "udev-env
// import" responsibility of the scan pipeline.
func ImportUdevEnv(cmd *command.Context, store *kvstore.Store, gennum uint64) error {
	majorMinor := cmd.DevNo.MajorMinor()
	for key, value := range cmd.Env {
		k := sidproto.UdevKey(majorMinor, key)
		v := kvstore.Value{
			Header: kvstore.Header{Owner: "sid_core", Gennum: gennum, Seqnum: cmd.Seqnum, Flags: kvstore.FlagSync},
			Data:   []byte(value),
		}
		if _, err := store.Set(k, v, kvstore.MergeOpMerge, kvstore.AcceptAlways); err != nil {
			return err
		}
	}

	sessionKey := sidproto.UdevKey(majorMinor, sidproto.CoreSessionID)
	sessionVal := kvstore.Value{
		Header: kvstore.Header{Owner: "sid_core", Gennum: gennum, Seqnum: cmd.Seqnum, Flags: kvstore.FlagSync},
		Data:   []byte(cmd.WorkerID),
	}
	_, err := store.Set(sessionKey, sessionVal, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	return err
}

// ExportUdevProperties serializes every UDEV-namespace record for
// majorMinor as "KEY=VALUE\0" pairs into cmd's response buffer, so the
// requesting client can write them back to udev (spec.md 6,
// "Udev re-export").
func ExportUdevProperties(cmd *command.Context, store *kvstore.Store, majorMinor string) error {
	lo := sidproto.UdevKey(majorMinor, "").PrefixString()
	hi := lo[:len(lo)-1] + string(lo[len(lo)-1]+1)

	it, err := store.Iter(lo, hi)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		key, ok := sidproto.ParseKey(it.Key())
		if !ok || key.NS != sidproto.NSUdev || key.Alias {
			continue
		}
		v, ok := it.Value()
		if !ok || v.IsVector {
			continue
		}
		cmd.Response.WriteNullTerminated(key.Core + "=" + string(v.Data))
	}
	return it.Err()
}
