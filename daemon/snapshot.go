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

package daemon

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/sid-project/sid/kvstore"
	sidproto "github.com/sid-project/sid/proto"
)

// DumpSnapshot writes every FlagPersistent record of store to w, as a
// count-prefixed sequence of {key_size, key_bytes, value_size,
// value_bytes} entries, backing the CHECKPOINT command (spec.md 4.11,
// C14 added by this implementation to persist state across daemon
// restarts, since the reference design keeps the whole store in-memory
// for one boot).
func DumpSnapshot(store *kvstore.Store, w io.Writer) error {
	it, err := store.Iter("", "\xff")
	if err != nil {
		return err
	}
	defer it.Close()

	var entries [][2][]byte
	for it.Next() {
		v, ok := it.Value()
		if !ok || v.Flags&kvstore.FlagPersistent == 0 {
			continue
		}
		entries = append(entries, [2][]byte{[]byte(it.Key()), kvstore.EncodeValue(v)})
	}
	if err := it.Err(); err != nil {
		return err
	}

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(entries)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeSized(w, e[0]); err != nil {
			return err
		}
		if err := writeSized(w, e[1]); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint backs the CHECKPOINT command: it dumps store to a temp file
// beside path and renames it atomically over path, so a reader never
// observes a partially-written snapshot (spec.md 4.11, "writes a
// length-prefixed record stream to a temp file, renamed atomically").
func Checkpoint(store *kvstore.Store, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sid-checkpoint-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := DumpSnapshot(store, tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// RestoreSnapshot loads a snapshot written by DumpSnapshot back into
// store, used at startup when Config.ReloadSnapshotOnStart is set
// (spec.md 4.11).
func RestoreSnapshot(store *kvstore.Store, r io.Reader) error {
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(count[:])

	for i := uint32(0); i < n; i++ {
		keyBytes, err := readSized(r)
		if err != nil {
			return err
		}
		valBytes, err := readSized(r)
		if err != nil {
			return err
		}
		key, ok := sidproto.ParseKey(string(keyBytes))
		if !ok {
			continue
		}
		val, ok := kvstore.DecodeValue(valBytes)
		if !ok {
			continue
		}
		if _, err := store.Set(key, val, kvstore.MergeOpMerge, kvstore.AcceptAlways); err != nil {
			return err
		}
	}
	return nil
}

func writeSized(w io.Writer, b []byte) error {
	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], uint32(len(b)))
	if _, err := w.Write(sz[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readSized(r io.Reader) ([]byte, error) {
	var sz [4]byte
	if _, err := io.ReadFull(r, sz[:]); err != nil {
		return nil, err
	}
	b := make([]byte, binary.BigEndian.Uint32(sz[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
