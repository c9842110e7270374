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
	"os"
	"strings"

	"github.com/sid-project/sid/framebuf"
	"github.com/sid-project/sid/kvstore"
	sidproto "github.com/sid-project/sid/proto"
)

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// Context is the per-process common context described in spec.md 4.5:
// created once at daemon startup and once per worker at fork, destroyed at
// process exit. Its generation counter is per-process, not per-thread; the
// daemon's cooperative single-threaded event loop means no synchronization
// is required, matching the "Global mutable state" design note in
// spec.md 9.
type Context struct {
	Store      *kvstore.Store
	Config     Config
	Log        *Logger
	Generation uint64
	BootID     string
	Scratch    *framebuf.Buffer
}

// NewContext opens the store, bumps the generation counter and reads the
// boot id, in the order spec.md 3 requires: "Incremented once at startup
// of each process that opens the store."
func NewContext(cfg Config, component string) (*Context, error) {
	store, err := kvstore.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	gen, err := store.Generation()
	if err != nil {
		store.Close()
		return nil, err
	}

	bootID, err := readBootID()
	if err != nil {
		store.Close()
		return nil, err
	}

	ctx := &Context{
		Store:      store,
		Config:     cfg,
		Log:        NewLogger(component),
		Generation: gen,
		BootID:     bootID,
		Scratch:    framebuf.New(),
	}

	if err := ctx.ensureGlobalSingletons(); err != nil {
		store.Close()
		return nil, err
	}

	return ctx, nil
}

// ensureGlobalSingletons writes the boot-id record exactly once per store
// lifetime (spec.md 3, 8).
func (c *Context) ensureGlobalSingletons() error {
	key := sidproto.GlobalKey(sidproto.CoreBootID)
	_, ok, err := c.Store.Get(key)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	v := kvstore.Value{
		Header: kvstore.Header{Gennum: c.Generation, Owner: "sid_core", Flags: kvstore.FlagPersistent},
		Data:   []byte(c.BootID),
	}
	_, err = c.Store.Set(key, v, kvstore.MergeOpMerge, kvstore.AcceptAlways)
	return err
}

func (c *Context) Close() error {
	return c.Store.Close()
}

func readBootID() (string, error) {
	data, err := os.ReadFile(bootIDPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Non-Linux/test environments: fall back to a fixed
			// placeholder rather than fail context creation.
			return "unknown-boot-id", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
