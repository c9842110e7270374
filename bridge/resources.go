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

package bridge

import (
	"fmt"
	"io"
	"strings"

	"github.com/sid-project/sid/kvstore"
	sidproto "github.com/sid-project/sid/proto"
)

// resourceTreeLo and resourceTreeHi bound the LYR/DEVICE key range that
// refreshHierarchy (scan/pipeline.go) populates, the same
// literal-prefix-bound iteration idiom AliasRangeLo/Hi uses.
const (
	resourceTreeLo = "LYR:D:"
	resourceTreeHi = "LYR:D;"
)

// writeResourceTree serves RESOURCES by walking every device's
// group-members vector (spec.md 4.4's hierarchy pass) and rendering it as
// one "major_minor: member,member" line per disk, RESOURCES being the main
// process's own authoritative view of the hierarchy it assembled from
// worker syncs -- unlike SCAN, it never crosses a worker channel, so the
// EXPECTING_DATA/AwaitData path (spec.md 4.5) does not apply here.
func writeResourceTree(store *kvstore.Store, w io.Writer) error {
	it, err := store.Iter(resourceTreeLo, resourceTreeHi)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		key, ok := sidproto.ParseKey(it.Key())
		if !ok || key.Core != sidproto.CoreGroupMembers {
			continue
		}
		v, ok := it.Value()
		if !ok {
			continue
		}
		members := make([]string, len(v.Elements))
		for i, e := range v.Elements {
			members[i] = string(e)
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", key.NSPart, strings.Join(members, ",")); err != nil {
			return err
		}
	}
	return it.Err()
}
