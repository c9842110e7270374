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

package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	sidproto "github.com/sid-project/sid/proto"
)

func bs(vals ...string) [][]byte {
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out
}

func TestComputeDeltaSetIsIdempotent(t *testing.T) {
	old := bs("8_1", "8_2", "8_3")
	next := bs("8_1", "8_3")

	res := ComputeDelta(old, next, DeltaSet)
	require.Equal(t, next, res.Final)
	require.Empty(t, res.Plus)
	require.Equal(t, bs("8_2"), res.Minus)
}

func TestComputeDeltaSetGrowing(t *testing.T) {
	old := bs("a", "c")
	next := bs("a", "b", "c", "d")

	res := ComputeDelta(old, next, DeltaSet)
	require.Equal(t, next, res.Final)
	require.Equal(t, bs("b", "d"), res.Plus)
	require.Empty(t, res.Minus)
}

func TestComputeDeltaPlusUnion(t *testing.T) {
	old := bs("a", "c")
	add := bs("b", "c", "d")

	res := ComputeDelta(old, add, DeltaPlus)
	require.Equal(t, bs("a", "b", "c", "d"), res.Final)
	require.Equal(t, bs("b", "d"), res.Plus)
}

func TestComputeDeltaMinusDifference(t *testing.T) {
	old := bs("a", "b", "c")
	remove := bs("b", "c", "d")

	res := ComputeDelta(old, remove, DeltaMinus)
	require.Equal(t, bs("a"), res.Final)
	require.Equal(t, bs("b", "c"), res.Minus)
}

func TestMergeAbsoluteDeltaCancelsContradictions(t *testing.T) {
	oldPlus := bs("a")
	oldMinus := bs("b")

	// Step re-adds "b" (contradicts oldMinus) and removes "a"
	// (contradicts oldPlus): both should cancel out.
	plus, minus := MergeAbsoluteDelta(oldPlus, oldMinus, bs("b"), bs("a"))
	require.Empty(t, plus)
	require.Empty(t, minus)
}

func TestMergeAbsoluteDeltaAccumulates(t *testing.T) {
	plus, minus := MergeAbsoluteDelta(bs("a"), nil, bs("b"), bs("c"))
	require.Equal(t, bs("a", "b"), plus)
	require.Equal(t, bs("c"), minus)
}

// TestApplyDeltaPersistsAbsoluteCompanions exercises PersistAbsolute end to
// end through ApplyDelta, not just the pure helper functions: two SET
// steps must accumulate into standing op-+/op-- companion keys usable for
// CHECKPOINT accounting (spec.md 3, 4.3).
func TestApplyDeltaPersistsAbsoluteCompanions(t *testing.T) {
	s := openTestStore(t)
	key := sidproto.LayerKey("8_0", sidproto.CoreGroupMembers)
	plusKey := key
	plusKey.Op = sidproto.OpPlus
	minusKey := key
	minusKey.Op = sidproto.OpMinus

	opts := ApplyDeltaOptions{Owner: "sid_core", Gennum: 1, StoreFlags: FlagSync, PersistAbsolute: true}

	_, err := s.ApplyDelta(key, DeltaSet, bs("8_1", "8_2"), AcceptAlways, opts)
	require.NoError(t, err)

	plusVal, ok, err := s.Get(plusKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bs("8_1", "8_2"), plusVal.Elements)

	minusVal, ok, err := s.Get(minusKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, minusVal.Elements)

	// Removing "8_1" and adding "8_3": "8_1" then sits in both the old
	// plus companion and the new minus step, so the contradiction is
	// dropped from both, leaving plus {"8_2", "8_3"} and an empty minus.
	_, err = s.ApplyDelta(key, DeltaSet, bs("8_2", "8_3"), AcceptAlways, opts)
	require.NoError(t, err)

	plusVal, ok, err = s.Get(plusKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bs("8_2", "8_3"), plusVal.Elements)

	minusVal, ok, err = s.Get(minusKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, minusVal.Elements)

	// The companion records carry FlagSync, so each is indexed under its
	// own, distinct alias key -- verifying the base/plus/minus
	// alias-collision fix in proto.Key.compose holds through the real
	// write path, rather than the plus alias silently overwriting the
	// base record's alias entry.
	baseAlias, ok, err := s.Get(key.AliasKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bs("8_2", "8_3"), baseAlias.Elements)

	plusAlias, ok, err := s.Get(plusKey.AliasKey())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bs("8_2", "8_3"), plusAlias.Elements)
}
