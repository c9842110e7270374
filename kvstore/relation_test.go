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

// TestApplyDeltaShrinkingGroupPropagatesInverse exercises spec.md 8
// scenario 2: SET-shrinking a disk's group-members vector must drop the
// removed member from that member's own inverse group-membership key.
func TestApplyDeltaShrinkingGroupPropagatesInverse(t *testing.T) {
	s := openTestStore(t)

	groupKey := func(majorMinor string) sidproto.Key {
		return sidproto.LayerKey(majorMinor, sidproto.CoreGroupMembers)
	}
	inverseKey := func(majorMinor string) sidproto.Key {
		return sidproto.LayerKey(majorMinor, sidproto.CoreGroupIn)
	}
	relatedKey := func(element []byte) sidproto.Key {
		return inverseKey(string(element))
	}

	opts := ApplyDeltaOptions{Owner: "sid_core", Gennum: 1, Seqnum: 1, WithRel: true, RelatedKey: relatedKey}

	_, err := s.ApplyDelta(groupKey("8_0"), DeltaSet, bs("8_1", "8_2", "8_3"), AcceptAlways, opts)
	require.NoError(t, err)

	// Seed the inverse keys the same way INIT would have on first
	// discovery, so shrinking has something to retract.
	for _, member := range []string{"8_1", "8_2", "8_3"} {
		_, err := s.ApplyDelta(inverseKey(member), DeltaPlus, bs("8_0"), AcceptAlways, ApplyDeltaOptions{Owner: "sid_core", Gennum: 1, Seqnum: 1})
		require.NoError(t, err)
	}

	res, err := s.ApplyDelta(groupKey("8_0"), DeltaSet, bs("8_1", "8_3"), AcceptAlways, opts)
	require.NoError(t, err)
	require.Equal(t, bs("8_1", "8_3"), res.Final)
	require.Empty(t, res.Plus)
	require.Equal(t, bs("8_2"), res.Minus)

	inv, ok, err := s.Get(inverseKey("8_2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, inv.Elements, []byte("8_0"))

	inv1, ok, err := s.Get(inverseKey("8_1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, inv1.Elements, []byte("8_0"))
}
