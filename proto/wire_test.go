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

package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Status: FlagFailure, Proto: ProtocolVersion, Cmd: CmdScan, Flags: FlagExpectExpbufAck}
	frame := append(EncodeHeader(h), []byte("payload")...)

	got, payload, ok := DecodeHeader(frame)
	require.True(t, ok)
	require.Equal(t, h, got)
	require.Equal(t, "payload", string(payload))
}

func TestDecodeHeaderShortFrame(t *testing.T) {
	_, _, ok := DecodeHeader([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestKeyRoundTrip(t *testing.T) {
	k := DeviceKey("8_0", CoreReady)
	got, ok := ParseKey(k.String())
	require.True(t, ok)
	require.Equal(t, k, got)
}

func TestAliasKeyRoundTrip(t *testing.T) {
	k := UdevKey("8_0", "ACTION").AliasKey()
	got, ok := ParseKey(k.String())
	require.True(t, ok)
	require.True(t, got.Alias)
	require.Equal(t, k.NSPart, got.NSPart)
	require.Equal(t, k.Core, got.Core)
}

// TestAliasKeyDistinguishesAbsoluteDeltaCompanions covers the op-+/op--
// absolute-delta companion keys (spec.md 4.3): their alias forms must not
// collapse onto the base SET key's alias, or the SYNC-range index would
// merge three distinct records under one entry.
func TestAliasKeyDistinguishesAbsoluteDeltaCompanions(t *testing.T) {
	base := LayerKey("8_0", CoreGroupMembers)
	plus := base
	plus.Op = OpPlus
	minus := base
	minus.Op = OpMinus

	baseAlias := base.AliasKey().String()
	plusAlias := plus.AliasKey().String()
	minusAlias := minus.AliasKey().String()

	require.NotEqual(t, baseAlias, plusAlias)
	require.NotEqual(t, baseAlias, minusAlias)
	require.NotEqual(t, plusAlias, minusAlias)

	gotPlus, ok := ParseKey(plusAlias)
	require.True(t, ok)
	require.True(t, gotPlus.Alias)
	require.Equal(t, OpPlus, gotPlus.Op)

	gotMinus, ok := ParseKey(minusAlias)
	require.True(t, ok)
	require.True(t, gotMinus.Alias)
	require.Equal(t, OpMinus, gotMinus.Op)
}
