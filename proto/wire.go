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

import "encoding/binary"

// HeaderSize is the wire size of Header: status(2) + proto(2) + cmd(1) +
// flags(2), matching the fixed prefix of every request/response frame
// (spec.md 6).
const HeaderSize = 7

// EncodeHeader serializes h to its 7-byte wire form.
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(b[0:2], uint16(h.Status))
	binary.BigEndian.PutUint16(b[2:4], h.Proto)
	b[4] = byte(h.Cmd)
	binary.BigEndian.PutUint16(b[5:7], uint16(h.Flags))
	return b
}

// DecodeHeader parses the fixed 7-byte header prefix of a frame, returning
// the header and the remaining payload bytes.
func DecodeHeader(frame []byte) (Header, []byte, bool) {
	if len(frame) < HeaderSize {
		return Header{}, nil, false
	}
	h := Header{
		Status: HeaderFlags(binary.BigEndian.Uint16(frame[0:2])),
		Proto:  binary.BigEndian.Uint16(frame[2:4]),
		Cmd:    Cmd(frame[4]),
		Flags:  HeaderFlags(binary.BigEndian.Uint16(frame[5:7])),
	}
	return h, frame[HeaderSize:], true
}
