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

// Package proto holds the wire-level types shared by every process that
// speaks the SID protocol: the request/response frame and the composite
// key codec. The internal worker<->proxy messages live in package worker.
package proto

const (
	ProtocolVersion = uint16(1)

	ReqIdKey = "req-id"
)

// Cmd is the client-facing command carried in a request header.
type Cmd uint8

const (
	CmdUnknown Cmd = iota
	CmdActive
	CmdCheckpoint
	CmdScan
	CmdVersion
	CmdDBDump
	CmdDBStats
	CmdResources
	CmdReply
)

func (c Cmd) String() string {
	switch c {
	case CmdActive:
		return "ACTIVE"
	case CmdCheckpoint:
		return "CHECKPOINT"
	case CmdScan:
		return "SCAN"
	case CmdVersion:
		return "VERSION"
	case CmdDBDump:
		return "DBDUMP"
	case CmdDBStats:
		return "DBSTATS"
	case CmdResources:
		return "RESOURCES"
	case CmdReply:
		return "REPLY"
	default:
		return "UNKNOWN"
	}
}

// Privileged reports whether cmd may only be issued by a peer with
// effective UID 0 (spec.md 6, "Privileged commands").
func (c Cmd) Privileged() bool {
	switch c {
	case CmdCheckpoint, CmdScan, CmdDBDump, CmdDBStats, CmdResources:
		return true
	default:
		return false
	}
}

// Format selects the payload encoding of a response, chosen by flag bits
// in the request header.
type Format uint8

const (
	FormatTable Format = iota
	FormatJSON
	FormatEnv
)

// HeaderFlags is a bitset carried on both request and response headers.
type HeaderFlags uint16

const (
	FlagFailure         HeaderFlags = 1 << 0
	FlagFormatJSON      HeaderFlags = 1 << 1
	FlagFormatEnv       HeaderFlags = 1 << 2
	FlagExpectExpbufAck HeaderFlags = 1 << 3
)

func (f HeaderFlags) Format() Format {
	switch {
	case f&FlagFormatJSON != 0:
		return FormatJSON
	case f&FlagFormatEnv != 0:
		return FormatEnv
	default:
		return FormatTable
	}
}

// Header is the fixed part of every request and response frame
// (spec.md 6, "Request frame" / "Response frame").
type Header struct {
	Status HeaderFlags
	Proto  uint16
	Cmd    Cmd
	Flags  HeaderFlags
}

func (h *Header) SetFailure() { h.Status |= FlagFailure }
func (h *Header) Failed() bool { return h.Status&FlagFailure != 0 }

// DevNo is the packed major/minor device number carried at the front of a
// SCAN request payload.
type DevNo struct {
	Major uint32
	Minor uint32
}

func (d DevNo) MajorMinor() string {
	return itoa(uint64(d.Major)) + "_" + itoa(uint64(d.Minor))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
