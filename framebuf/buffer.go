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

// Package framebuf implements the size-prefixed byte buffers that carry
// IPC payloads in the daemon (spec.md 2, component C1). A Buffer is
// backed by an in-memory slice only; the memfd-backed export buffer of
// spec.md 4.7 is written directly to an *os.File by bridge/sync.go.
package framebuf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

var ErrFrameTooLarge = errors.New("framebuf: frame exceeds MaxFrameSize")

// MaxFrameSize bounds a single size-prefixed frame to guard against a
// corrupt or hostile length prefix causing an unbounded allocation.
const MaxFrameSize = 64 << 20

// Buffer accumulates bytes for a single outbound message and can flush
// them, size-prefixed, to any io.Writer.
type Buffer struct {
	data []byte
}

// New returns an empty in-memory buffer.
func New() *Buffer { return &Buffer{} }

// NewFromBytes wraps an existing byte slice for reading.
func NewFromBytes(b []byte) *Buffer { return &Buffer{data: b} }

func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) { b.data = append(b.data, s...) }

// WriteNullTerminated appends s followed by a NUL byte, the encoding used
// for udev KEY=VALUE re-export (spec.md 6).
func (b *Buffer) WriteNullTerminated(s string) {
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
}

// Bytes returns the accumulated bytes.
func (b *Buffer) Bytes() []byte { return b.data }

// Len reports the number of accumulated bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Reset discards accumulated bytes for reuse (this is the "scratch
// buffer" referenced by the common context, spec.md 4.5).
func (b *Buffer) Reset() { b.data = b.data[:0] }

// WriteFramed writes b's contents to w prefixed by a 4-byte big-endian
// length, matching the "{size_prefix, ...}" request/response envelope
// (spec.md 6) and the internal worker<->proxy channel framing
// (spec.md 4.6).
func WriteFramed(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFramed reads one size-prefixed frame from r.
func ReadFramed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// FrameReader wraps a bufio.Reader to amortize the small reads a framed
// channel does across many short messages (worker control channel traffic
// is bursty but each frame is tiny).
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

func (fr *FrameReader) ReadFrame() ([]byte, error) {
	return ReadFramed(fr.r)
}

// VectorBuffer accumulates a sequence of byte-slice elements together with
// the count needed to size-prefix them as a unit, used when serializing
// vector values (spec.md 3, "vector of byte-slices").
type VectorBuffer struct {
	elements [][]byte
}

func (vb *VectorBuffer) Append(e []byte) { vb.elements = append(vb.elements, e) }

func (vb *VectorBuffer) Elements() [][]byte { return vb.elements }

func (vb *VectorBuffer) Len() int { return len(vb.elements) }
