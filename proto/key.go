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

import "strings"

// Op is the leading operator character of a composite key (spec.md 3).
type Op byte

const (
	OpSet     Op = 0
	OpPlus    Op = '+'
	OpMinus   Op = '-'
	OpIllegal Op = 'X'
)

func (o Op) rune() byte {
	if o == OpSet {
		return 0
	}
	return byte(o)
}

// Namespace selects the visibility/scope of a record.
type Namespace byte

const (
	NSUndefined Namespace = 0
	NSUdev      Namespace = 'U'
	NSDevice    Namespace = 'D'
	NSModule    Namespace = 'M'
	NSGlobal    Namespace = 'G'
)

// Domain distinguishes layer/hierarchy records from user/module records.
type Domain string

const (
	DomNone Domain = ""
	DomLYR  Domain = "LYR"
	DomUSR  Domain = "USR"
)

const (
	keyDelim   = ':'
	aliasByte  = '>'
	partsCount = 7
)

// Key is the parsed form of the six-part (plus leading op slot) composite
// key described in spec.md 3: "<op><dom>:<ns>:<ns_part>:<id>:<id_part>:<core>".
type Key struct {
	Op     Op
	Dom    Domain
	NS     Namespace
	NSPart string
	ID     string
	IDPart string
	Core   string
	// Alias marks this key as the ">"-prefixed index alias of its
	// primary; the encoding gains a leading '>' ahead of the op character
	// and is otherwise unchanged.
	Alias bool
}

// String composes the full key, including the trailing core suffix.
func (k Key) String() string {
	return k.compose(true)
}

// PrefixString composes the key without the trailing ":<core>" suffix,
// used as the anchor of a relation's inverse value (spec.md 4.1).
func (k Key) PrefixString() string {
	return k.compose(false)
}

func (k Key) compose(withCore bool) string {
	var b strings.Builder
	if k.Alias {
		b.WriteByte(aliasByte)
		// The op character still distinguishes the alias of a plain SET
		// record from the alias of its op-+/op-- absolute-delta
		// companions (spec.md 4.3); dropping it here would collapse all
		// three into one alias key.
		if k.Op != OpSet {
			b.WriteByte(byte(k.Op))
		}
	} else if k.Op != OpSet {
		b.WriteByte(byte(k.Op))
	}
	b.WriteString(string(k.Dom))
	b.WriteByte(keyDelim)
	if k.NS != NSUndefined {
		b.WriteByte(byte(k.NS))
	}
	b.WriteByte(keyDelim)
	b.WriteString(k.NSPart)
	b.WriteByte(keyDelim)
	b.WriteString(k.ID)
	b.WriteByte(keyDelim)
	b.WriteString(k.IDPart)
	if withCore {
		b.WriteByte(keyDelim)
		b.WriteString(k.Core)
	}
	return b.String()
}

// AliasKey returns the ">"-prefixed index-alias form of k (spec.md 3,
// "Index aliases").
func (k Key) AliasKey() Key {
	a := k
	a.Alias = true
	return a
}

// ParseKey splits a raw stored key string back into its parts. It counts
// delimiters rather than using strings.Split so the leading op/alias byte,
// which is not itself delimiter-separated, is handled uniformly.
func ParseKey(raw string) (Key, bool) {
	if raw == "" {
		return Key{}, false
	}

	var k Key
	rest := raw
	switch rest[0] {
	case aliasByte:
		k.Alias = true
		rest = rest[1:]
		if len(rest) > 0 {
			switch rest[0] {
			case byte(OpPlus), byte(OpMinus), byte(OpIllegal):
				k.Op = Op(rest[0])
				rest = rest[1:]
			}
		}
	case byte(OpPlus), byte(OpMinus), byte(OpIllegal):
		k.Op = Op(rest[0])
		rest = rest[1:]
	}

	parts := make([]string, 0, partsCount)
	start := 0
	for i := 0; i < len(rest); i++ {
		if rest[i] == keyDelim {
			parts = append(parts, rest[start:i])
			start = i + 1
		}
	}
	parts = append(parts, rest[start:])
	if len(parts) < 5 {
		return Key{}, false
	}

	k.Dom = Domain(parts[0])
	if len(parts[1]) > 0 {
		k.NS = Namespace(parts[1][0])
	}
	k.NSPart = parts[2]
	k.ID = parts[3]
	k.IDPart = parts[4]
	if len(parts) > 5 {
		k.Core = strings.Join(parts[5:], string(keyDelim))
	}
	return k, true
}

// AliasRangeLo and AliasRangeHi bound the iteration range that yields
// exactly the SYNC-flagged records in key order (spec.md 3).
const (
	AliasRangeLo = string(aliasByte)
	AliasRangeHi = "?"
)

// DeviceKey builds the common {DomNone, NSDevice, major_minor} key shape
// used throughout the scan pipeline for per-device scalar records.
func DeviceKey(majorMinor, core string) Key {
	return Key{Dom: DomNone, NS: NSDevice, NSPart: majorMinor, Core: core}
}

// UdevKey builds the {DomNone, NSUdev, major_minor} key shape used to
// mirror udev environment variables into the store.
func UdevKey(majorMinor, core string) Key {
	return Key{Dom: DomNone, NS: NSUdev, NSPart: majorMinor, Core: core}
}

// LayerKey builds the {DomLYR, NSDevice} key shape used for hierarchy and
// group-membership relations.
func LayerKey(majorMinor, core string) Key {
	return Key{Dom: DomLYR, NS: NSDevice, NSPart: majorMinor, Core: core}
}

// ModuleKey builds the {DomUSR, NSModule} key shape a module uses for its
// own private/protected records.
func ModuleKey(moduleName, majorMinor, core string) Key {
	return Key{Dom: DomUSR, NS: NSModule, NSPart: moduleName, ID: majorMinor, Core: core}
}

// GlobalKey builds a {NSGlobal} key, used for the boot-id and
// generation-counter singletons.
func GlobalKey(core string) Key {
	return Key{Dom: DomNone, NS: NSGlobal, Core: core}
}

const (
	// Reserved GLOBAL cores.
	CoreBootID     = "SID_BOOT_ID"
	CoreGeneration = "SID_DB_GEN"

	// Reserved DEVICE cores.
	CoreReady    = "#RDY"
	CoreReserved = "#RES"
	CoreNextMod  = "SID_NEXT_MOD"

	// Reserved LYR DEVICE cores.
	CoreGroupMembers = "GMB" // group-members (disk -> partitions/slaves)
	CoreGroupIn      = "GIN" // group-membership inverse (partition -> disk)

	// Reserved UDEV cores.
	CoreSessionID = "SID_SESSION_ID"
)
