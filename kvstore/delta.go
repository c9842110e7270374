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
	"bytes"

	"go.etcd.io/bbolt"

	siderrors "github.com/sid-project/sid/errors"
	sidproto "github.com/sid-project/sid/proto"
)

// DeltaOp selects the vector merge operator applied by a delta write
// (spec.md 3, "Composite key"; spec.md 4.3).
type DeltaOp int

const (
	DeltaSet DeltaOp = iota
	DeltaPlus
	DeltaMinus
)

func (op DeltaOp) keyOp() sidproto.Op {
	switch op {
	case DeltaPlus:
		return sidproto.OpPlus
	case DeltaMinus:
		return sidproto.OpMinus
	default:
		return sidproto.OpSet
	}
}

// DeltaResult holds the three sorted-merge outputs of one delta step
// (spec.md 4.3).
type DeltaResult struct {
	Plus  [][]byte
	Minus [][]byte
	Final [][]byte
}

// ComputeDelta runs the single sorted-merge pass over old and next
// described by the table in spec.md 4.3. Both inputs must already be
// sorted ascending by bytes.Compare, the invariant the store enforces on
// every vector value.
func ComputeDelta(old, next [][]byte, op DeltaOp) DeltaResult {
	var res DeltaResult
	i, j := 0, 0
	for i < len(old) || j < len(next) {
		switch {
		case j >= len(next) || (i < len(old) && bytes.Compare(old[i], next[j]) < 0):
			// e in old only.
			e := old[i]
			switch op {
			case DeltaSet:
				res.Minus = append(res.Minus, e)
			case DeltaPlus, DeltaMinus:
				res.Final = append(res.Final, e)
			}
			i++
		case i >= len(old) || bytes.Compare(old[i], next[j]) > 0:
			// e in next only.
			e := next[j]
			switch op {
			case DeltaSet, DeltaPlus:
				res.Plus = append(res.Plus, e)
				res.Final = append(res.Final, e)
			case DeltaMinus:
				// noop
			}
			j++
		default:
			// e in both.
			e := old[i]
			switch op {
			case DeltaSet, DeltaPlus:
				res.Final = append(res.Final, e)
			case DeltaMinus:
				res.Minus = append(res.Minus, e)
			}
			i++
			j++
		}
	}
	return res
}

// mergeSortedUnique merges two sorted, deduplicated slices into one sorted,
// deduplicated slice.
func mergeSortedUnique(a, b [][]byte) [][]byte {
	out := make([][]byte, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && bytes.Compare(a[i], b[j]) < 0):
			out = append(out, a[i])
			i++
		case i >= len(a) || bytes.Compare(a[i], b[j]) > 0:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

// cancelContradictions drops from plus and minus any element present in
// both, implementing the "positions marked as contradictory in both
// bitmaps are dropped" rule of spec.md 4.3's absolute-delta calculation.
// The reference implementation tracks this with a pair of bitmaps over a
// synchronized walk; a sorted two-pointer merge is the equivalent
// idiomatic-Go approach (recorded in DESIGN.md).
func cancelContradictions(plus, minus [][]byte) (finalPlus, finalMinus [][]byte) {
	i, j := 0, 0
	for i < len(plus) && j < len(minus) {
		c := bytes.Compare(plus[i], minus[j])
		switch {
		case c < 0:
			finalPlus = append(finalPlus, plus[i])
			i++
		case c > 0:
			finalMinus = append(finalMinus, minus[j])
			j++
		default:
			// contradictory: drop from both.
			i++
			j++
		}
	}
	finalPlus = append(finalPlus, plus[i:]...)
	finalMinus = append(finalMinus, minus[j:]...)
	return finalPlus, finalMinus
}

// MergeAbsoluteDelta folds one step's plus/minus into the previously
// accumulated absolute +/- companion records, per spec.md 4.3.
func MergeAbsoluteDelta(oldPlus, oldMinus, stepPlus, stepMinus [][]byte) (plus, minus [][]byte) {
	combinedPlus := mergeSortedUnique(oldPlus, stepPlus)
	combinedMinus := mergeSortedUnique(oldMinus, stepMinus)
	return cancelContradictions(combinedPlus, combinedMinus)
}

// RelatedKeyFunc derives the inverse-relation key for one element of a
// relation vector, e.g. mapping a group-member major_minor string back to
// that device's own group-membership key (spec.md 4.3,
// "Relation propagation").
type RelatedKeyFunc func(element []byte) sidproto.Key

// ApplyDeltaOptions controls one ApplyDelta call.
type ApplyDeltaOptions struct {
	Owner      string
	Gennum     uint64
	Seqnum     uint64
	StoreFlags Flags
	// WithRel propagates plus/minus elements to each element's inverse
	// key. It must never be set on the recursive inner call the
	// propagation itself issues (spec.md 4.3, "the recursive call is
	// limited to DELTA_WITH_DIFF").
	WithRel bool
	// PersistAbsolute additionally maintains the op-+/op-- companion
	// records used for CHECKPOINT accounting (spec.md 4.3,
	// "Absolute-delta calculation").
	PersistAbsolute bool
	RelatedKey      RelatedKeyFunc
}

// ApplyDelta performs one SET/PLUS/MINUS delta write at key: it loads the
// existing vector, runs ComputeDelta, writes the final vector back, and
// (depending on opts) maintains absolute-delta companions and inverse-key
// propagation (spec.md 4.3). The read, the final-vector write, the
// absolute-delta companions and any inverse-key propagation all run inside
// one bbolt transaction, so two concurrent callers delta-ing the same key
// (e.g. two partitions of the same disk updating its group-members vector)
// serialize instead of interleaving their read and write, which a
// View-then-Update pair of separate transactions would allow (spec.md 5,
// "no synchronization is required" only holds if each delta commits
// atomically).
func (s *Store) ApplyDelta(key sidproto.Key, op DeltaOp, next [][]byte, predicate Predicate, opts ApplyDeltaOptions) (DeltaResult, error) {
	var result DeltaResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		result, err = s.applyDeltaInTx(tx, key, op, next, predicate, opts)
		return err
	})
	return result, err
}

func (s *Store) applyDeltaInTx(tx *bbolt.Tx, key sidproto.Key, op DeltaOp, next [][]byte, predicate Predicate, opts ApplyDeltaOptions) (DeltaResult, error) {
	old, exists, err := s.getInTx(tx, key.String())
	if err != nil {
		return DeltaResult{}, err
	}
	if exists && !old.IsVector {
		return DeltaResult{}, siderrors.ErrNotVector
	}
	var oldElements [][]byte
	if exists {
		oldElements = old.Elements
	}

	result := ComputeDelta(oldElements, next, op)

	finalValue := Value{
		Header: Header{
			Gennum: opts.Gennum,
			Seqnum: opts.Seqnum,
			Flags:  opts.StoreFlags,
			Owner:  opts.Owner,
		},
		IsVector: true,
		Elements: result.Final,
	}

	if _, err := s.setInTx(tx, key, finalValue, predicate); err != nil {
		return DeltaResult{}, err
	}

	if opts.PersistAbsolute {
		if err := s.persistAbsoluteDeltaInTx(tx, key, result, opts); err != nil {
			return result, err
		}
	}

	if opts.WithRel && opts.RelatedKey != nil {
		// The recursive call keeps PersistAbsolute (DELTA_WITH_DIFF) but
		// strips WithRel, so the inverse key gets its own absolute-delta
		// companions without recursing a second level deep (spec.md 4.3,
		// "the recursive call is limited to DELTA_WITH_DIFF (never
		// DELTA_WITH_REL)").
		innerOpts := opts
		innerOpts.WithRel = false
		for _, e := range result.Plus {
			inv := opts.RelatedKey(e)
			invElem := [][]byte{[]byte(key.NSPart)}
			if _, err := s.applyDeltaInTx(tx, inv, DeltaPlus, invElem, predicate, innerOpts); err != nil {
				return result, err
			}
		}
		for _, e := range result.Minus {
			inv := opts.RelatedKey(e)
			invElem := [][]byte{[]byte(key.NSPart)}
			if _, err := s.applyDeltaInTx(tx, inv, DeltaMinus, invElem, predicate, innerOpts); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

// persistAbsoluteDeltaInTx writes the op-+/op-- companion keys described in
// spec.md 3 ("Absolute delta") and 4.3, inside ApplyDelta's transaction.
func (s *Store) persistAbsoluteDeltaInTx(tx *bbolt.Tx, key sidproto.Key, step DeltaResult, opts ApplyDeltaOptions) error {
	plusKey := key
	plusKey.Op = sidproto.OpPlus
	minusKey := key
	minusKey.Op = sidproto.OpMinus

	oldPlusVal, _, err := s.getInTx(tx, plusKey.String())
	if err != nil {
		return err
	}
	oldMinusVal, _, err := s.getInTx(tx, minusKey.String())
	if err != nil {
		return err
	}

	mergedPlus, mergedMinus := MergeAbsoluteDelta(oldPlusVal.Elements, oldMinusVal.Elements, step.Plus, step.Minus)

	newPlus := Value{
		Header:   Header{Gennum: opts.Gennum, Seqnum: opts.Seqnum, Flags: opts.StoreFlags | FlagSync, Owner: opts.Owner},
		IsVector: true,
		Elements: mergedPlus,
	}
	newMinus := Value{
		Header:   Header{Gennum: opts.Gennum, Seqnum: opts.Seqnum, Flags: opts.StoreFlags | FlagSync, Owner: opts.Owner},
		IsVector: true,
		Elements: mergedMinus,
	}
	if _, err := s.setInTx(tx, plusKey, newPlus, AcceptAlways); err != nil {
		return err
	}
	_, err = s.setInTx(tx, minusKey, newMinus, AcceptAlways)
	return err
}
