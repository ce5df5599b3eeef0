// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package exploration implements the speculative bisection search used to
// narrow a performance change down to an adjacent pair of changes.
package exploration

// DefaultLevels is the speculation depth used by the bisection visitor.
const DefaultLevels = 2

// Decision is the answer of a change-detection oracle for one pair.
type Decision int

const (
	// Undecided means there is not enough data to tell.
	Undecided Decision = iota

	// NoChange means the pair is statistically the same.
	NoChange

	// Changed means the pair differs.
	Changed
)

// String returns the lower-case name of the decision.
func (d Decision) String() string {
	switch d {
	case NoChange:
		return "no_change"
	case Changed:
		return "changed"
	default:
		return "undecided"
	}
}

// Insertion asks the caller to add Item before position Index of the
// original item list.
type Insertion[T any] struct {
	Index int
	Item  T
}

// Speculate walks adjacent pairs of items and proposes new items to test.
//
// Description:
//
//	For each adjacent pair (a, b) the detected oracle is consulted once:
//
//	  - Undecided: onUnknown(a, b) is called and the walk continues.
//	  - NoChange: nothing happens.
//	  - Changed: if levels > 0 and midpoint(a, b) exists, the midpoint is
//	    proposed and both halves are speculatively split again with one
//	    level less. No oracle calls are made for speculative halves since
//	    they have no data yet. A Changed pair without a midpoint is a
//	    located boundary and proposes nothing.
//
// Inputs:
//
//	items - Ordered items that already have data. Not modified.
//	detected - Pairwise oracle. Must not be nil.
//	onUnknown - Collector for undecided pairs. May be nil.
//	midpoint - Returns the item halfway between a and b in the full
//	    underlying range, or false when a and b are adjacent there.
//	levels - Recursion budget per changed pair.
//
// Outputs:
//
//	[]Insertion[T] - Proposed items ordered by Index, and in order within
//	    a single gap. Empty when nothing needs to be added.
//
// Thread Safety:
//
//	Speculate holds no state; concurrency safety is that of the callbacks.
func Speculate[T any](
	items []T,
	detected func(a, b T) Decision,
	onUnknown func(a, b T),
	midpoint func(a, b T) (T, bool),
	levels int,
) []Insertion[T] {
	var out []Insertion[T]
	for i := 0; i+1 < len(items); i++ {
		a, b := items[i], items[i+1]
		switch detected(a, b) {
		case Undecided:
			if onUnknown != nil {
				onUnknown(a, b)
			}
		case Changed:
			out = append(out, split(a, b, i+1, levels, midpoint)...)
		}
	}
	return out
}

// split returns the in-order midpoints of (a, b) down to the given depth.
func split[T any](a, b T, index, levels int, midpoint func(a, b T) (T, bool)) []Insertion[T] {
	if levels <= 0 {
		return nil
	}
	mid, ok := midpoint(a, b)
	if !ok {
		return nil
	}
	out := split(a, mid, index, levels-1, midpoint)
	out = append(out, Insertion[T]{Index: index, Item: mid})
	return append(out, split(mid, b, index, levels-1, midpoint)...)
}
