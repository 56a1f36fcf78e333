// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package index holds the secondary structures the context store keeps
// next to its primary map. Indices store entry ids only; the store owns the
// entries themselves. None of the types here are safe for concurrent
// mutation: the store serializes access under its own lock.
package index

import (
	"slices"
)

// IDSet is an unordered set of entry ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id string)    { s[id] = struct{}{} }
func (s IDSet) Remove(id string) { delete(s, id) }

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Clone copies the set.
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Intersect returns the ids present in every set. It walks the smallest set
// and looks each id up in the others, so cost is bounded by the narrowest
// input. The result never aliases an input. Intersect of zero sets is empty.
func Intersect(sets ...IDSet) IDSet {
	if len(sets) == 0 {
		return IDSet{}
	}
	ordered := slices.Clone(sets)
	slices.SortFunc(ordered, func(a, b IDSet) int { return len(a) - len(b) })

	out := make(IDSet, len(ordered[0]))
outer:
	for id := range ordered[0] {
		for _, other := range ordered[1:] {
			if !other.Has(id) {
				continue outer
			}
		}
		out[id] = struct{}{}
	}
	return out
}
