// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package index

import (
	"slices"
	"strings"
	"time"
)

type point struct {
	at time.Time
	id string
}

func comparePoints(a, b point) int {
	if c := a.at.Compare(b.at); c != 0 {
		return c
	}
	return strings.Compare(a.id, b.id)
}

// Timeline orders ids by a timestamp for range scans. Points are kept
// sorted by (time, id) so insert and remove are binary searches.
type Timeline struct {
	points []point
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Insert adds id at time at.
func (tl *Timeline) Insert(at time.Time, id string) {
	p := point{at: at, id: id}
	i, found := slices.BinarySearchFunc(tl.points, p, comparePoints)
	if found {
		return
	}
	tl.points = slices.Insert(tl.points, i, p)
}

// Remove deletes id previously inserted at time at. Callers must pass the
// same timestamp they inserted with.
func (tl *Timeline) Remove(at time.Time, id string) bool {
	i, found := slices.BinarySearchFunc(tl.points, point{at: at, id: id}, comparePoints)
	if !found {
		return false
	}
	tl.points = slices.Delete(tl.points, i, i+1)
	return true
}

// Move re-files id from old to next.
func (tl *Timeline) Move(old, next time.Time, id string) {
	if old.Equal(next) {
		return
	}
	tl.Remove(old, id)
	tl.Insert(next, id)
}

// Range returns the ids whose time lies in [from, to]. A zero from or to
// leaves that side open.
func (tl *Timeline) Range(from, to time.Time) IDSet {
	lo, hi := tl.bounds(from, to)
	out := make(IDSet, hi-lo)
	for _, p := range tl.points[lo:hi] {
		out.Add(p.id)
	}
	return out
}

// CountRange returns how many ids Range would return without building the set.
func (tl *Timeline) CountRange(from, to time.Time) int {
	lo, hi := tl.bounds(from, to)
	return hi - lo
}

func (tl *Timeline) bounds(from, to time.Time) (int, int) {
	lo := 0
	if !from.IsZero() {
		lo, _ = slices.BinarySearchFunc(tl.points, point{at: from}, comparePoints)
	}
	hi := len(tl.points)
	if !to.IsZero() {
		hi = upperBound(tl.points, to)
	}
	return lo, max(lo, hi)
}

// Len returns the number of points.
func (tl *Timeline) Len() int { return len(tl.points) }

// upperBound returns the first index whose time is after to.
func upperBound(points []point, to time.Time) int {
	i, _ := slices.BinarySearchFunc(points, to, func(p point, t time.Time) int {
		if p.at.After(t) {
			return 1
		}
		return -1
	})
	return i
}
