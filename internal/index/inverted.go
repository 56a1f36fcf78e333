// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package index

// Inverted maps a key (a domain or a tag) to the ids carrying it. Empty
// postings are dropped so Keys never reports a key with no entries.
type Inverted struct {
	postings map[string]IDSet
}

// NewInverted returns an empty inverted index.
func NewInverted() *Inverted {
	return &Inverted{postings: make(map[string]IDSet)}
}

// Add records that id carries key.
func (x *Inverted) Add(key, id string) {
	set, ok := x.postings[key]
	if !ok {
		set = IDSet{}
		x.postings[key] = set
	}
	set.Add(id)
}

// Remove drops the (key, id) posting. Removing an absent posting is a no-op.
func (x *Inverted) Remove(key, id string) {
	set, ok := x.postings[key]
	if !ok {
		return
	}
	set.Remove(id)
	if len(set) == 0 {
		delete(x.postings, key)
	}
}

// Lookup returns the ids for key. The returned set is owned by the index and
// must not be modified; it is nil when the key is unknown.
func (x *Inverted) Lookup(key string) IDSet {
	return x.postings[key]
}

// Count returns the number of ids carrying key.
func (x *Inverted) Count(key string) int {
	return len(x.postings[key])
}

// Keys returns every key with at least one posting.
func (x *Inverted) Keys() []string {
	out := make([]string, 0, len(x.postings))
	for k := range x.postings {
		out = append(out, k)
	}
	return out
}

// Contains reports whether id is posted under key.
func (x *Inverted) Contains(key, id string) bool {
	return x.postings[key].Has(id)
}
