package image

import (
	"iter"
	"sort"
)

// Index maps image specs to the resources that back them, preserving
// insertion order. It is built while scanning one or more catalogs; the
// scan order decides which source wins when the same spec appears twice.
//
// Index is not safe for concurrent mutation; build it in one goroutine and
// share it read-only afterwards.
type Index struct {
	entries map[Spec]*Resource
	order   []Spec
}

func NewIndex() *Index {
	return &Index{entries: map[Spec]*Resource{}}
}

// SetDefault inserts the resource only when spec is absent, and returns the
// resource that ends up in the index. Calling it twice with the same spec is
// idempotent: the first call's value stays.
func (x *Index) SetDefault(spec Spec, res *Resource) *Resource {
	if existing, ok := x.entries[spec]; ok {
		return existing
	}
	x.entries[spec] = res
	x.order = append(x.order, spec)
	return res
}

// Set always overwrites, appending to the iteration order only when the
// spec is new.
func (x *Index) Set(spec Spec, res *Resource) {
	if _, ok := x.entries[spec]; !ok {
		x.order = append(x.order, spec)
	}
	x.entries[spec] = res
}

// Get returns the resource for spec, or nil when absent.
func (x *Index) Get(spec Spec) *Resource {
	return x.entries[spec]
}

// All yields (spec, resource) pairs in insertion order. The sequence is
// finite and restartable.
func (x *Index) All() iter.Seq2[Spec, *Resource] {
	return func(yield func(Spec, *Resource) bool) {
		for _, spec := range x.order {
			if !yield(spec, x.entries[spec]) {
				return
			}
		}
	}
}

func (x *Index) Len() int {
	return len(x.order)
}

func (x *Index) IsEmpty() bool {
	return len(x.order) == 0
}

// Architectures returns the sorted set of distinct architecture values
// observed across all keys.
func (x *Index) Architectures() []string {
	seen := map[string]struct{}{}
	for _, spec := range x.order {
		seen[spec.Arch] = struct{}{}
	}
	arches := make([]string, 0, len(seen))
	for arch := range seen {
		arches = append(arches, arch)
	}
	sort.Strings(arches)
	return arches
}
