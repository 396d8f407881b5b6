// Package generics implements generic data structure functions missing from the stdlib.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns an iterator over the sorted keys of the given map.
//
// It extracts the keys, sort them and then iterate over, so it's convenient but not fast.
func SortedKeys[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq[K] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return slices.Values(sortedKeys)
}

// Groups splits total into groups of at most groupSize elements, returning the size of each group.
// All groups are full, except possibly the last one.
//
// Example: Groups(10, 4) = {4, 4, 2}.
func Groups(total, groupSize int) []int {
	if total <= 0 || groupSize <= 0 {
		return nil
	}
	groups := make([]int, 0, (total+groupSize-1)/groupSize)
	for total > groupSize {
		groups = append(groups, groupSize)
		total -= groupSize
	}
	return append(groups, total)
}

// Chunks splits the slice s in consecutive sub-slices of the sizes given by Groups(len(s), chunkSize).
// The sub-slices share the storage with s.
func Chunks[S ~[]E, E any](s S, chunkSize int) []S {
	var chunks []S
	var start int
	for _, size := range Groups(len(s), chunkSize) {
		chunks = append(chunks, s[start:start+size])
		start += size
	}
	return chunks
}

// Tile returns a slice with s repeated n times.
//
// Example: Tile([]int{0, 1}, 3) = {0, 1, 0, 1, 0, 1}.
func Tile[S ~[]E, E any](s S, n int) S {
	tiled := make(S, 0, len(s)*max(n, 0))
	for range n {
		tiled = append(tiled, s...)
	}
	return tiled
}

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// SetWith creates a Set[T] with the given elements inserted.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	for _, element := range elements {
		s.Insert(element)
	}
	return s
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}
