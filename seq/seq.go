// Package seq provides generic free-function helpers over ordered sequences
// of values: grouping, chunking, ranking and sorting. Grounded on
// pkg/utils's "operate on a slice, return a new slice" style
// (pkg/utils/hash.go, pkg/utils/pattern.go) — Go has no built-in type to
// patch, so the same spirit is expressed as standalone generic functions
// instead of methods.
package seq

import "sort"

// GroupBy partitions items into buckets keyed by keyFn, preserving each
// bucket's internal order (first-seen order of distinct keys is not
// guaranteed by the returned map; use Keys-ordered iteration upstream if
// that matters).
func GroupBy[T any, K comparable](items []T, keyFn func(T) K) map[K][]T {
	groups := make(map[K][]T)
	for _, item := range items {
		k := keyFn(item)
		groups[k] = append(groups[k], item)
	}
	return groups
}

// Chunk splits items into consecutive slices of at most size elements each.
// The final chunk may be shorter. Chunk panics if size <= 0.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		panic("seq: Chunk requires a positive size")
	}
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// SortBy returns a new slice with items sorted by the result of less
// applied pairwise, stably (ties preserve original relative order). The
// input slice is left untouched.
func SortBy[T any](items []T, less func(a, b T) bool) []T {
	out := make([]T, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Rank assigns each item its 1-based position after sorting by less
// (ascending), with ties sharing the same rank and the next distinct value
// skipping the tied count (standard competition ranking: 1,2,2,4). scoreFn
// extracts the comparable score used to detect ties.
func Rank[T any, S comparable](items []T, less func(a, b T) bool, scoreFn func(T) S) []int {
	n := len(items)
	if n == 0 {
		return nil
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return less(items[order[i]], items[order[j]]) })

	ranks := make([]int, n)
	ranks[order[0]] = 1
	for pos := 1; pos < n; pos++ {
		prev, cur := order[pos-1], order[pos]
		if scoreFn(items[prev]) == scoreFn(items[cur]) {
			ranks[cur] = ranks[prev]
		} else {
			ranks[cur] = pos + 1
		}
	}
	return ranks
}
