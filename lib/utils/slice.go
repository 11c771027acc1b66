package utils

import (
	"cmp"
	"slices"
)

func Filter[T any](a []T, keep func(T) bool) []T {
	res := make([]T, 0, len(a))
	for _, v := range a {
		if keep(v) {
			res = append(res, v)
		}
	}
	return res
}

// SortedUnique returns a sorted copy of a with duplicates removed.
func SortedUnique[T cmp.Ordered](a []T) []T {
	res := slices.Clone(a)
	slices.Sort(res)
	return slices.Compact(res)
}

// Keys returns the keys of m in ascending order.
func Keys[K cmp.Ordered, V any](m map[K]V) []K {
	res := make([]K, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	slices.Sort(res)
	return res
}

// Set indexes a slice for membership checks.
func Set[T comparable](items []T) map[T]struct{} {
	res := make(map[T]struct{}, len(items))
	for _, v := range items {
		res[v] = struct{}{}
	}
	return res
}
