package srs

import "slices"

// Reachable reports whether to can be reached from from by following next.
// It is used to reject an edge subject->dependency when subject is already
// reachable from dependency.
func Reachable[K comparable](from, to K, next func(K) ([]K, error)) (bool, error) {
	seen := map[K]bool{from: true}
	stack := []K{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true, nil
		}
		out, err := next(n)
		if err != nil {
			return false, err
		}
		for _, m := range out {
			if !seen[m] {
				seen[m] = true
				stack = append(stack, m)
			}
		}
	}
	return false, nil
}

// FindCycle returns the nodes of one dependency cycle, first node repeated
// at the end, or nil when the graph is acyclic. nodes fixes the visiting
// order so the result is deterministic.
func FindCycle[K comparable](nodes []K, edges map[K][]K) []K {
	const (
		white = iota
		grey
		black
	)
	color := make(map[K]int, len(nodes))
	var path []K

	var visit func(K) []K
	visit = func(n K) []K {
		color[n] = grey
		path = append(path, n)
		for _, m := range edges[n] {
			switch color[m] {
			case grey:
				start := slices.Index(path, m)
				cycle := append([]K{}, path[start:]...)
				return append(cycle, m)
			case white:
				if c := visit(m); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for _, n := range nodes {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}
