// Package toposort orders services so that every dependency comes before
// its dependents.
package toposort

import (
	"fmt"
	"strings"
)

// Item is a node in the dependency graph.
type Item struct {
	ID           string
	Dependencies []string
}

// CycleError reports a circular dependency. Cycle lists every node on the
// loop in traversal order; a self-dependency is a cycle of length one.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	path := append(append([]string{}, e.Cycle...), e.Cycle[0])
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(path, " -> "))
}

const (
	unvisited = iota
	visiting
	visited
)

// Sort returns the IDs of items ordered so that each item follows all of its
// dependencies. Dependencies that are not in items are ignored. Items with no
// ordering constraint between them keep their input order. Duplicate IDs are
// collapsed onto the first occurrence.
func Sort(items []Item) ([]string, error) {
	byID := make(map[string]Item, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if _, dup := byID[it.ID]; dup {
			continue
		}
		byID[it.ID] = it
		ids = append(ids, it.ID)
	}

	state := make(map[string]int, len(ids))
	order := make([]string, 0, len(ids))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			// The cycle is the suffix of the stack starting at id.
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == id {
					return &CycleError{Cycle: append([]string{}, stack[i:]...)}
				}
			}
			return &CycleError{Cycle: []string{id}}
		}

		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = visited
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
