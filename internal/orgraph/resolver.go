// Package orgraph resolves the supervision graph. supervisorId references
// should form a forest, but bad data can introduce cycles, so the resolver
// treats them as a general directed graph: iterative breadth-first traversal
// with an explicit visited set, never recursion.
package orgraph

import (
	"context"

	"rimborso/internal/core"
)

// EmployeeSource is the slice of the store the resolver needs.
type EmployeeSource interface {
	GetEmployee(ctx context.Context, id string) (core.Employee, error)
	ListEmployees(ctx context.Context) ([]core.Employee, error)
}

type Resolver struct {
	src EmployeeSource
}

func New(src EmployeeSource) *Resolver {
	return &Resolver{src: src}
}

// ReachableSet returns the ids of all employees transitively supervised by
// the actor. Admin and finance roles bypass the graph entirely and reach
// every employee; a supervisor with no direct reports reaches nobody. A
// cycle in the data is a data-integrity violation, but it must not make the
// traversal loop: a visited employee is never re-expanded.
func (r *Resolver) ReachableSet(ctx context.Context, actorID string) (map[string]bool, error) {
	actor, err := r.src.GetEmployee(ctx, actorID)
	if err != nil {
		return nil, err
	}

	employees, err := r.src.ListEmployees(ctx)
	if err != nil {
		return nil, err
	}

	if actor.IsAdmin || actor.IsFinance {
		all := make(map[string]bool, len(employees))
		for _, e := range employees {
			all[e.ID] = true
		}
		return all, nil
	}

	reports := make(map[string][]string, len(employees))
	for _, e := range employees {
		if e.SupervisorID != "" {
			reports[e.SupervisorID] = append(reports[e.SupervisorID], e.ID)
		}
	}

	reachable := make(map[string]bool)
	visited := map[string]bool{actorID: true}
	queue := append([]string(nil), reports[actorID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		reachable[id] = true
		queue = append(queue, reports[id]...)
	}
	return reachable, nil
}

// CanActOn reports whether the actor may act on the employee's reports:
// either a role bypass or graph reachability.
func (r *Resolver) CanActOn(ctx context.Context, actorID, employeeID string) (bool, error) {
	set, err := r.ReachableSet(ctx, actorID)
	if err != nil {
		return false, err
	}
	return set[employeeID], nil
}
