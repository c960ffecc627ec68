package core

import (
	"context"
	"fmt"
	"strings"
)

// AcyclicOwnershipRule keeps the has_part hierarchy a DAG rooted at the MODO.
func AcyclicOwnershipRule() Rule {
	return acyclicOwnershipRule{}
}

type acyclicOwnershipRule struct{}

func (acyclicOwnershipRule) Name() string { return "acyclic_ownership" }

func (r acyclicOwnershipRule) Evaluate(_ context.Context, view GraphView, _ []Change) (Result, error) {
	res := Result{}
	sc := view.Schema()
	edges := map[string][]string{}
	nodes := view.Nodes()
	for _, n := range nodes {
		for _, slot := range sc.RelationshipSlots(string(n.Type)) {
			if sc.IsPartSlot(slot) {
				edges[n.ID] = append(edges[n.ID], n.Refs(slot)...)
			}
		}
	}

	const (
		unvisited = iota
		active
		done
	)
	state := make(map[string]int, len(nodes))
	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		switch state[id] {
		case active:
			for i, s := range stack {
				if s == id {
					return append(append([]string{}, stack[i:]...), id)
				}
			}
			return []string{id, id}
		case done:
			return nil
		}
		state[id] = active
		stack = append(stack, id)
		for _, next := range edges[id] {
			if cycle := visit(next); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, n := range nodes {
		if state[n.ID] != unvisited {
			continue
		}
		stack = stack[:0]
		if cycle := visit(n.ID); cycle != nil {
			res.Violations = append(res.Violations, Violation{
				Rule:     r.Name(),
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("ownership cycle %s", strings.Join(cycle, " -> ")),
				NodeType: n.Type,
				NodeID:   cycle[0],
			})
			break
		}
	}
	return res, nil
}
