package core

import (
	"context"
	"fmt"
)

// ReferenceIntegrityRule blocks any relationship slot value that does not
// resolve to a node of the graph. It walks the whole graph so a removal can
// never leave a dangling back-reference behind.
func ReferenceIntegrityRule() Rule {
	return referenceIntegrityRule{}
}

type referenceIntegrityRule struct{}

func (referenceIntegrityRule) Name() string { return "reference_integrity" }

func (r referenceIntegrityRule) Evaluate(_ context.Context, view GraphView, _ []Change) (Result, error) {
	res := Result{}
	sc := view.Schema()
	for _, n := range view.Nodes() {
		for _, slot := range sc.RelationshipSlots(string(n.Type)) {
			seen := map[string]struct{}{}
			for _, ref := range n.Refs(slot) {
				if _, dup := seen[ref]; dup {
					res.Violations = append(res.Violations, referenceViolation(n, slot, fmt.Sprintf("%s lists %s more than once in %s", n.ID, ref, slot)))
					continue
				}
				seen[ref] = struct{}{}
				if ref == n.ID {
					res.Violations = append(res.Violations, referenceViolation(n, slot, fmt.Sprintf("%s references itself in %s", n.ID, slot)))
					continue
				}
				if _, ok := view.Node(ref); !ok {
					res.Violations = append(res.Violations, referenceViolation(n, slot, fmt.Sprintf("%s references missing node %s in %s", n.ID, ref, slot)))
				}
			}
		}
	}
	return res, nil
}

func referenceViolation(n Node, slot, message string) Violation {
	return Violation{
		Rule:     "reference_integrity",
		Severity: SeverityBlock,
		Message:  message,
		NodeType: n.Type,
		NodeID:   n.ID,
		Slot:     slot,
	}
}
