package core

import (
	"context"
	"errors"

	"modos/pkg/domain"
)

// SchemaConformanceRule validates every created or updated node against its
// class: declared slots, enum ranges, cardinality, reference ranges and
// required slots.
func SchemaConformanceRule() Rule {
	return schemaConformanceRule{}
}

type schemaConformanceRule struct{}

func (schemaConformanceRule) Name() string { return "schema_conformance" }

func (r schemaConformanceRule) Evaluate(_ context.Context, view GraphView, changes []Change) (Result, error) {
	res := Result{}
	lookup := func(id string) (domain.NodeType, bool) {
		n, ok := view.Node(id)
		return n.Type, ok
	}
	seen := map[string]struct{}{}
	for i := len(changes) - 1; i >= 0; i-- {
		id := changes[i].NodeID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		n, ok := view.Node(id)
		if !ok {
			continue
		}
		err := view.Schema().ValidateAttrs(string(n.Type), n.Attrs, lookup)
		if err == nil {
			continue
		}
		v := Violation{
			Rule:     r.Name(),
			Severity: SeverityBlock,
			Message:  err.Error(),
			NodeType: n.Type,
			NodeID:   n.ID,
		}
		var sv *domain.SchemaViolationError
		if errors.As(err, &sv) {
			v.Slot = sv.Slot
		}
		res.Violations = append(res.Violations, v)
	}
	return res, nil
}
