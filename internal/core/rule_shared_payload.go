package core

import (
	"context"
	"fmt"
	"strings"

	"modos/pkg/domain"
)

// SharedPayloadRule notes changed nodes whose data_path is also referenced
// by other nodes. Such payloads are copied instead of moved on rename and
// survive the removal of a single referrer.
func SharedPayloadRule() Rule {
	return sharedPayloadRule{}
}

type sharedPayloadRule struct{}

func (sharedPayloadRule) Name() string { return "shared_payload" }

func (r sharedPayloadRule) Evaluate(_ context.Context, view GraphView, changes []Change) (Result, error) {
	res := Result{}
	if len(changes) == 0 {
		return res, nil
	}
	owners := map[string][]string{}
	for _, n := range view.Nodes() {
		if p := n.String(domain.SlotDataPath); p != "" {
			owners[p] = append(owners[p], n.ID)
		}
	}
	seen := map[string]struct{}{}
	for _, c := range changes {
		if c.After == nil {
			continue
		}
		if _, dup := seen[c.After.ID]; dup {
			continue
		}
		seen[c.After.ID] = struct{}{}
		p := c.After.String(domain.SlotDataPath)
		if len(owners[p]) < 2 {
			continue
		}
		res.Violations = append(res.Violations, Violation{
			Rule:     r.Name(),
			Severity: SeverityLog,
			Message:  fmt.Sprintf("%s is shared by %s", p, strings.Join(owners[p], ", ")),
			NodeType: c.After.Type,
			NodeID:   c.After.ID,
			Slot:     domain.SlotDataPath,
		})
	}
	return res, nil
}
