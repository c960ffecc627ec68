package core

import (
	"context"
	"fmt"

	"modos/pkg/domain"
)

// AssaySampleRule warns about assays that list no sample. Assays are usually
// added before their samples, so this never blocks.
func AssaySampleRule() Rule {
	return assaySampleRule{}
}

type assaySampleRule struct{}

func (assaySampleRule) Name() string { return "assay_has_sample" }

func (r assaySampleRule) Evaluate(_ context.Context, view GraphView, changes []Change) (Result, error) {
	res := Result{}
	seen := map[string]struct{}{}
	for _, c := range changes {
		if c.After == nil || c.After.Type != TypeAssay {
			continue
		}
		if _, dup := seen[c.After.ID]; dup {
			continue
		}
		seen[c.After.ID] = struct{}{}
		n, ok := view.Node(c.After.ID)
		if !ok || len(n.Refs(domain.SlotHasSample)) > 0 {
			continue
		}
		res.Violations = append(res.Violations, Violation{
			Rule:     r.Name(),
			Severity: SeverityWarn,
			Message:  fmt.Sprintf("assay %s references no sample", n.ID),
			NodeType: n.Type,
			NodeID:   n.ID,
			Slot:     domain.SlotHasSample,
		})
	}
	return res, nil
}
