package core

import (
	"context"
	"fmt"
	"path"
	"strings"

	"modos/internal/storage"
	"modos/pkg/domain"
)

// DataPathRule requires the data_path of every node to name a file present
// in the container once the transaction commits, changed or not.
func DataPathRule() Rule {
	return dataPathRule{}
}

type dataPathRule struct{}

func (dataPathRule) Name() string { return "data_path_exists" }

func (r dataPathRule) Evaluate(_ context.Context, view GraphView, _ []Change) (Result, error) {
	res := Result{}
	for _, n := range view.Nodes() {
		p := n.String(domain.SlotDataPath)
		if p == "" {
			continue
		}
		clean := path.Clean(p)
		switch {
		case path.IsAbs(p) || clean == ".." || strings.HasPrefix(clean, "../"):
			res.Violations = append(res.Violations, r.violation(n, fmt.Sprintf("data_path %s escapes the container", p)))
		case clean == storage.ZarrRoot || strings.HasPrefix(clean, storage.ZarrRoot+"/"):
			res.Violations = append(res.Violations, r.violation(n, fmt.Sprintf("data_path %s points into the metadata tree", p)))
		case !view.FileExists(p):
			res.Violations = append(res.Violations, r.violation(n, fmt.Sprintf("data_path %s does not exist in the container", p)))
		}
	}
	return res, nil
}

func (r dataPathRule) violation(n Node, message string) Violation {
	return Violation{
		Rule:     r.Name(),
		Severity: SeverityBlock,
		Message:  message,
		NodeType: n.Type,
		NodeID:   n.ID,
		Slot:     domain.SlotDataPath,
	}
}
