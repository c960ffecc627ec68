package core

import (
	"context"

	"modos/internal/schema"
)

// GraphView is the read-only surface rules evaluate against: the graph as
// it would look if the transaction committed.
type GraphView interface {
	Schema() schema.View
	Root() Node
	Node(id string) (Node, bool)
	Nodes() []Node
	FileExists(path string) bool
}

// Rule defines an evaluation executed within a transaction boundary.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view GraphView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// NewDefaultRulesEngine builds an engine with the graph integrity rules.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(SchemaConformanceRule())
	engine.Register(ReferenceIntegrityRule())
	engine.Register(DataPathRule())
	engine.Register(AcyclicOwnershipRule())
	engine.Register(AssaySampleRule())
	engine.Register(SharedPayloadRule())
	return engine
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view GraphView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
