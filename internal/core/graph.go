package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"modos/internal/schema"
	"modos/pkg/domain"
)

// graph is the in-memory node set of one container. The root MODO node is
// stored alongside the others under rootID.
type graph struct {
	rootID string
	nodes  map[string]Node
}

func newGraph(rootID string) graph {
	return graph{rootID: rootID, nodes: make(map[string]Node)}
}

func (g graph) clone() graph {
	out := graph{rootID: g.rootID, nodes: make(map[string]Node, len(g.nodes))}
	for id, n := range g.nodes {
		out.nodes[id] = n.Clone()
	}
	return out
}

func (g graph) sorted() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.Clone())
	}
	domain.SortNodes(out)
	return out
}

type fileOpKind int

const (
	opCopyIn    fileOpKind = iota // local source path into the container
	opMove                        // container path to container path
	opDuplicate                   // container path copied to a second path
)

type fileOp struct {
	kind fileOpKind
	src  string
	dst  string
}

// Transaction stages a mutation against a cloned graph. Nothing reaches
// storage until the rules engine accepts the staged state.
type Transaction struct {
	obj      *Object
	state    graph
	now      time.Time
	changes  []Change
	files    map[string]struct{}
	ops      []fileOp
	released []string
}

func (tx *Transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Node returns a copy of the staged node.
func (tx *Transaction) Node(id string) (Node, bool) {
	n, ok := tx.state.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

func (tx *Transaction) create(n Node) error {
	if _, exists := tx.state.nodes[n.ID]; exists {
		return domain.DuplicateIdentifierError{ID: n.ID}
	}
	tx.state.nodes[n.ID] = n.Clone()
	after := n.Clone()
	tx.recordChange(Change{Action: ActionCreate, After: &after})
	return nil
}

func (tx *Transaction) put(n Node) error {
	before, ok := tx.state.nodes[n.ID]
	if !ok {
		return domain.NotFoundError{Entity: "node", ID: n.ID}
	}
	if before.Type != n.Type {
		return &domain.SchemaViolationError{Class: string(before.Type), Slot: domain.TypeKey, Rule: "node type is immutable", Value: n.Type}
	}
	tx.state.nodes[n.ID] = n.Clone()
	b, a := before.Clone(), n.Clone()
	tx.recordChange(Change{Action: ActionUpdate, Before: &b, After: &a})
	return nil
}

func (tx *Transaction) delete(id string) error {
	before, ok := tx.state.nodes[id]
	if !ok {
		return domain.NotFoundError{Entity: "node", ID: id}
	}
	delete(tx.state.nodes, id)
	b := before.Clone()
	tx.recordChange(Change{Action: ActionDelete, Before: &b})
	return nil
}

// stageCopy schedules a local file (and its index siblings) for upload.
func (tx *Transaction) stageCopy(src, dst string) {
	tx.ops = append(tx.ops, fileOp{kind: opCopyIn, src: src, dst: dst})
	tx.files[dst] = struct{}{}
	for _, suffix := range localIndexSuffixes(src) {
		tx.ops = append(tx.ops, fileOp{kind: opCopyIn, src: IndexPath(src, suffix), dst: IndexPath(dst, suffix)})
		tx.files[IndexPath(dst, suffix)] = struct{}{}
	}
}

// stageMove schedules a rename inside the container.
func (tx *Transaction) stageMove(src, dst string) {
	srcs, dsts := withIndexes(src), withIndexes(dst)
	for i, from := range srcs {
		if _, ok := tx.files[from]; !ok {
			continue
		}
		tx.ops = append(tx.ops, fileOp{kind: opMove, src: from, dst: dsts[i]})
		delete(tx.files, from)
		tx.files[dsts[i]] = struct{}{}
	}
}

// stageDuplicate schedules a copy inside the container, leaving src intact.
func (tx *Transaction) stageDuplicate(src, dst string) {
	srcs, dsts := withIndexes(src), withIndexes(dst)
	for i, from := range srcs {
		if _, ok := tx.files[from]; !ok {
			continue
		}
		tx.ops = append(tx.ops, fileOp{kind: opDuplicate, src: from, dst: dsts[i]})
		tx.files[dsts[i]] = struct{}{}
	}
}

// release marks a payload for deletion once no surviving node references it.
func (tx *Transaction) release(path string) {
	if path != "" {
		tx.released = append(tx.released, path)
	}
}

func (tx *Transaction) touchRoot() error {
	root, ok := tx.state.nodes[tx.state.rootID]
	if !ok {
		return nil
	}
	root.Attrs[domain.SlotLastUpdateDate] = formatTime(tx.now)
	for i := len(tx.changes) - 1; i >= 0; i-- {
		if tx.changes[i].NodeID() == root.ID && tx.changes[i].After != nil {
			tx.state.nodes[root.ID] = root
			after := root.Clone()
			tx.changes[i].After = &after
			return nil
		}
	}
	return tx.put(root)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// referenced reports whether any staged node points at path via data_path.
func (tx *Transaction) referenced(path string) bool {
	return len(tx.sharers(path, "")) > 0
}

// sharers returns the staged nodes other than except whose data_path is
// path, in id order.
func (tx *Transaction) sharers(path, except string) []Node {
	var out []Node
	for id, n := range tx.state.nodes {
		if id != except && n.String(domain.SlotDataPath) == path {
			out = append(out, n.Clone())
		}
	}
	domain.SortNodes(out)
	return out
}

type transactionView struct {
	tx *Transaction
}

func (v transactionView) Schema() schema.View { return v.tx.obj.schema }

func (v transactionView) Root() Node {
	return v.tx.state.nodes[v.tx.state.rootID].Clone()
}

func (v transactionView) Node(id string) (Node, bool) { return v.tx.Node(id) }

func (v transactionView) Nodes() []Node { return v.tx.state.sorted() }

func (v transactionView) FileExists(path string) bool {
	_, ok := v.tx.files[path]
	return ok
}

// runInTransaction clones the graph, applies fn, evaluates the rules and,
// when nothing blocks, persists payloads and groups before consolidating.
func (o *Object) runInTransaction(ctx context.Context, fn func(tx *Transaction) error) (Result, error) {
	tx := &Transaction{
		obj:   o,
		state: o.state.clone(),
		now:   o.clock.Now().UTC(),
		files: make(map[string]struct{}, len(o.files)),
	}
	for f := range o.files {
		tx.files[f] = struct{}{}
	}
	if err := fn(tx); err != nil {
		return Result{}, err
	}
	if len(tx.changes) == 0 {
		return Result{}, nil
	}
	if err := tx.touchRoot(); err != nil {
		return Result{}, err
	}

	var result Result
	if o.engine != nil {
		res, err := o.engine.Evaluate(ctx, transactionView{tx: tx}, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		for _, v := range res.Violations {
			switch v.Severity {
			case SeverityWarn:
				o.logger.Warn("integrity warning", "rule", v.Rule, "node", v.NodeID, "message", v.Message)
			case SeverityLog:
				o.logger.Info("integrity note", "rule", v.Rule, "node", v.NodeID, "message", v.Message)
			}
		}
		if res.HasBlocking() {
			return res, RuleViolationError{Result: res}
		}
	}

	if err := o.persist(ctx, tx); err != nil {
		return result, err
	}
	o.state = tx.state
	o.files = tx.files
	return result, nil
}

// persist writes payloads, then groups, then the consolidated index.
func (o *Object) persist(ctx context.Context, tx *Transaction) error {
	for _, op := range tx.ops {
		var err error
		switch op.kind {
		case opCopyIn:
			err = o.copyIn(ctx, op.src, op.dst)
		case opMove:
			err = o.container.MoveFile(ctx, op.src, op.dst)
		case opDuplicate:
			err = o.container.CopyFile(ctx, op.src, op.dst)
		}
		if err != nil {
			return err
		}
	}
	for _, path := range tx.released {
		if tx.referenced(path) {
			continue
		}
		for _, p := range withIndexes(path) {
			if _, ok := tx.files[p]; !ok {
				continue
			}
			if err := o.container.RemoveFile(ctx, p); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			delete(tx.files, p)
		}
	}

	touched := map[string]struct{}{}
	for _, c := range tx.changes {
		touched[c.NodeID()] = struct{}{}
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		group := groupPath(tx.state.rootID, id)
		n, ok := tx.state.nodes[id]
		if !ok {
			if _, existed := o.state.nodes[id]; !existed {
				continue
			}
			if err := o.container.DeleteGroup(ctx, group); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			continue
		}
		if err := o.container.WriteGroup(ctx, group, n.AttrMap()); err != nil {
			return fmt.Errorf("write group %s: %w", id, err)
		}
	}
	_, err := o.container.ConsolidateMetadata(ctx)
	return err
}

func groupPath(rootID, id string) string {
	if id == rootID {
		return ""
	}
	return id
}
