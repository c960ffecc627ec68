package core

import (
	"sort"

	"gopkg.in/yaml.v3"

	"modos/pkg/domain"
)

// Get returns node id. Qualified and group-relative ids are both accepted.
func (o *Object) Get(id string) (Node, error) {
	n, ok := o.state.nodes[o.resolveID(id)]
	if !ok {
		return Node{}, domain.NotFoundError{Entity: "node", ID: id}
	}
	return n.Clone(), nil
}

// Root returns the MODO node.
func (o *Object) Root() Node {
	return o.state.nodes[o.id].Clone()
}

// Nodes returns every node, root included, ordered by id.
func (o *Object) Nodes() []Node {
	return o.state.sorted()
}

// List returns the nodes of type t ordered by id.
func (o *Object) List(t NodeType) []Node {
	var out []Node
	for _, n := range o.state.nodes {
		if n.Type == t {
			out = append(out, n.Clone())
		}
	}
	domain.SortNodes(out)
	return out
}

// ListSamples returns every Sample node.
func (o *Object) ListSamples() []Node {
	return o.List(TypeSample)
}

// ListFiles returns the payload paths referenced by the graph, sorted.
func (o *Object) ListFiles() []string {
	seen := map[string]struct{}{}
	for _, n := range o.state.nodes {
		if p := n.String(domain.SlotDataPath); p != "" {
			seen[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ShowContents renders metadata as YAML keyed by node id. element selects a
// single node id, a node type or group name ("sample"), or everything when
// empty.
func (o *Object) ShowContents(element string) (string, error) {
	var nodes []Node
	switch {
	case element == "":
		nodes = o.Nodes()
	default:
		if n, err := o.Get(element); err == nil {
			nodes = []Node{n}
		} else if t, perr := domain.ParseNodeType(element); perr == nil {
			nodes = o.List(t)
		} else {
			return "", err
		}
	}
	doc := make(map[string]map[string]any, len(nodes))
	for _, n := range nodes {
		doc[o.QualifiedID(n.ID)] = n.AttrMap()
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
