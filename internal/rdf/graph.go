// Package rdf converts a MODO node set to and from RDF triples using the
// schema's class and slot IRIs.
package rdf

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	kr "github.com/knakk/rdf"

	"modos/internal/schema"
	"modos/pkg/domain"
)

// Triple is a single RDF statement.
type Triple = kr.Triple

// Format selects a serialization.
type Format = kr.Format

// Supported serializations.
const (
	NTriples = kr.NTriples
	Turtle   = kr.Turtle
)

const (
	rdfType     = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	xsdString   = "http://www.w3.org/2001/XMLSchema#string"
	xsdDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"
	xsdBoolean  = "http://www.w3.org/2001/XMLSchema#boolean"
	xsdInteger  = "http://www.w3.org/2001/XMLSchema#integer"
	xsdDouble   = "http://www.w3.org/2001/XMLSchema#double"
)

// Graph is the node set of one MODO as exchanged with ToGraph/FromGraph.
// Node ids are container relative; the root node carries RootID.
type Graph struct {
	RootID string
	Nodes  []domain.Node
}

type codec struct {
	sc     schema.View
	prefix string
	rootID string
}

func (c codec) nodeIRI(id string) string {
	if id == c.rootID {
		return c.prefix + c.rootID
	}
	return c.prefix + c.rootID + "/" + id
}

func (c codec) localID(iri string) (string, error) {
	rest, ok := strings.CutPrefix(iri, c.prefix)
	if !ok {
		return "", fmt.Errorf("iri %s outside prefix %s", iri, c.prefix)
	}
	if rest == c.rootID {
		return rest, nil
	}
	local, ok := strings.CutPrefix(rest, c.rootID+"/")
	if !ok {
		return "", fmt.Errorf("iri %s outside object %s", iri, c.rootID)
	}
	return local, nil
}

func newIRI(s string) (kr.IRI, error) {
	iri, err := kr.NewIRI(s)
	if err != nil {
		return kr.IRI{}, fmt.Errorf("iri %q: %w", s, err)
	}
	return iri, nil
}

// ToGraph renders g as triples. Node IRIs are prefix + qualified id. The
// result is sorted so equal graphs always serialize identically.
func ToGraph(sc schema.View, g Graph, prefix string) ([]Triple, error) {
	c := codec{sc: sc, prefix: prefix, rootID: g.RootID}
	var out []Triple
	typeIRI, err := newIRI(rdfType)
	if err != nil {
		return nil, err
	}
	for _, n := range g.Nodes {
		subj, err := newIRI(c.nodeIRI(n.ID))
		if err != nil {
			return nil, err
		}
		cls, ok := sc.Class(string(n.Type))
		if !ok {
			return nil, &domain.SchemaViolationError{Class: string(n.Type), Rule: "unknown class"}
		}
		classIRI, err := newIRI(cls.URI)
		if err != nil {
			return nil, err
		}
		out = append(out, Triple{Subj: subj, Pred: typeIRI, Obj: classIRI})

		slots := make([]string, 0, len(n.Attrs))
		for k := range n.Attrs {
			slots = append(slots, k)
		}
		sort.Strings(slots)
		for _, name := range slots {
			slot, ok := sc.Slot(name)
			if !ok {
				return nil, &domain.SchemaViolationError{Class: string(n.Type), Slot: name, Rule: "slot not declared for class"}
			}
			pred, err := newIRI(slot.URI)
			if err != nil {
				return nil, err
			}
			objs, err := c.objects(slot, n.Attrs[name])
			if err != nil {
				return nil, fmt.Errorf("node %s slot %s: %w", n.ID, name, err)
			}
			for _, obj := range objs {
				out = append(out, Triple{Subj: subj, Pred: pred, Obj: obj})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Serialize(kr.NTriples) < out[j].Serialize(kr.NTriples)
	})
	return out, nil
}

func (c codec) objects(slot schema.Slot, value any) ([]kr.Object, error) {
	var values []string
	switch v := value.(type) {
	case []string:
		values = append(values, v...)
		sort.Strings(values)
	case string:
		values = []string{v}
	case int64:
		return c.objects(slot, int(v))
	case bool, int, float64:
		lit, err := kr.NewLiteral(v)
		if err != nil {
			return nil, err
		}
		return []kr.Object{lit}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
	out := make([]kr.Object, 0, len(values))
	for _, v := range values {
		switch {
		case slot.Kind == schema.KindClass:
			iri, err := newIRI(c.nodeIRI(v))
			if err != nil {
				return nil, err
			}
			out = append(out, iri)
		case slot.Kind == schema.KindURI:
			iri, err := newIRI(v)
			if err != nil {
				return nil, err
			}
			out = append(out, iri)
		case slot.Name == domain.SlotDataPath:
			iri, err := newIRI(c.nodeIRI(v))
			if err != nil {
				return nil, err
			}
			out = append(out, iri)
		case slot.Kind == schema.KindDatetime:
			dt, err := newIRI(xsdDateTime)
			if err != nil {
				return nil, err
			}
			out = append(out, kr.NewTypedLiteral(v, dt))
		default:
			dt, err := newIRI(xsdString)
			if err != nil {
				return nil, err
			}
			out = append(out, kr.NewTypedLiteral(v, dt))
		}
	}
	return out, nil
}

// FromGraph rebuilds the node set from triples produced by ToGraph. Every
// predicate must map to a schema slot; unknown vocabulary is an error so no
// statement is dropped silently.
func FromGraph(sc schema.View, triples []Triple, prefix string) (Graph, error) {
	typeOf := map[string]string{}
	var rootIRI string
	for _, t := range triples {
		if t.Pred.String() != rdfType {
			continue
		}
		class, ok := sc.ClassForURI(t.Obj.String())
		if !ok {
			return Graph{}, fmt.Errorf("unknown class iri %s", t.Obj.String())
		}
		subj := t.Subj.String()
		if prev, dup := typeOf[subj]; dup && prev != class {
			return Graph{}, fmt.Errorf("subject %s typed as both %s and %s", subj, prev, class)
		}
		typeOf[subj] = class
		if domain.NodeType(class) == domain.TypeMODO {
			if rootIRI != "" && rootIRI != subj {
				return Graph{}, fmt.Errorf("more than one MODO in graph: %s, %s", rootIRI, subj)
			}
			rootIRI = subj
		}
	}
	if rootIRI == "" {
		return Graph{}, fmt.Errorf("graph has no MODO node")
	}
	rootID, ok := strings.CutPrefix(rootIRI, prefix)
	if !ok {
		return Graph{}, fmt.Errorf("root iri %s outside prefix %s", rootIRI, prefix)
	}
	c := codec{sc: sc, prefix: prefix, rootID: rootID}

	nodes := map[string]*domain.Node{}
	for subj, class := range typeOf {
		id, err := c.localID(subj)
		if err != nil {
			return Graph{}, err
		}
		n := domain.NewNode(domain.NodeType(class), id, nil)
		nodes[subj] = &n
	}
	for _, t := range triples {
		pred := t.Pred.String()
		if pred == rdfType {
			continue
		}
		n, ok := nodes[t.Subj.String()]
		if !ok {
			return Graph{}, fmt.Errorf("subject %s has no rdf:type", t.Subj.String())
		}
		name, ok := sc.SlotForURI(pred)
		if !ok {
			return Graph{}, fmt.Errorf("unknown predicate %s", pred)
		}
		slot, _ := sc.Slot(name)
		v, err := c.value(slot, t.Obj)
		if err != nil {
			return Graph{}, fmt.Errorf("%s %s: %w", t.Subj.String(), name, err)
		}
		if !slot.Multivalued {
			if _, dup := n.Attrs[name]; dup {
				return Graph{}, fmt.Errorf("%s: single-valued slot %s repeated", n.ID, name)
			}
			n.Attrs[name] = v
			continue
		}
		s, ok := v.(string)
		if !ok {
			return Graph{}, fmt.Errorf("%s: multivalued slot %s holds non-string value", n.ID, name)
		}
		prev, _ := n.Attrs[name].([]string)
		n.Attrs[name] = append(prev, s)
	}

	g := Graph{RootID: rootID}
	for _, n := range nodes {
		for k, v := range n.Attrs {
			if list, ok := v.([]string); ok {
				sort.Strings(list)
				n.Attrs[k] = list
			}
		}
		g.Nodes = append(g.Nodes, *n)
	}
	domain.SortNodes(g.Nodes)
	return g, nil
}

func (c codec) value(slot schema.Slot, obj kr.Object) (any, error) {
	switch obj.Type() {
	case kr.TermIRI:
		iri := obj.String()
		if slot.Kind == schema.KindClass || slot.Name == domain.SlotDataPath {
			return c.localID(iri)
		}
		return iri, nil
	case kr.TermLiteral:
		lit, ok := obj.(kr.Literal)
		if !ok {
			return obj.String(), nil
		}
		switch lit.DataType.String() {
		case xsdBoolean:
			return strconv.ParseBool(lit.String())
		case xsdInteger:
			return strconv.Atoi(lit.String())
		case xsdDouble:
			return strconv.ParseFloat(lit.String(), 64)
		}
		return lit.String(), nil
	default:
		return nil, fmt.Errorf("blank nodes are not supported")
	}
}

// Encode writes triples in format f.
func Encode(w io.Writer, triples []Triple, f Format) error {
	enc := kr.NewTripleEncoder(w, f)
	if err := enc.EncodeAll(triples); err != nil {
		return err
	}
	return enc.Close()
}

// Decode reads every triple from r.
func Decode(r io.Reader, f Format) ([]Triple, error) {
	return kr.NewTripleDecoder(r, f).DecodeAll()
}
