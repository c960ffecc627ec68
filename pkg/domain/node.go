// Package domain defines the graph node variant, rule evaluation primitives,
// and the error taxonomy shared across modos packages.
package domain

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// NodeType identifies the concrete class of a graph node.
type NodeType string

// Supported node types. The set is closed; unknown tags are rejected on load.
const (
	// TypeMODO identifies the root node of a container.
	TypeMODO NodeType = "MODO"
	// TypeAssay identifies an assay node.
	TypeAssay NodeType = "Assay"
	// TypeSample identifies a biological sample node.
	TypeSample NodeType = "Sample"
	// TypeDataEntity identifies a node that points at one payload file.
	TypeDataEntity NodeType = "DataEntity"
	// TypeReferenceGenome identifies a reference genome node.
	TypeReferenceGenome NodeType = "ReferenceGenome"
	// TypeReferenceSequence identifies a single reference sequence.
	TypeReferenceSequence NodeType = "ReferenceSequence"
)

// Slot names referenced directly by the engine.
const (
	SlotID             = "id"
	SlotName           = "name"
	SlotDescription    = "description"
	SlotCreationDate   = "creation_date"
	SlotLastUpdateDate = "last_update_date"
	SlotDataPath       = "data_path"
	SlotDataChecksum   = "data_checksum"
	SlotDataFormat     = "data_format"
	SlotHasPart        = "has_part"
	SlotHasAssay       = "has_assay"
	SlotHasSample      = "has_sample"
	SlotHasData        = "has_data"
	SlotHasReference   = "has_reference"
	SlotHasSequence    = "has_sequence"
	// TypeKey is the attribute key carrying the class discriminator.
	TypeKey = "@type"
)

var groups = map[NodeType]string{
	TypeMODO:              "",
	TypeAssay:             "assay",
	TypeSample:            "sample",
	TypeDataEntity:        "data",
	TypeReferenceGenome:   "reference",
	TypeReferenceSequence: "sequence",
}

// NodeTypes lists every supported node type in a stable order.
func NodeTypes() []NodeType {
	return []NodeType{TypeMODO, TypeAssay, TypeSample, TypeDataEntity, TypeReferenceGenome, TypeReferenceSequence}
}

// Valid reports whether t is one of the supported node types.
func (t NodeType) Valid() bool {
	_, ok := groups[t]
	return ok
}

// Group returns the storage group that holds nodes of this type. The root
// MODO has no group and returns the empty string.
func (t NodeType) Group() string {
	return groups[t]
}

// TypeForGroup resolves a storage group name back to its node type.
func TypeForGroup(group string) (NodeType, bool) {
	for t, g := range groups {
		if g != "" && g == group {
			return t, true
		}
	}
	return "", false
}

// ParseNodeType resolves either a class name ("DataEntity") or a group
// name ("data") to a node type.
func ParseNodeType(s string) (NodeType, error) {
	if t := NodeType(s); t.Valid() {
		return t, nil
	}
	if t, ok := TypeForGroup(strings.ToLower(s)); ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown node type %q", s)
}

// Node is the tagged-variant representation of every graph element. Attrs
// holds schema slot values keyed by slot name: strings for scalar slots and
// []string for multivalued slots.
type Node struct {
	ID    string
	Type  NodeType
	Attrs map[string]any
}

// NewNode constructs a node with an initialised attribute map.
func NewNode(t NodeType, id string, attrs map[string]any) Node {
	n := Node{ID: id, Type: t, Attrs: make(map[string]any, len(attrs))}
	for k, v := range attrs {
		n.Attrs[k] = CloneValue(v)
	}
	return n
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	return NewNode(n.Type, n.ID, n.Attrs)
}

// String returns the scalar value of slot or "" when absent or non-scalar.
func (n Node) String(slot string) string {
	s, _ := n.Attrs[slot].(string)
	return s
}

// Refs returns the values of a multivalued slot. A scalar string is promoted
// to a single element slice.
func (n Node) Refs(slot string) []string {
	switch v := n.Attrs[slot].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Name returns the user-facing name or, when unset, the last segment of the id.
func (n Node) Name() string {
	if name := n.String(SlotName); name != "" {
		return name
	}
	if i := strings.LastIndex(n.ID, "/"); i >= 0 {
		return n.ID[i+1:]
	}
	return n.ID
}

// AttrMap renders the node as a flat attribute map including the type
// discriminator and id, as persisted in group attributes.
func (n Node) AttrMap() map[string]any {
	out := make(map[string]any, len(n.Attrs)+2)
	for k, v := range n.Attrs {
		out[k] = CloneValue(v)
	}
	out[TypeKey] = string(n.Type)
	out[SlotID] = n.ID
	return out
}

// NodeFromAttrs rebuilds a node from persisted group attributes. The id
// argument wins over any id stored in attrs.
func NodeFromAttrs(id string, attrs map[string]any) (Node, error) {
	raw, _ := attrs[TypeKey].(string)
	t := NodeType(raw)
	if !t.Valid() {
		return Node{}, fmt.Errorf("node %s: unknown %s %q", id, TypeKey, raw)
	}
	n := Node{ID: id, Type: t, Attrs: make(map[string]any, len(attrs))}
	for k, v := range attrs {
		if k == TypeKey || k == SlotID {
			continue
		}
		n.Attrs[k] = NormalizeValue(v)
	}
	return n, nil
}

// NormalizeValue converts decoded JSON/YAML values into the canonical node
// value shapes. Lists become sorted, duplicate-free []string: multivalued
// slots are ordered sets.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return SortedSet(out)
	case []string:
		return SortedSet(append([]string(nil), t...))
	default:
		return v
	}
}

// SortedSet sorts values in place and drops duplicates.
func SortedSet(values []string) []string {
	sort.Strings(values)
	return slices.Compact(values)
}

// InsertSorted adds v to the sorted set values unless it is present.
func InsertSorted(values []string, v string) []string {
	i, found := slices.BinarySearch(values, v)
	if found {
		return values
	}
	return slices.Insert(values, i, v)
}

// CloneValue deep copies slice values.
func CloneValue(v any) any {
	if s, ok := v.([]string); ok {
		out := make([]string, len(s))
		copy(out, s)
		return out
	}
	return v
}

// SortNodes orders nodes by id.
func SortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
