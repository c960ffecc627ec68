// Package schema resolves the MODO class hierarchy, slot ranges and
// enumerations from the embedded schema document. A loaded Schema is
// immutable and cached per version, so it can be shared across goroutines.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	docs "modos/docs/schema"
)

// RangeKind classifies the permissible values of a slot.
type RangeKind int

const (
	// KindString accepts free text.
	KindString RangeKind = iota
	// KindDatetime accepts RFC3339 timestamps or ISO dates.
	KindDatetime
	// KindURI accepts absolute URIs or CURIEs.
	KindURI
	// KindEnum accepts members of a named enumeration.
	KindEnum
	// KindClass accepts identifiers of nodes of a class (or subclass).
	KindClass
)

func (k RangeKind) String() string {
	switch k {
	case KindDatetime:
		return "datetime"
	case KindURI:
		return "uri"
	case KindEnum:
		return "enum"
	case KindClass:
		return "class"
	default:
		return "string"
	}
}

// Slot describes one schema slot after resolution.
type Slot struct {
	Name        string
	Range       string
	Kind        RangeKind
	Multivalued bool
	Identifier  bool
	IsA         string
	URI         string
}

// Class describes one schema class after inheritance is resolved.
type Class struct {
	Name     string
	Parent   string
	Abstract bool
	URI      string
	Slots    []string
	Required []string
}

type slotDoc struct {
	Range       string `json:"range"`
	Multivalued bool   `json:"multivalued"`
	Identifier  bool   `json:"identifier"`
	SlotURI     string `json:"slot_uri"`
	IsA         string `json:"is_a"`
}

type classDoc struct {
	IsA      string   `json:"is_a"`
	Abstract bool     `json:"abstract"`
	ClassURI string   `json:"class_uri"`
	Slots    []string `json:"slots"`
	Required []string `json:"required"`
}

type document struct {
	Version       string              `json:"version"`
	ID            string              `json:"id"`
	DefaultPrefix string              `json:"default_prefix"`
	Prefixes      map[string]string   `json:"prefixes"`
	Enums         map[string][]string `json:"enums"`
	Slots         map[string]slotDoc  `json:"slots"`
	Classes       map[string]classDoc `json:"classes"`
}

// Schema is the resolved, read-only schema descriptor.
type Schema struct {
	version  string
	prefixes map[string]string
	base     string
	enums    map[string]map[string]struct{}
	enumList map[string][]string
	slots    map[string]Slot
	classes  map[string]Class
	uriClass map[string]string
	uriSlot  map[string]string
}

var cache = struct {
	sync.Mutex
	m map[string]*Schema
}{m: make(map[string]*Schema)}

// Load returns the schema for version, parsing the embedded document on
// first use. An empty version selects the embedded default.
func Load(version string) (*Schema, error) {
	cache.Lock()
	defer cache.Unlock()
	if s, ok := cache.m[version]; ok {
		return s, nil
	}
	raw, err := docs.Document(version)
	if err != nil {
		return nil, err
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	cache.m[version] = s
	if version == "" {
		cache.m[s.version] = s
	}
	return s, nil
}

// MustLoad is Load for package initialisation paths and tests.
func MustLoad(version string) *Schema {
	s, err := Load(version)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse builds a Schema from a JSON schema document.
func Parse(raw []byte) (*Schema, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	s := &Schema{
		version:  doc.Version,
		prefixes: doc.Prefixes,
		enums:    make(map[string]map[string]struct{}, len(doc.Enums)),
		enumList: make(map[string][]string, len(doc.Enums)),
		slots:    make(map[string]Slot, len(doc.Slots)),
		classes:  make(map[string]Class, len(doc.Classes)),
		uriClass: make(map[string]string),
		uriSlot:  make(map[string]string),
	}
	s.base = doc.Prefixes[doc.DefaultPrefix]
	for name, values := range doc.Enums {
		members := make(map[string]struct{}, len(values))
		for _, v := range values {
			members[v] = struct{}{}
		}
		s.enums[name] = members
		s.enumList[name] = append([]string(nil), values...)
	}
	for name, sd := range doc.Slots {
		slot := Slot{
			Name:        name,
			Range:       sd.Range,
			Multivalued: sd.Multivalued,
			Identifier:  sd.Identifier,
			IsA:         sd.IsA,
			URI:         s.expand(sd.SlotURI, name),
		}
		switch {
		case sd.Range == "datetime" || sd.Range == "date":
			slot.Kind = KindDatetime
		case sd.Range == "uri" || sd.Range == "uriorcurie":
			slot.Kind = KindURI
		case s.enums[sd.Range] != nil:
			slot.Kind = KindEnum
		case isClass(doc, sd.Range):
			slot.Kind = KindClass
		case sd.Range == "string" || sd.Range == "":
			slot.Kind = KindString
		default:
			return nil, fmt.Errorf("slot %s: unknown range %q", name, sd.Range)
		}
		s.slots[name] = slot
		s.uriSlot[slot.URI] = name
	}
	for name := range doc.Classes {
		cls, err := resolveClass(doc, name, 0)
		if err != nil {
			return nil, err
		}
		for _, slot := range cls.Slots {
			if _, ok := s.slots[slot]; !ok {
				return nil, fmt.Errorf("class %s: undeclared slot %s", name, slot)
			}
		}
		cls.URI = s.expand(doc.Classes[name].ClassURI, name)
		s.classes[name] = cls
		s.uriClass[cls.URI] = name
	}
	return s, nil
}

func isClass(doc document, name string) bool {
	_, ok := doc.Classes[name]
	return ok
}

func resolveClass(doc document, name string, depth int) (Class, error) {
	if depth > len(doc.Classes) {
		return Class{}, fmt.Errorf("class %s: inheritance cycle", name)
	}
	cd, ok := doc.Classes[name]
	if !ok {
		return Class{}, fmt.Errorf("unknown class %s", name)
	}
	cls := Class{Name: name, Parent: cd.IsA, Abstract: cd.Abstract}
	if cd.IsA != "" {
		parent, err := resolveClass(doc, cd.IsA, depth+1)
		if err != nil {
			return Class{}, err
		}
		cls.Slots = append(cls.Slots, parent.Slots...)
		cls.Required = append(cls.Required, parent.Required...)
	}
	cls.Slots = appendUnique(cls.Slots, cd.Slots...)
	cls.Required = appendUnique(cls.Required, cd.Required...)
	return cls, nil
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, d := range dst {
			if d == it {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, it)
		}
	}
	return dst
}

func (s *Schema) expand(curie, fallback string) string {
	if curie == "" {
		return s.base + fallback
	}
	return s.ExpandCURIE(curie)
}

// ExpandCURIE expands a prefix:local CURIE using the schema prefixes. Values
// that are already absolute or use an unknown prefix are returned unchanged.
func (s *Schema) ExpandCURIE(curie string) string {
	prefix, local, ok := strings.Cut(curie, ":")
	if !ok || strings.HasPrefix(local, "//") {
		return curie
	}
	if ns, ok := s.prefixes[prefix]; ok {
		return ns + local
	}
	return curie
}

// Version returns the schema version string.
func (s *Schema) Version() string { return s.version }

// Base returns the default vocabulary namespace.
func (s *Schema) Base() string { return s.base }

// Classes lists every class name in lexical order.
func (s *Schema) Classes() []string {
	out := make([]string, 0, len(s.classes))
	for name := range s.classes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Class returns a resolved class.
func (s *Schema) Class(name string) (Class, bool) {
	c, ok := s.classes[name]
	if !ok {
		return Class{}, false
	}
	c.Slots = append([]string(nil), c.Slots...)
	c.Required = append([]string(nil), c.Required...)
	return c, true
}

// ClassForURI maps a class IRI back to its class name.
func (s *Schema) ClassForURI(uri string) (string, bool) {
	name, ok := s.uriClass[uri]
	return name, ok
}

// SlotForURI maps a slot IRI back to its slot name.
func (s *Schema) SlotForURI(uri string) (string, bool) {
	name, ok := s.uriSlot[uri]
	return name, ok
}

// Slot returns a slot descriptor.
func (s *Schema) Slot(name string) (Slot, bool) {
	sl, ok := s.slots[name]
	return sl, ok
}

// Slots returns the inherited and local slots of class, parents first.
func (s *Schema) Slots(class string) ([]string, error) {
	c, ok := s.classes[class]
	if !ok {
		return nil, &unknownClassError{class}
	}
	return append([]string(nil), c.Slots...), nil
}

// SlotRange returns the declared range of a slot and its kind.
func (s *Schema) SlotRange(slot string) (string, RangeKind, error) {
	sl, ok := s.slots[slot]
	if !ok {
		return "", 0, fmt.Errorf("unknown slot %s", slot)
	}
	return sl.Range, sl.Kind, nil
}

// RequiredSlots returns the slots class must carry.
func (s *Schema) RequiredSlots(class string) []string {
	return append([]string(nil), s.classes[class].Required...)
}

// EnumValues lists the permissible values of an enumeration.
func (s *Schema) EnumValues(enum string) []string {
	return append([]string(nil), s.enumList[enum]...)
}

// IsEnumMember tests enumeration membership.
func (s *Schema) IsEnumMember(enum, value string) bool {
	_, ok := s.enums[enum][value]
	return ok
}

// IsSubclass reports whether child equals parent or inherits from it.
func (s *Schema) IsSubclass(child, parent string) bool {
	for cur := child; cur != ""; cur = s.classes[cur].Parent {
		if cur == parent {
			return true
		}
	}
	return false
}

// HasSlot reports whether class declares or inherits slot.
func (s *Schema) HasSlot(class, slot string) bool {
	for _, sl := range s.classes[class].Slots {
		if sl == slot {
			return true
		}
	}
	return false
}

// IsPartSlot reports whether slot is has_part or one of its sub-properties.
func (s *Schema) IsPartSlot(slot string) bool {
	for cur := slot; cur != ""; cur = s.slots[cur].IsA {
		if cur == "has_part" {
			return true
		}
	}
	return false
}

// HasPartSlot returns the has_part sub-property of parent whose range
// admits child.
func (s *Schema) HasPartSlot(parent, child string) (string, bool) {
	for _, slot := range s.classes[parent].Slots {
		sl := s.slots[slot]
		if sl.Kind != KindClass || !s.IsPartSlot(slot) {
			continue
		}
		if s.IsSubclass(child, sl.Range) {
			return slot, true
		}
	}
	return "", false
}

// RelationshipSlots lists the class-ranged slots of class.
func (s *Schema) RelationshipSlots(class string) []string {
	var out []string
	for _, slot := range s.classes[class].Slots {
		if s.slots[slot].Kind == KindClass {
			out = append(out, slot)
		}
	}
	return out
}

type unknownClassError struct{ name string }

func (e *unknownClassError) Error() string { return "unknown class " + e.name }
