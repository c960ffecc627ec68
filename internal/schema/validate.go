package schema

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"modos/pkg/domain"
)

// View is the capability surface the rest of modos depends on. *Schema
// satisfies it; tests may substitute narrower fakes.
type View interface {
	Version() string
	Base() string
	Classes() []string
	Class(name string) (Class, bool)
	Slot(name string) (Slot, bool)
	Slots(class string) ([]string, error)
	SlotRange(slot string) (string, RangeKind, error)
	RequiredSlots(class string) []string
	EnumValues(enum string) []string
	IsEnumMember(enum, value string) bool
	IsSubclass(child, parent string) bool
	HasSlot(class, slot string) bool
	IsPartSlot(slot string) bool
	HasPartSlot(parent, child string) (string, bool)
	RelationshipSlots(class string) []string
	ClassForURI(uri string) (string, bool)
	SlotForURI(uri string) (string, bool)
	ExpandCURIE(curie string) string
	ValidateAttrs(class string, attrs map[string]any, lookup TypeLookup) error
}

var _ View = (*Schema)(nil)

// TypeLookup resolves a referenced node id to its type. ok is false when the
// id is not part of the graph; dangling references are left to the
// integrity rules.
type TypeLookup func(id string) (t domain.NodeType, ok bool)

// ValidateAttrs checks attrs against class and returns the first violation
// as a *domain.SchemaViolationError.
func (s *Schema) ValidateAttrs(class string, attrs map[string]any, lookup TypeLookup) error {
	cls, ok := s.classes[class]
	if !ok {
		return &domain.SchemaViolationError{Class: class, Rule: "unknown class"}
	}
	if cls.Abstract {
		return &domain.SchemaViolationError{Class: class, Rule: "class is abstract"}
	}
	for key, value := range attrs {
		if key == domain.TypeKey || key == domain.SlotID {
			continue
		}
		if !s.HasSlot(class, key) {
			return &domain.SchemaViolationError{Class: class, Slot: key, Rule: "slot not declared for class"}
		}
		if err := s.validateValue(class, s.slots[key], value, lookup); err != nil {
			return err
		}
	}
	for _, req := range cls.Required {
		if req == domain.SlotID {
			continue
		}
		if isEmpty(attrs[req]) {
			return &domain.SchemaViolationError{Class: class, Slot: req, Rule: "required slot missing"}
		}
	}
	return nil
}

func (s *Schema) validateValue(class string, slot Slot, value any, lookup TypeLookup) error {
	if value == nil {
		return nil
	}
	var values []string
	switch v := value.(type) {
	case []string:
		if !slot.Multivalued {
			return &domain.SchemaViolationError{Class: class, Slot: slot.Name, Rule: "slot is single-valued", Value: v}
		}
		values = v
	case string:
		if slot.Multivalued {
			return &domain.SchemaViolationError{Class: class, Slot: slot.Name, Rule: "slot is multivalued", Value: v}
		}
		values = []string{v}
	case bool, int, int64, float64:
		if slot.Multivalued || slot.Kind != KindString {
			return &domain.SchemaViolationError{Class: class, Slot: slot.Name, Rule: "expected " + slot.Kind.String(), Value: v}
		}
		return nil
	default:
		return &domain.SchemaViolationError{Class: class, Slot: slot.Name, Rule: fmt.Sprintf("unsupported value type %T", value), Value: value}
	}
	for _, v := range values {
		switch slot.Kind {
		case KindEnum:
			if !s.IsEnumMember(slot.Range, v) {
				return &domain.SchemaViolationError{Class: class, Slot: slot.Name, Rule: "value outside enum " + slot.Range, Value: v}
			}
		case KindDatetime:
			if !isDatetime(v) {
				return &domain.SchemaViolationError{Class: class, Slot: slot.Name, Rule: "expected datetime", Value: v}
			}
		case KindURI:
			if !isURI(v) {
				return &domain.SchemaViolationError{Class: class, Slot: slot.Name, Rule: "expected uri", Value: v}
			}
		case KindClass:
			if v == "" {
				return &domain.SchemaViolationError{Class: class, Slot: slot.Name, Rule: "empty reference"}
			}
			if lookup == nil {
				continue
			}
			t, ok := lookup(v)
			if ok && !s.IsSubclass(string(t), slot.Range) {
				return &domain.SchemaViolationError{
					Class: class, Slot: slot.Name,
					Rule:  fmt.Sprintf("reference to %s outside range %s", t, slot.Range),
					Value: v,
				}
			}
		}
	}
	return nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	default:
		return false
	}
}

func isDatetime(v string) bool {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

// isURI accepts absolute URIs and prefix:local CURIEs.
func isURI(v string) bool {
	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	if u.Scheme == "" {
		return false
	}
	return !strings.ContainsAny(v, " \t\n")
}
