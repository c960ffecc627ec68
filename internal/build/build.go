// Package build constructs or reconciles a MODO from a declarative build
// file: a YAML or JSON list of elements, each an attribute map with a @type
// plus optional arguments naming a payload file and a parent.
//
//	# build.yaml
//	- element: {"@type": MODO, id: ex, description: demo}
//	- element: {"@type": Sample, id: s1, name: patient 1}
//	  args: {part_of: assay1}
//	- element: {"@type": DataEntity, id: reads, name: reads, data_format: CRAM}
//	  args: {source_file: reads.cram, part_of: assay1}
package build

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"modos/pkg/domain"
)

// Args are the element arguments that are not node attributes.
type Args struct {
	SourceFile string `yaml:"source_file,omitempty" json:"source_file,omitempty"`
	PartOf     string `yaml:"part_of,omitempty" json:"part_of,omitempty"`
}

// Element is one entry of a build file.
type Element struct {
	Attrs map[string]any `yaml:"element" json:"element"`
	Args  Args           `yaml:"args,omitempty" json:"args,omitempty"`
}

// Type returns the node type named by @type.
func (e Element) Type() (domain.NodeType, error) {
	raw, _ := e.Attrs[domain.TypeKey].(string)
	if raw == "" {
		return "", &domain.SchemaViolationError{Class: "element", Slot: domain.TypeKey, Rule: "required"}
	}
	t, err := domain.ParseNodeType(raw)
	if err != nil {
		return "", &domain.SchemaViolationError{Class: raw, Slot: domain.TypeKey, Rule: err.Error()}
	}
	return t, nil
}

// ID returns the element id as written in the file.
func (e Element) ID() string {
	s, _ := e.Attrs[domain.SlotID].(string)
	return strings.Trim(s, "/")
}

// ParseFile reads a build file. Relative source_file paths are resolved
// against the file's directory.
func ParseFile(path string) ([]Element, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	elems, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range elems {
		if src := elems[i].Args.SourceFile; src != "" && !filepath.IsAbs(src) {
			elems[i].Args.SourceFile = filepath.Join(base, src)
		}
	}
	return elems, nil
}

// Parse decodes a build document. A single element is accepted in place of
// a list. Keys other than element and args are rejected.
func Parse(r io.Reader) ([]Element, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var elems []Element
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&elems); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		var one Element
		single := yaml.NewDecoder(bytes.NewReader(raw))
		single.KnownFields(true)
		if err2 := single.Decode(&one); err2 != nil {
			return nil, &domain.SchemaViolationError{Class: "build file", Rule: err.Error()}
		}
		elems = []Element{one}
	}
	for i := range elems {
		if elems[i].Attrs == nil {
			return nil, &domain.SchemaViolationError{Class: "build file", Rule: fmt.Sprintf("entry %d has no element", i)}
		}
	}
	return elems, Validate(elems)
}

// Validate enforces the file-level rules: known types, at most one MODO and
// an id on every other element, unique per group.
func Validate(elems []Element) error {
	modos := 0
	seen := make(map[string]bool, len(elems))
	for _, e := range elems {
		t, err := e.Type()
		if err != nil {
			return err
		}
		if t == domain.TypeMODO {
			modos++
			if modos > 1 {
				return &domain.SchemaViolationError{Class: string(t), Rule: "a build file holds at most one MODO"}
			}
			continue
		}
		id := e.ID()
		if id == "" {
			return &domain.SchemaViolationError{Class: string(t), Slot: domain.SlotID, Rule: "required"}
		}
		key := qualify(t, id)
		if seen[key] {
			return domain.DuplicateIdentifierError{ID: key}
		}
		seen[key] = true
	}
	return nil
}

// qualify turns a bare file id into a group-relative node id.
func qualify(t domain.NodeType, id string) string {
	if strings.Contains(id, "/") {
		return id
	}
	return t.Group() + "/" + id
}
