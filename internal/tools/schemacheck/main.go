// Program schemacheck lints a MODO schema document before it is embedded.
//
//	go run ./internal/tools/schemacheck [docs/schema/modos-schema.json]
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"modos/internal/schema"
	"modos/pkg/domain"
)

type slotSpec struct {
	Range   string `json:"range"`
	SlotURI string `json:"slot_uri"`
	IsA     string `json:"is_a"`
}

type classSpec struct {
	IsA      string   `json:"is_a"`
	Abstract bool     `json:"abstract"`
	ClassURI string   `json:"class_uri"`
	Slots    []string `json:"slots"`
	Required []string `json:"required"`
}

type schemaDoc struct {
	Version       string               `json:"version"`
	DefaultPrefix string               `json:"default_prefix"`
	Prefixes      map[string]string    `json:"prefixes"`
	Enums         map[string][]string  `json:"enums"`
	Slots         map[string]slotSpec  `json:"slots"`
	Classes       map[string]classSpec `json:"classes"`
}

var (
	exitFn              = os.Exit
	outWriter io.Writer = os.Stdout
	errWriter io.Writer = os.Stderr

	semver     = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	primitives = map[string]bool{"": true, "string": true, "uri": true, "uriorcurie": true, "datetime": true, "date": true}
)

func main() {
	path := "docs/schema/modos-schema.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if err := check(path); err != nil {
		fmt.Fprintf(errWriter, "schema check failed: %v\n", err)
		exitFn(1)
		return
	}
	fmt.Fprintln(outWriter, "schema check: OK")
}

func check(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	var doc schemaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse schema JSON: %w", err)
	}
	problems := lint(doc)
	if len(problems) == 0 {
		// the runtime parser must accept whatever the linter lets through
		if _, err := schema.Parse(raw); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func lint(doc schemaDoc) []string {
	var out []string
	report := func(format string, args ...any) { out = append(out, fmt.Sprintf(format, args...)) }

	if !semver.MatchString(doc.Version) {
		report("version %q is not a semantic version", doc.Version)
	}
	if _, ok := doc.Prefixes[doc.DefaultPrefix]; !ok {
		report("default prefix %q is not declared", doc.DefaultPrefix)
	}
	checkCURIE := func(owner, curie string) {
		if curie == "" {
			report("%s has no URI", owner)
			return
		}
		prefix, _, ok := strings.Cut(curie, ":")
		if !ok || strings.HasPrefix(curie, "http") {
			return
		}
		if _, declared := doc.Prefixes[prefix]; !declared {
			report("%s uses undeclared prefix %q", owner, prefix)
		}
	}

	for name, values := range doc.Enums {
		if len(values) == 0 {
			report("enum %s has no values", name)
		}
		seen := map[string]bool{}
		for _, v := range values {
			if seen[v] {
				report("enum %s repeats %q", name, v)
			}
			seen[v] = true
		}
	}

	for name, s := range doc.Slots {
		checkCURIE("slot "+name, s.SlotURI)
		_, isEnum := doc.Enums[s.Range]
		_, isClass := doc.Classes[s.Range]
		if !primitives[s.Range] && !isEnum && !isClass {
			report("slot %s has unknown range %q", name, s.Range)
		}
		if s.IsA != "" {
			if _, ok := doc.Slots[s.IsA]; !ok {
				report("slot %s specialises unknown slot %s", name, s.IsA)
			}
		}
	}
	if id, ok := doc.Slots[domain.SlotID]; !ok || id.Range != "uri" {
		report("slot %s must exist with range uri", domain.SlotID)
	}

	for name, c := range doc.Classes {
		checkCURIE("class "+name, c.ClassURI)
		if c.IsA != "" {
			if _, ok := doc.Classes[c.IsA]; !ok {
				report("class %s extends unknown class %s", name, c.IsA)
			}
		}
		if !c.Abstract && !domain.NodeType(name).Valid() {
			report("class %s has no node type", name)
		}
		slots := inheritedSlots(doc, name)
		for _, s := range c.Slots {
			if _, ok := doc.Slots[s]; !ok {
				report("class %s uses undeclared slot %s", name, s)
			}
		}
		for _, r := range c.Required {
			if !slots[r] {
				report("class %s requires %s which it does not carry", name, r)
			}
		}
	}
	for _, t := range domain.NodeTypes() {
		if c, ok := doc.Classes[string(t)]; !ok || c.Abstract {
			report("node type %s has no concrete class", t)
		}
	}
	return out
}

// inheritedSlots collects the slots of name and its ancestors, stopping at
// unknown parents and cycles.
func inheritedSlots(doc schemaDoc, name string) map[string]bool {
	out := map[string]bool{}
	visited := map[string]bool{}
	for name != "" && !visited[name] {
		visited[name] = true
		c, ok := doc.Classes[name]
		if !ok {
			break
		}
		for _, s := range c.Slots {
			out[s] = true
		}
		name = c.IsA
	}
	return out
}
