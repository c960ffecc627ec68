package build

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"modos/internal/core"
	"modos/pkg/domain"
)

// Prompter supplies a value for a required slot the build file left out.
type Prompter interface {
	PromptSlot(ctx context.Context, class, slot string) (string, error)
}

// Options controls Apply.
type Options struct {
	// NoRemove keeps nodes that exist in the container but not in the file.
	NoRemove bool
	// Prompter fills missing required slots. Without one, such elements
	// fail schema validation.
	Prompter Prompter
	// Object options passed to core.Load / core.Create.
	Object []core.Option
}

// Report lists the node ids touched by Apply.
type Report struct {
	Created bool
	Added   []string
	Updated []string
	Removed []string
}

// FromFile parses path and applies it to the container at location.
func FromFile(ctx context.Context, path, location string, opts Options) (*core.Object, Report, error) {
	elems, err := ParseFile(path)
	if err != nil {
		return nil, Report{}, err
	}
	return Apply(ctx, location, elems, opts)
}

// buildOrder places referenced types before the types referring to them.
var buildOrder = map[domain.NodeType]int{
	domain.TypeReferenceSequence: 0,
	domain.TypeReferenceGenome:   1,
	domain.TypeSample:            2,
	domain.TypeDataEntity:        3,
	domain.TypeAssay:             4,
}

type pending struct {
	elem  Element
	typ   domain.NodeType
	id    string
	attrs map[string]any
}

// Apply creates the container when missing, then adds or updates every
// element. Unless NoRemove is set, nodes absent from elems are removed.
func Apply(ctx context.Context, location string, elems []Element, opts Options) (*core.Object, Report, error) {
	if err := Validate(elems); err != nil {
		return nil, Report{}, err
	}
	var report Report
	var rootAttrs map[string]any
	var work []pending
	for _, e := range elems {
		t, _ := e.Type()
		attrs := cleanAttrs(e.Attrs)
		if t == domain.TypeMODO {
			rootAttrs = attrs
			continue
		}
		work = append(work, pending{elem: e, typ: t, id: qualify(t, e.ID()), attrs: attrs})
	}
	sort.SliceStable(work, func(i, j int) bool { return buildOrder[work[i].typ] < buildOrder[work[j].typ] })

	o, err := core.Load(ctx, location, opts.Object...)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		o, err = core.Create(ctx, location, rootAttrs, opts.Object...)
		if err != nil {
			return nil, report, err
		}
		report.Created = true
	case err != nil:
		return nil, report, err
	case len(rootAttrs) > 0:
		if _, err := o.Update(ctx, o.ID(), rootAttrs, core.UpdateOptions{}); err != nil {
			return o, report, err
		}
	}

	existing := map[string]domain.Node{}
	for _, n := range o.Nodes() {
		if n.Type != domain.TypeMODO {
			existing[n.ID] = n
		}
	}
	kept := map[string]bool{}
	type link struct{ parent, child string }
	var links []link
	for _, p := range work {
		qualifyRefs(o, p.typ, p.attrs)
		prior, exists := existing[p.id]
		if err := fillRequired(ctx, o, opts.Prompter, p, prior); err != nil {
			return o, report, err
		}
		wrapMultivalued(o, p.attrs)
		var n domain.Node
		if exists {
			n, err = o.Update(ctx, p.id, p.attrs, core.UpdateOptions{SourceFile: p.elem.Args.SourceFile})
			report.Updated = append(report.Updated, p.id)
		} else {
			n, err = o.Add(ctx, domain.NewNode(p.typ, p.id, p.attrs), core.AddOptions{SourceFile: p.elem.Args.SourceFile})
			if err == nil {
				report.Added = append(report.Added, n.ID)
			}
		}
		if err != nil {
			return o, report, err
		}
		kept[n.ID] = true
		if parent := p.elem.Args.PartOf; parent != "" {
			links = append(links, link{parent, n.ID})
		}
	}
	for _, l := range links {
		parent, err := resolveParent(o, l.parent)
		if err != nil {
			return o, report, err
		}
		if err := o.Link(ctx, parent, l.child); err != nil {
			return o, report, err
		}
	}
	if opts.NoRemove {
		return o, report, nil
	}
	stale := make([]string, 0, len(existing))
	for id := range existing {
		if !kept[id] {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		if err := o.Remove(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return o, report, err
		}
		report.Removed = append(report.Removed, id)
	}
	return o, report, nil
}

// Normalize prepares free-form attributes (decoded YAML or JSON) for a node
// of type t in o: scalars become strings, bare references are qualified and
// scalars given for multivalued slots become lists.
func Normalize(o *core.Object, t domain.NodeType, raw map[string]any) map[string]any {
	attrs := cleanAttrs(raw)
	qualifyRefs(o, t, attrs)
	wrapMultivalued(o, attrs)
	return attrs
}

// cleanAttrs drops the discriminator, id and null values and turns YAML
// scalars into the string forms the schema validates.
func cleanAttrs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if k == domain.TypeKey || k == domain.SlotID || v == nil {
			continue
		}
		out[k] = scalar(v)
	}
	return out
}

func scalar(v any) any {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		if t.Equal(t.Truncate(24 * time.Hour)) {
			return t.Format(time.DateOnly)
		}
		return t.Format(time.RFC3339)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = scalar(item)
		}
		return out
	case map[string]any:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// qualifyRefs rewrites bare ids in relationship slots ("s1") into node ids
// ("sample/s1") using the slot's range class.
func qualifyRefs(o *core.Object, t domain.NodeType, attrs map[string]any) {
	sch := o.Schema()
	for _, slot := range sch.RelationshipSlots(string(t)) {
		v, ok := attrs[slot]
		if !ok {
			continue
		}
		rng, _, err := sch.SlotRange(slot)
		if err != nil {
			continue
		}
		target := domain.NodeType(rng)
		if !target.Valid() {
			continue
		}
		fix := func(ref string) string {
			ref = strings.Trim(ref, "/")
			if strings.Contains(ref, "/") {
				return ref
			}
			return qualify(target, ref)
		}
		switch val := v.(type) {
		case string:
			attrs[slot] = fix(val)
		case []any:
			out := make([]any, len(val))
			for i, item := range val {
				if s, ok := item.(string); ok {
					out[i] = fix(s)
				} else {
					out[i] = item
				}
			}
			attrs[slot] = out
		}
	}
}

// wrapMultivalued turns a scalar written for a multivalued slot into a
// one-item list.
func wrapMultivalued(o *core.Object, attrs map[string]any) {
	sch := o.Schema()
	for k, v := range attrs {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if slot, ok := sch.Slot(k); ok && slot.Multivalued {
			attrs[k] = []string{s}
		}
	}
}

func fillRequired(ctx context.Context, o *core.Object, p Prompter, w pending, prior domain.Node) error {
	if p == nil {
		return nil
	}
	for _, slot := range o.Schema().RequiredSlots(string(w.typ)) {
		switch slot {
		case domain.SlotID, domain.SlotDataChecksum:
			continue
		case domain.SlotDataPath:
			if w.elem.Args.SourceFile != "" {
				continue
			}
		}
		if _, ok := w.attrs[slot]; ok {
			continue
		}
		if _, ok := prior.Attrs[slot]; ok {
			continue
		}
		v, err := p.PromptSlot(ctx, string(w.typ), slot)
		if err != nil {
			return err
		}
		if strings.TrimSpace(v) == "" {
			return &domain.SchemaViolationError{Class: string(w.typ), Slot: slot, Rule: "required"}
		}
		w.attrs[slot] = v
	}
	return nil
}

// resolveParent finds the node a part_of argument names: a node id, or a
// bare id unique across groups.
func resolveParent(o *core.Object, ref string) (string, error) {
	ref = strings.Trim(ref, "/")
	if _, err := o.Get(ref); err == nil {
		return ref, nil
	}
	var hits []string
	for _, n := range o.Nodes() {
		if n.Type == domain.TypeMODO {
			continue
		}
		if n.ID[strings.LastIndex(n.ID, "/")+1:] == ref {
			hits = append(hits, n.ID)
		}
	}
	switch len(hits) {
	case 0:
		return "", domain.NotFoundError{Entity: "parent", ID: ref}
	case 1:
		return hits[0], nil
	default:
		return "", &domain.SchemaViolationError{Class: "build file", Slot: "part_of", Rule: "ambiguous parent; use a qualified id", Value: strings.Join(hits, ", ")}
	}
}
