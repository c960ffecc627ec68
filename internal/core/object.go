// Package core implements the MODO handle: a schema-validated node graph
// persisted in a hierarchical container, mutated through transactions that
// are checked by an integrity rules engine before anything reaches storage.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"modos/internal/blob"
	"modos/internal/schema"
	"modos/internal/storage"
	"modos/pkg/domain"
)

// Object is an open MODO. It is not safe for concurrent mutation; callers
// serialise writes against one container.
type Object struct {
	id        string
	container *storage.Container
	schema    schema.View
	engine    *RulesEngine

	logger  Logger
	clock   Clock
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder

	state graph
	files map[string]struct{}
}

// Option customises an Object.
type Option func(*objectOptions)

type objectOptions struct {
	logger  Logger
	clock   Clock
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder
	schema  schema.View
	engine  *RulesEngine
	storage []storage.Option
}

// WithLogger sets the structured logger.
func WithLogger(l Logger) Option {
	return func(o *objectOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used for creation and update dates.
func WithClock(c Clock) Option {
	return func(o *objectOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMetricsRecorder sets the operation metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *objectOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the span tracer.
func WithTracer(t Tracer) Option {
	return func(o *objectOptions) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithAuditRecorder sets the audit sink for mutating operations.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(o *objectOptions) {
		if a != nil {
			o.audit = a
		}
	}
}

// WithSchema overrides the schema (default: the embedded schema version).
func WithSchema(s schema.View) Option {
	return func(o *objectOptions) { o.schema = s }
}

// WithRulesEngine replaces the default integrity rules.
func WithRulesEngine(e *RulesEngine) Option {
	return func(o *objectOptions) { o.engine = e }
}

// WithBlobStore backs the container with an existing blob store.
func WithBlobStore(s blob.Store) Option {
	return func(o *objectOptions) { o.storage = append(o.storage, storage.WithStore(s)) }
}

// WithS3Config sets endpoint and credentials for s3:// locations.
func WithS3Config(cfg blob.S3Config) Option {
	return func(o *objectOptions) { o.storage = append(o.storage, storage.WithS3Config(cfg)) }
}

func newObject(ctx context.Context, location string, opts []Option) (*Object, error) {
	cfg := objectOptions{
		logger:  noopLogger{},
		clock:   systemClock{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		audit:   noopAudit{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.schema == nil {
		s, err := schema.Load("")
		if err != nil {
			return nil, err
		}
		cfg.schema = s
	}
	if cfg.engine == nil {
		cfg.engine = NewDefaultRulesEngine()
	}
	c, err := storage.Open(ctx, location, cfg.storage...)
	if err != nil {
		return nil, err
	}
	id := c.Location().Name()
	return &Object{
		id:        id,
		container: c,
		schema:    cfg.schema,
		engine:    cfg.engine,
		logger:    cfg.logger,
		clock:     cfg.clock,
		metrics:   cfg.metrics,
		tracer:    cfg.tracer,
		audit:     cfg.audit,
		state:     newGraph(id),
		files:     map[string]struct{}{},
	}, nil
}

// Create initialises a new container at location with root attributes.
func Create(ctx context.Context, location string, attrs map[string]any, opts ...Option) (*Object, error) {
	o, err := newObject(ctx, location, opts)
	if err != nil {
		return nil, err
	}
	err = o.run(ctx, "create", o.id, func(ctx context.Context) error {
		exists, err := o.container.Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return domain.DuplicateIdentifierError{ID: o.container.Location().String()}
		}
		files, err := o.container.ListFiles(ctx, "")
		if err != nil {
			return err
		}
		for _, f := range files {
			o.files[f] = struct{}{}
		}
		_, err = o.runInTransaction(ctx, func(tx *Transaction) error {
			root := domain.NewNode(TypeMODO, o.id, attrs)
			delete(root.Attrs, domain.SlotID)
			delete(root.Attrs, domain.TypeKey)
			for k, v := range root.Attrs {
				root.Attrs[k] = domain.NormalizeValue(v)
			}
			if _, ok := root.Attrs[domain.SlotCreationDate]; !ok {
				root.Attrs[domain.SlotCreationDate] = formatTime(tx.now)
			}
			return tx.create(root)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Load opens an existing container. Node metadata comes from the
// consolidated index when present, otherwise from a walk of the group tree.
func Load(ctx context.Context, location string, opts ...Option) (*Object, error) {
	o, err := newObject(ctx, location, opts)
	if err != nil {
		return nil, err
	}
	err = o.run(ctx, "load", o.id, func(ctx context.Context) error {
		exists, err := o.container.Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return domain.NotFoundError{Entity: "modo", ID: o.container.Location().String()}
		}
		return o.reload(ctx)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Object) reload(ctx context.Context) error {
	groups, err := o.readGroups(ctx)
	if err != nil {
		return err
	}
	state := newGraph(o.id)
	for group, attrs := range groups {
		id := group
		if group == "" {
			id = o.id
		} else {
			t, ok := domain.TypeForGroup(group[:strings.Index(group+"/", "/")])
			if !ok {
				continue
			}
			if raw, _ := attrs[domain.TypeKey].(string); raw != string(t) {
				return fmt.Errorf("group %s: %s %q does not match group type %s", group, domain.TypeKey, raw, t)
			}
		}
		n, err := domain.NodeFromAttrs(id, attrs)
		if err != nil {
			return err
		}
		state.nodes[id] = n
	}
	if _, ok := state.nodes[o.id]; !ok {
		return fmt.Errorf("container %s: %w", o.id, domain.NotFoundError{Entity: "root group", ID: o.id})
	}
	files, err := o.container.ListFiles(ctx, "")
	if err != nil {
		return err
	}
	o.files = make(map[string]struct{}, len(files))
	for _, f := range files {
		o.files[f] = struct{}{}
	}
	o.state = state
	return nil
}

// readGroups returns the attributes of every leaf node group keyed by group
// path ("" for the root).
func (o *Object) readGroups(ctx context.Context) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	idx, err := o.container.Metadata(ctx)
	if err == nil {
		for _, g := range idx.Groups() {
			if attrs, ok := idx.Attrs(g); ok && isNodeGroup(g) {
				out[g] = attrs
			}
		}
		return out, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	o.logger.Warn("consolidated metadata missing, walking groups", "object", o.id)
	root, err := o.container.ReadGroup(ctx, "")
	if err != nil {
		return nil, err
	}
	out[""] = root
	for _, t := range domain.NodeTypes() {
		g := t.Group()
		if g == "" {
			continue
		}
		kids, err := o.container.ListChildren(ctx, g)
		if err != nil {
			return nil, err
		}
		for _, k := range kids {
			attrs, err := o.container.ReadGroup(ctx, g+"/"+k)
			if err != nil {
				return nil, err
			}
			out[g+"/"+k] = attrs
		}
	}
	return out, nil
}

func isNodeGroup(g string) bool {
	return g == "" || strings.Count(g, "/") == 1
}

// ID returns the MODO identifier (the container name).
func (o *Object) ID() string { return o.id }

// Container exposes the storage handle.
func (o *Object) Container() *storage.Container { return o.container }

// Schema returns the schema the object validates against.
func (o *Object) Schema() schema.View { return o.schema }

// IsRemote reports whether the container lives in object storage.
func (o *Object) IsRemote() bool { return o.container.IsRemote() }

// Logger returns the configured logger.
func (o *Object) Logger() Logger { return o.logger }

// resolveID accepts group-relative ids ("sample/s1"), qualified ids
// ("ex/sample/s1") and the root id.
func (o *Object) resolveID(id string) string {
	id = strings.Trim(id, "/")
	if id == "" || id == o.id {
		return o.id
	}
	return strings.TrimPrefix(id, o.id+"/")
}

// QualifiedID renders a node id prefixed with the container id.
func (o *Object) QualifiedID(id string) string {
	id = o.resolveID(id)
	if id == o.id {
		return o.id
	}
	return o.id + "/" + id
}
