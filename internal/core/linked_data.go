package core

import (
	"context"
	"io"

	"modos/internal/rdf"
)

// DefaultIRIPrefix is used for node IRIs when the caller supplies none.
const DefaultIRIPrefix = "file://"

// Graph returns the node set in exchange form.
func (o *Object) Graph() rdf.Graph {
	return rdf.Graph{RootID: o.id, Nodes: o.Nodes()}
}

// ToGraph renders the object as sorted RDF triples.
func (o *Object) ToGraph(prefix string) ([]rdf.Triple, error) {
	if prefix == "" {
		prefix = DefaultIRIPrefix
	}
	return rdf.ToGraph(o.schema, o.Graph(), prefix)
}

// WriteGraph serializes the object to w.
func (o *Object) WriteGraph(w io.Writer, prefix string, f rdf.Format) error {
	triples, err := o.ToGraph(prefix)
	if err != nil {
		return err
	}
	return rdf.Encode(w, triples, f)
}

// ImportGraph merges the nodes described by triples into the object in one
// transaction. The graph's MODO node is mapped onto this object's root;
// payload files referenced by data_path must already be in the container.
func (o *Object) ImportGraph(ctx context.Context, triples []rdf.Triple, prefix string) error {
	if prefix == "" {
		prefix = DefaultIRIPrefix
	}
	return o.run(ctx, "update", o.id, func(ctx context.Context) error {
		g, err := rdf.FromGraph(o.schema, triples, prefix)
		if err != nil {
			return err
		}
		_, err = o.runInTransaction(ctx, func(tx *Transaction) error {
			for _, n := range g.Nodes {
				if n.ID == g.RootID {
					n.ID = o.id
				}
				if _, exists := tx.state.nodes[n.ID]; exists {
					if err := tx.put(n); err != nil {
						return err
					}
					continue
				}
				if err := tx.create(n); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	})
}
