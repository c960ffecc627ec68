package core

import (
	"context"
	"encoding/hex"
	"errors"
	"io/fs"
	"slices"
	"sort"

	"modos/internal/storage"
	"modos/pkg/domain"
)

// AddOptions controls where a node is attached and which payload it carries.
type AddOptions struct {
	// PartOf is the parent id. Empty attaches assays to the root and leaves
	// other nodes unowned.
	PartOf string
	// SourceFile is a local payload copied into the container.
	SourceFile string
}

// UpdateOptions controls payload handling on update.
type UpdateOptions struct {
	// SourceFile replaces the payload contents.
	SourceFile string
}

// Add validates n, assigns its identifier, links it under its parent and
// stores its payload. The returned node carries the final id and attributes.
func (o *Object) Add(ctx context.Context, n Node, opts AddOptions) (Node, error) {
	var added Node
	err := o.run(ctx, "add", n.ID, func(ctx context.Context) error {
		if !n.Type.Valid() {
			return &domain.SchemaViolationError{Class: string(n.Type), Rule: "unknown node type"}
		}
		if n.Type == TypeMODO {
			return &domain.SchemaViolationError{Class: string(n.Type), Rule: "a container holds exactly one MODO"}
		}
		node := domain.NewNode(n.Type, n.ID, nil)
		for k, v := range n.Attrs {
			if k == domain.TypeKey || k == domain.SlotID {
				continue
			}
			node.Attrs[k] = domain.NormalizeValue(v)
		}

		var digest []byte
		if opts.SourceFile != "" {
			d, err := digestFile(opts.SourceFile)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return domain.NotFoundError{Entity: "source file", ID: opts.SourceFile}
				}
				return err
			}
			digest = d
		}
		id, err := assignID(node, digest)
		if err != nil {
			return err
		}
		node.ID = id

		_, err = o.runInTransaction(ctx, func(tx *Transaction) error {
			if _, exists := tx.state.nodes[id]; exists {
				return domain.DuplicateIdentifierError{ID: id}
			}
			if digest != nil {
				dataPath := id + payloadExt(opts.SourceFile)
				node.Attrs[domain.SlotDataPath] = dataPath
				node.Attrs[domain.SlotDataChecksum] = hex.EncodeToString(digest)
				tx.stageCopy(opts.SourceFile, dataPath)
			}
			if err := tx.create(node); err != nil {
				return err
			}
			return o.attach(tx, node, opts.PartOf)
		})
		if err != nil {
			return err
		}
		added = node.Clone()
		return nil
	})
	return added, err
}

func (o *Object) attach(tx *Transaction, child Node, partOf string) error {
	parentID := o.resolveID(partOf)
	if partOf == "" && child.Type != TypeAssay {
		return nil
	}
	parent, ok := tx.Node(parentID)
	if !ok {
		return domain.NotFoundError{Entity: "parent", ID: partOf}
	}
	slot, ok := o.schema.HasPartSlot(string(parent.Type), string(child.Type))
	if !ok {
		return domain.InvalidRelationshipError{Parent: parent.ID, ParentType: parent.Type, Child: child.ID, ChildType: child.Type}
	}
	refs := parent.Refs(slot)
	if slices.Contains(refs, child.ID) {
		return nil
	}
	parent.Attrs[slot] = domain.InsertSorted(domain.SortedSet(refs), child.ID)
	return tx.put(parent)
}

// Link adds child to the has_part slot of parent. Linking twice is a no-op.
func (o *Object) Link(ctx context.Context, parentID, childID string) error {
	return o.run(ctx, "update", parentID, func(ctx context.Context) error {
		_, err := o.runInTransaction(ctx, func(tx *Transaction) error {
			child, ok := tx.Node(o.resolveID(childID))
			if !ok {
				return domain.NotFoundError{Entity: "node", ID: childID}
			}
			return o.attach(tx, child, parentID)
		})
		return err
	})
}

// Update merges changes into node id and re-validates it. A nil value
// removes the slot. Changing the id or type is rejected.
//
// Payload handling depends on whether data_path changes and whether a
// source file is given:
//   - neither: metadata only
//   - source only: contents replaced in place; nodes sharing the file get
//     the new checksum
//   - data_path only: the file is moved, copied when another node still
//     references it, or relinked when the new path already exists in the
//     container
//   - both: the new contents are stored at the new path and the old file
//     released
func (o *Object) Update(ctx context.Context, id string, changes map[string]any, opts UpdateOptions) (Node, error) {
	var updated Node
	err := o.run(ctx, "update", id, func(ctx context.Context) error {
		nodeID := o.resolveID(id)
		current, ok := o.state.nodes[nodeID]
		if !ok {
			return domain.NotFoundError{Entity: "node", ID: id}
		}
		node := current.Clone()
		for k, v := range changes {
			switch k {
			case domain.SlotID:
				if s, _ := v.(string); o.resolveID(s) != nodeID {
					return &domain.SchemaViolationError{Class: string(node.Type), Slot: k, Rule: "identifier is immutable", Value: v}
				}
				continue
			case domain.TypeKey:
				if s, _ := v.(string); s != string(node.Type) {
					return &domain.SchemaViolationError{Class: string(node.Type), Slot: k, Rule: "node type is immutable", Value: v}
				}
				continue
			}
			if v == nil {
				delete(node.Attrs, k)
				continue
			}
			node.Attrs[k] = domain.NormalizeValue(v)
		}

		var digest []byte
		if opts.SourceFile != "" {
			d, err := digestFile(opts.SourceFile)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return domain.NotFoundError{Entity: "source file", ID: opts.SourceFile}
				}
				return err
			}
			digest = d
		}
		oldPath := current.String(domain.SlotDataPath)
		newPath := node.String(domain.SlotDataPath)
		if digest != nil && newPath == "" {
			newPath = nodeID + payloadExt(opts.SourceFile)
			node.Attrs[domain.SlotDataPath] = newPath
		}

		_, err := o.runInTransaction(ctx, func(tx *Transaction) error {
			switch {
			case digest == nil && newPath == oldPath:
			case digest != nil && newPath == oldPath:
				sum := hex.EncodeToString(digest)
				if sum != current.String(domain.SlotDataChecksum) {
					tx.stageCopy(opts.SourceFile, newPath)
					for _, other := range tx.sharers(newPath, nodeID) {
						other.Attrs[domain.SlotDataChecksum] = sum
						if err := tx.put(other); err != nil {
							return err
						}
					}
				}
				node.Attrs[domain.SlotDataChecksum] = sum
			case digest == nil:
				if newPath == "" {
					delete(node.Attrs, domain.SlotDataChecksum)
					tx.release(oldPath)
					break
				}
				if _, exists := tx.files[newPath]; exists {
					if _, given := changes[domain.SlotDataChecksum]; !given {
						sum, err := o.Checksum(ctx, newPath)
						if err != nil {
							return err
						}
						node.Attrs[domain.SlotDataChecksum] = sum
					}
					tx.release(oldPath)
				} else if len(tx.sharers(oldPath, nodeID)) > 0 {
					tx.stageDuplicate(oldPath, newPath)
				} else {
					tx.stageMove(oldPath, newPath)
				}
			default:
				tx.stageCopy(opts.SourceFile, newPath)
				node.Attrs[domain.SlotDataChecksum] = hex.EncodeToString(digest)
				tx.release(oldPath)
			}
			return tx.put(node)
		})
		if err != nil {
			return err
		}
		updated = o.state.nodes[nodeID].Clone()
		return nil
	})
	return updated, err
}

// Remove deletes node id, its exclusively owned payload, and every
// reference to it. Surviving nodes are pruned in lexical id order.
func (o *Object) Remove(ctx context.Context, id string) error {
	return o.run(ctx, "remove", id, func(ctx context.Context) error {
		nodeID := o.resolveID(id)
		if nodeID == o.id {
			return &domain.SchemaViolationError{Class: string(TypeMODO), Rule: "the root node is removed with RemoveObject"}
		}
		_, err := o.runInTransaction(ctx, func(tx *Transaction) error {
			n, ok := tx.Node(nodeID)
			if !ok {
				return domain.NotFoundError{Entity: "node", ID: id}
			}
			if err := tx.delete(nodeID); err != nil {
				return err
			}
			tx.release(n.String(domain.SlotDataPath))
			return pruneReferences(tx, o, nodeID)
		})
		return err
	})
}

func pruneReferences(tx *Transaction, o *Object, removed string) error {
	ids := make([]string, 0, len(tx.state.nodes))
	for id := range tx.state.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := tx.state.nodes[id].Clone()
		changed := false
		for _, slot := range o.schema.RelationshipSlots(string(n.Type)) {
			refs := n.Refs(slot)
			kept := refs[:0]
			for _, r := range refs {
				if r != removed {
					kept = append(kept, r)
				}
			}
			if len(kept) == len(refs) {
				continue
			}
			changed = true
			if len(kept) == 0 {
				delete(n.Attrs, slot)
			} else {
				n.Attrs[slot] = kept
			}
		}
		if changed {
			if err := tx.put(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveObject deletes the whole container. The handle is empty afterwards.
func (o *Object) RemoveObject(ctx context.Context) error {
	return o.run(ctx, "remove_object", o.id, func(ctx context.Context) error {
		if err := o.container.Destroy(ctx); err != nil {
			return err
		}
		o.state = newGraph(o.id)
		o.files = map[string]struct{}{}
		return nil
	})
}

// Transfer copies the container, metadata and payloads, to dst.
func (o *Object) Transfer(ctx context.Context, dst string, opts ...storage.Option) error {
	return o.run(ctx, "transfer", o.id, func(ctx context.Context) error {
		target, err := storage.Open(ctx, dst, opts...)
		if err != nil {
			return err
		}
		if ok, err := target.Exists(ctx); err != nil {
			return err
		} else if ok {
			return domain.DuplicateIdentifierError{ID: target.Location().String()}
		}
		return o.container.Transfer(ctx, target)
	})
}
