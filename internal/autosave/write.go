package autosave

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

type ownedTarget struct {
	node   *records.Association
	target *records.Record
}

type written struct {
	record *records.Record
	action Action
}

// writer performs the writes of one save call against a transaction handle.
type writer struct {
	engine  *Engine
	tx      records.Store
	saveID  string
	visited map[*records.Record]struct{}
	written []written
}

func newWriter(engine *Engine, tx records.Store, saveID string) *writer {
	return &writer{
		engine:  engine,
		tx:      tx,
		saveID:  saveID,
		visited: make(map[*records.Record]struct{}),
	}
}

// save writes record and cascades to its attached associations: owner-key targets
// first, then the record row, then target-key children and join rows, each group in
// declaration order.
func (w *writer) save(ctx context.Context, record *records.Record) error {
	if _, seen := w.visited[record]; seen {
		return nil
	}
	w.visited[record] = struct{}{}
	if record.IsDestroyed() {
		return nil
	}
	ownerNew := record.IsNew()
	nodes := record.AttachedAssociations()

	var deferred []ownedTarget
	for _, node := range nodes {
		if node.Def().Ownership() != records.OwnerHoldsKey {
			continue
		}
		targets, err := w.saveOwnedTargets(ctx, record, node, ownerNew)
		if err != nil {
			return err
		}
		deferred = append(deferred, targets...)
	}

	if err := w.writeRow(ctx, record); err != nil {
		return err
	}

	for _, doomed := range deferred {
		if err := w.destroy(ctx, doomed.target); err != nil {
			return err
		}
		doomed.node.Remove(doomed.target)
	}

	for _, node := range nodes {
		var err error
		switch node.Def().Ownership() {
		case records.TargetHoldsKey:
			err = w.saveChildren(ctx, record, node, ownerNew)
		case records.JoinTableHoldsKey:
			err = w.saveJoined(ctx, record, node, ownerNew)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// saveOwnedTargets handles a belongs-to node. Targets marked for destruction are
// returned so they are deleted after the owner row no longer refers to them.
func (w *writer) saveOwnedTargets(ctx context.Context, owner *records.Record, node *records.Association, ownerNew bool) ([]ownedTarget, error) {
	def := node.Def()
	var doomed []ownedTarget
	for _, target := range candidates(node, ownerNew) {
		if target.MarkedForDestruction() {
			if key := owner.Value(def.ForeignKey()); !key.IsNull() && key.Int() == target.ID() {
				if err := owner.Set(def.ForeignKey(), nil); err != nil {
					return nil, err
				}
			}
			doomed = append(doomed, ownedTarget{node: node, target: target})
			continue
		}
		if err := w.save(ctx, target); err != nil {
			return nil, err
		}
	}
	if current := node.Reader(); current != nil && !current.IsNew() && !current.MarkedForDestruction() {
		if key := owner.Value(def.ForeignKey()); key.IsNull() || key.Int() != current.ID() {
			if err := owner.Set(def.ForeignKey(), current.ID()); err != nil {
				return nil, err
			}
		}
	}
	return doomed, nil
}

func (w *writer) saveChildren(ctx context.Context, owner *records.Record, node *records.Association, ownerNew bool) error {
	def := node.Def()
	if err := node.ResolveDetached(ctx, w.tx); err != nil {
		return w.storageError("fetch", owner, err)
	}
	for _, previous := range node.Detached() {
		if previous.IsDestroyed() || previous.IsNew() {
			continue
		}
		key := previous.Value(def.ForeignKey())
		if key.IsNull() || key.Int() != owner.ID() {
			continue
		}
		if err := previous.Set(def.ForeignKey(), nil); err != nil {
			return err
		}
		if err := w.writeRow(ctx, previous); err != nil {
			return err
		}
	}
	node.ClearDetached()

	for _, child := range candidates(node, ownerNew) {
		if child.MarkedForDestruction() {
			if err := w.destroy(ctx, child); err != nil {
				return err
			}
			node.Remove(child)
			continue
		}
		key := child.Value(def.ForeignKey())
		if key.IsNull() || key.Int() != owner.ID() {
			if err := child.Set(def.ForeignKey(), owner.ID()); err != nil {
				return err
			}
		}
		if err := w.save(ctx, child); err != nil {
			return err
		}
		node.Index(child)
	}
	return nil
}

// saveJoined writes join-table children, then the join rows linking them. A marked
// child loses its join row; the target row itself is kept.
func (w *writer) saveJoined(ctx context.Context, owner *records.Record, node *records.Association, ownerNew bool) error {
	def := node.Def()
	join := def.JoinTable()
	var link []*records.Record
	for _, child := range candidates(node, ownerNew) {
		if child.MarkedForDestruction() {
			if node.Linked(child) {
				if err := w.tx.Unlink(ctx, join, owner.ID(), child.ID()); err != nil {
					return w.storageError("unlink", child, err)
				}
				w.engine.metrics.observeWrite("unlink")
			}
			node.Remove(child)
			continue
		}
		if err := w.save(ctx, child); err != nil {
			return err
		}
		if !node.Linked(child) {
			link = append(link, child)
		}
	}
	for _, child := range link {
		if err := w.tx.Link(ctx, join, owner.ID(), child.ID()); err != nil {
			return w.storageError("link", child, err)
		}
		w.engine.metrics.observeWrite("link")
		node.Link(child)
	}
	return nil
}

func (w *writer) writeRow(ctx context.Context, record *records.Record) error {
	table := records.TableOf(record.Schema())
	if record.IsNew() {
		row, err := record.InsertRow()
		if err != nil {
			return w.storageError("insert", record, err)
		}
		id, err := w.tx.Insert(ctx, table, row)
		if err != nil {
			return w.storageError("insert", record, err)
		}
		record.MarkInserted(id)
		w.engine.metrics.observeWrite("insert")
		w.written = append(w.written, written{record: record, action: ActionCreated})
		return nil
	}
	if !record.Changed() {
		w.written = append(w.written, written{record: record, action: ActionUpdated})
		return nil
	}
	row, err := record.UpdateRow()
	if err != nil {
		return w.storageError("update", record, err)
	}
	if err := w.tx.Update(ctx, table, record.ID(), row); err != nil {
		return w.storageError("update", record, err)
	}
	w.engine.metrics.observeWrite("update")
	w.written = append(w.written, written{record: record, action: ActionUpdated})
	return nil
}

// destroy deletes record once; destroyed records are skipped.
func (w *writer) destroy(ctx context.Context, record *records.Record) error {
	if record.IsDestroyed() || record.IsNew() {
		return nil
	}
	if err := w.tx.Delete(ctx, records.TableOf(record.Schema()), record.ID()); err != nil {
		return w.storageError("delete", record, err)
	}
	w.engine.metrics.observeWrite("delete")
	record.MarkDestroyed()
	w.written = append(w.written, written{record: record, action: ActionDestroyed})
	return nil
}

func (w *writer) storageError(op string, record *records.Record, err error) error {
	w.engine.logger.Debug(
		"store write failed",
		zap.String("save_id", w.saveID),
		zap.String("write", op),
		zap.String("record", record.String()),
		zap.Error(err),
	)
	return &StorageError{Op: op, Record: record.String(), Err: err}
}
