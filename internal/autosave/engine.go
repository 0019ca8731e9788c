// Package autosave saves a record together with its in-memory association graph
// inside one store transaction.
package autosave

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

var noOpLogger = zap.NewNop()

// Config wires an Engine.
type Config struct {
	Session    *records.Session
	Validator  Validator
	IDProvider IDProvider
	Metrics    *Metrics
	Observer   CommitObserver
	Logger     *zap.Logger
}

// Engine validates and persists record graphs.
type Engine struct {
	session    *records.Session
	validator  Validator
	idProvider IDProvider
	metrics    *Metrics
	observer   CommitObserver
	logger     *zap.Logger
}

// SaveOptions adjusts a single save call.
type SaveOptions struct {
	// SkipValidation writes without running validators.
	SkipValidation bool
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Session == nil {
		return nil, newServiceError(opEngineNew, "missing_session", errMissingSession)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opEngineNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		session:    cfg.Session,
		validator:  cfg.Validator,
		idProvider: cfg.IDProvider,
		metrics:    cfg.Metrics,
		observer:   cfg.Observer,
		logger:     logger,
	}, nil
}

// Save validates and writes record with its attached children. It returns false
// with a nil error when validation fails; record.Errors() then holds the failures.
// A non-nil error means the store rejected a write and nothing was persisted.
func (e *Engine) Save(ctx context.Context, record *records.Record) (bool, error) {
	return e.SaveWith(ctx, record, SaveOptions{})
}

// SaveStrict is Save returning *ValidationFailedError instead of false.
func (e *Engine) SaveStrict(ctx context.Context, record *records.Record) error {
	saved, err := e.Save(ctx, record)
	if err != nil {
		return err
	}
	if !saved {
		return &ValidationFailedError{Record: record.String(), Errors: record.Errors().All()}
	}
	return nil
}

// Valid runs the validation walk without writing.
func (e *Engine) Valid(ctx context.Context, record *records.Record) bool {
	return e.validateGraph(ctx, record)
}

// SaveWith is Save with options.
func (e *Engine) SaveWith(ctx context.Context, record *records.Record, options SaveOptions) (bool, error) {
	started := time.Now()
	if record.IsDestroyed() {
		e.logError(opSave, "destroyed_record", records.ErrDestroyedRecord, zap.String("record", record.String()))
		e.metrics.observeSave(record.Type(), resultFailed, started)
		return false, newServiceError(opSave, "destroyed_record", records.ErrDestroyedRecord)
	}
	if !options.SkipValidation && !e.validateGraph(ctx, record) {
		e.logger.Debug(
			"save rejected by validation",
			zap.String("record", record.String()),
			zap.Int("errors", record.Errors().Len()),
		)
		e.metrics.observeSave(record.Type(), resultInvalid, started)
		return false, nil
	}

	saveID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opSave, "id_generation_failed", err)
		e.metrics.observeSave(record.Type(), resultFailed, started)
		return false, newServiceError(opSave, "id_generation_failed", err)
	}

	graph := reachable(record)
	checkpoints := make([]*records.Checkpoint, 0, len(graph))
	for _, member := range graph {
		checkpoints = append(checkpoints, member.Checkpoint())
	}

	var w *writer
	txErr := e.session.Store().Transaction(ctx, func(tx records.Store) error {
		w = newWriter(e, tx, saveID)
		return w.save(ctx, record)
	})
	if txErr != nil {
		for _, checkpoint := range checkpoints {
			checkpoint.Restore()
		}
		e.logError(opSave, "storage_failed", txErr,
			zap.String("save_id", saveID),
			zap.String("record", record.String()))
		e.metrics.observeSave(record.Type(), resultFailed, started)
		return false, newServiceError(opSave, "storage_failed", txErr)
	}

	commit := Commit{SaveID: saveID}
	for _, entry := range w.written {
		if entry.action != ActionDestroyed {
			entry.record.CommitChanges()
		}
		changes := entry.record.PreviousChanges()
		if entry.action == ActionUpdated && changes.Empty() {
			continue
		}
		if entry.action == ActionDestroyed {
			changes = records.ChangeSet{}
		}
		commit.Changes = append(commit.Changes, RecordChange{
			Type:    entry.record.Type(),
			ID:      entry.record.ID(),
			Action:  entry.action,
			Changes: changes,
		})
	}
	e.logger.Debug(
		"save committed",
		zap.String("save_id", saveID),
		zap.String("record", record.String()),
		zap.Int("writes", len(commit.Changes)),
	)
	e.metrics.observeSave(record.Type(), resultSaved, started)
	if e.observer != nil && len(commit.Changes) > 0 {
		e.observer.Committed(ctx, commit)
	}
	return true, nil
}

// Destroy deletes a persisted record in its own transaction. Destroying a record
// twice is a no-op.
func (e *Engine) Destroy(ctx context.Context, record *records.Record) error {
	if record.IsDestroyed() {
		return nil
	}
	if record.IsNew() {
		return newServiceError(opDestroy, "new_record", records.ErrNewRecord)
	}
	saveID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opDestroy, "id_generation_failed", err)
		return newServiceError(opDestroy, "id_generation_failed", err)
	}
	checkpoint := record.Checkpoint()
	txErr := e.session.Store().Transaction(ctx, func(tx records.Store) error {
		for _, node := range record.AttachedAssociations() {
			def := node.Def()
			if def.Ownership() != records.JoinTableHoldsKey {
				continue
			}
			for _, child := range node.Target() {
				if !node.Linked(child) {
					continue
				}
				if err := tx.Unlink(ctx, def.JoinTable(), record.ID(), child.ID()); err != nil {
					return &StorageError{Op: "unlink", Record: child.String(), Err: err}
				}
			}
		}
		return newWriter(e, tx, saveID).destroy(ctx, record)
	})
	if txErr != nil {
		checkpoint.Restore()
		e.logError(opDestroy, "storage_failed", txErr,
			zap.String("save_id", saveID),
			zap.String("record", record.String()))
		return newServiceError(opDestroy, "storage_failed", txErr)
	}
	if e.observer != nil {
		e.observer.Committed(ctx, Commit{
			SaveID:  saveID,
			Changes: []RecordChange{{Type: record.Type(), ID: record.ID(), Action: ActionDestroyed, Changes: records.ChangeSet{}}},
		})
	}
	return nil
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("autosave engine error", attrs...)
}
