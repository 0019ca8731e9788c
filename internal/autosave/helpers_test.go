package autosave

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MarcoPoloResearchLab/rigging/internal/fleet"
	"github.com/MarcoPoloResearchLab/rigging/internal/memstore"
	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

type harness struct {
	store     *memstore.Store
	session   *records.Session
	engine    *Engine
	validated []*records.Record
	commits   []Commit
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry, err := fleet.NewRegistry()
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	store := memstore.New()
	store.CreateSchema(registry)
	session, err := records.NewSession(records.SessionConfig{Registry: registry, Store: store})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected metrics error: %v", err)
	}

	h := &harness{store: store, session: session}
	rules := fleet.NewRules()
	engine, err := NewEngine(Config{
		Session: session,
		Validator: ValidatorFunc(func(ctx context.Context, record *records.Record) []records.FieldError {
			h.validated = append(h.validated, record)
			return rules.Validate(ctx, record)
		}),
		IDProvider: NewUUIDProvider(),
		Metrics:    metrics,
		Observer: CommitObserverFunc(func(_ context.Context, commit Commit) {
			h.commits = append(h.commits, commit)
		}),
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) build(t *testing.T, recordType string, attributes map[string]any) *records.Record {
	t.Helper()
	record, err := h.session.New(recordType)
	if err != nil {
		t.Fatalf("unexpected new error: %v", err)
	}
	if err := record.Assign(attributes); err != nil {
		t.Fatalf("unexpected assign error: %v", err)
	}
	return record
}

func (h *harness) attach(t *testing.T, owner *records.Record, name string, children ...*records.Record) *records.Association {
	t.Helper()
	node := association(t, owner, name)
	for _, child := range children {
		if err := node.Attach(child); err != nil {
			t.Fatalf("unexpected attach error: %v", err)
		}
	}
	return node
}

func (h *harness) mustSave(t *testing.T, record *records.Record) {
	t.Helper()
	saved, err := h.engine.Save(context.Background(), record)
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if !saved {
		t.Fatalf("expected %s to save, errors: %v", record, record.Errors().All())
	}
}

func (h *harness) find(t *testing.T, recordType string, id int64) *records.Record {
	t.Helper()
	record, err := h.session.Find(context.Background(), recordType, id)
	if err != nil {
		t.Fatalf("unexpected find error: %v", err)
	}
	return record
}

func (h *harness) children(t *testing.T, owner *records.Record, name string) []*records.Record {
	t.Helper()
	children, err := association(t, owner, name).Children(context.Background())
	if err != nil {
		t.Fatalf("unexpected children error: %v", err)
	}
	return children
}

func (h *harness) storedRow(table string, id int64) records.Row {
	for _, row := range h.store.Rows(table) {
		if row["id"] == id {
			return row
		}
	}
	return nil
}

func (h *harness) wasValidated(record *records.Record) bool {
	for _, validated := range h.validated {
		if validated == record {
			return true
		}
	}
	return false
}

// seedPirate stores a pirate with a ship, two birds and one treasure.
func (h *harness) seedPirate(t *testing.T) *records.Record {
	t.Helper()
	pirate := h.build(t, fleet.Pirate, map[string]any{"catchphrase": "Yo ho"})
	h.attach(t, pirate, "ship", h.build(t, fleet.Ship, map[string]any{"name": "Interceptor"}))
	h.attach(t, pirate, "birds",
		h.build(t, fleet.Bird, map[string]any{"name": "Polly"}),
		h.build(t, fleet.Bird, map[string]any{"name": "Crackers"}),
	)
	h.attach(t, pirate, "treasures", h.build(t, fleet.Treasure, map[string]any{"name": "Doubloons"}))
	h.mustSave(t, pirate)
	return pirate
}

func association(t *testing.T, owner *records.Record, name string) *records.Association {
	t.Helper()
	node, err := owner.Association(name)
	if err != nil {
		t.Fatalf("unexpected association error: %v", err)
	}
	return node
}

func kinds(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, value := range values {
		set[value] = true
	}
	return set
}
