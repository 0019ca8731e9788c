package gormstore_test

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/rigging/internal/autosave"
	"github.com/MarcoPoloResearchLab/rigging/internal/database"
	"github.com/MarcoPoloResearchLab/rigging/internal/fleet"
	"github.com/MarcoPoloResearchLab/rigging/internal/gormstore"
	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

var (
	birds          = records.Table{Name: "birds", PrimaryKey: "id"}
	parrots        = records.Table{Name: "parrots", PrimaryKey: "id"}
	parrotsPirates = records.JoinTable{Name: "parrots_pirates", OwnerColumn: "pirate_id", TargetColumn: "parrot_id"}
)

type fixture struct {
	store    *gormstore.Store
	registry *records.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	registry, err := fleet.NewRegistry()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "rigging.db"),
	}, registry, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := gormstore.New(db, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return fixture{store: store, registry: registry}
}

func TestNewRequiresDatabase(t *testing.T) {
	if _, err := gormstore.New(nil, nil); err == nil {
		t.Fatalf("expected missing database to fail")
	}
}

func TestStoreWritesAndFetchesRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Insert(ctx, birds, records.Row{"name": "Polly", "pirate_id": int64(7)})
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected a generated id, got %d", id)
	}

	row, err := f.store.Fetch(ctx, birds, id, []string{"name"})
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if row["name"] != "Polly" {
		t.Fatalf("expected name Polly, got %v", row["name"])
	}
	if _, ok := row["id"]; !ok {
		t.Fatalf("expected projection to include the primary key")
	}
	if _, ok := row["pirate_id"]; ok {
		t.Fatalf("expected pirate_id to be excluded from projection")
	}

	if err := f.store.Update(ctx, birds, id, records.Row{"color": "green"}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if err := f.store.Update(ctx, birds, id+100, records.Row{"color": "red"}); !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected not found on missing update, got %v", err)
	}

	if err := f.store.Delete(ctx, birds, id); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := f.store.Delete(ctx, birds, id); err != nil {
		t.Fatalf("expected second delete to be a no-op, got %v", err)
	}
	if _, err := f.store.Fetch(ctx, birds, id, nil); !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestFetchWhereFiltersAndOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []int64
	for _, name := range []string{"Polly", "Crackers", "Stray"} {
		owner := int64(1)
		if name == "Stray" {
			owner = 2
		}
		id, err := f.store.Insert(ctx, birds, records.Row{"name": name, "pirate_id": owner})
		if err != nil {
			t.Fatalf("unexpected insert error: %v", err)
		}
		ids = append(ids, id)
	}

	rows, err := f.store.FetchWhere(ctx, records.Query{Table: birds, Column: "pirate_id", Value: 1})
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(rows) != 2 || rows[0]["name"] != "Polly" || rows[1]["name"] != "Crackers" {
		t.Fatalf("unexpected rows %v", rows)
	}

	rows, err = f.store.FetchWhere(ctx, records.Query{Table: birds, Column: "pirate_id", Value: 1, IDs: []int64{ids[1], ids[2]}})
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Crackers" {
		t.Fatalf("expected only Crackers, got %v", rows)
	}
}

func TestFetchJoinedFollowsLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.store.Insert(ctx, parrots, records.Row{"name": "Iago"})
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	second, err := f.store.Insert(ctx, parrots, records.Row{"name": "Kiki"})
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	for _, target := range []int64{first, second} {
		if err := f.store.Link(ctx, parrotsPirates, 9, target); err != nil {
			t.Fatalf("unexpected link error: %v", err)
		}
	}
	if err := f.store.Unlink(ctx, parrotsPirates, 9, first); err != nil {
		t.Fatalf("unexpected unlink error: %v", err)
	}

	rows, err := f.store.FetchJoined(ctx, records.JoinQuery{Table: parrots, Join: parrotsPirates, OwnerID: 9})
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Kiki" {
		t.Fatalf("expected only Kiki to remain linked, got %v", rows)
	}
}

func TestTransactionDiscardsWritesOnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var ghost int64
	err := f.store.Transaction(ctx, func(tx records.Store) error {
		id, err := tx.Insert(ctx, birds, records.Row{"name": "Ghost"})
		if err != nil {
			return err
		}
		ghost = id
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if ghost == 0 {
		t.Fatalf("expected insert inside the transaction to return an id")
	}
	if _, err := f.store.Fetch(ctx, birds, ghost, nil); !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected rolled back row to be absent, got %v", err)
	}
}

func TestEngineSavesGraphThroughGorm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session, err := records.NewSession(records.SessionConfig{Registry: f.registry, Store: f.store})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	rules := fleet.NewRules()
	engine, err := autosave.NewEngine(autosave.Config{
		Session:    session,
		Validator:  autosave.ValidatorFunc(rules.Validate),
		IDProvider: autosave.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}

	pirate, err := session.New(fleet.Pirate)
	if err != nil {
		t.Fatalf("unexpected new error: %v", err)
	}
	if err := pirate.Assign(map[string]any{
		"catchphrase": "Dead men tell no tales",
		"bounty":      "12.5",
		"sighted_on":  "2026-05-01",
		"log":         map[string]any{"ports": []any{"Tortuga"}},
	}); err != nil {
		t.Fatalf("unexpected assign error: %v", err)
	}
	ship := buildChild(t, pirate, "ship", map[string]any{"name": "Black Pearl"})
	buildChild(t, ship, "parts", map[string]any{"name": "Mast"})
	polly := buildChild(t, pirate, "birds", map[string]any{"name": "Polly"})
	buildChild(t, pirate, "birds", map[string]any{"name": "Crackers"})
	buildChild(t, pirate, "parrots", map[string]any{"name": "Iago"})

	saved, err := engine.Save(ctx, pirate)
	if err != nil || !saved {
		t.Fatalf("expected save to succeed, saved=%v err=%v errors=%v", saved, err, pirate.Errors().All())
	}

	reloaded, err := session.Find(ctx, fleet.Pirate, pirate.ID())
	if err != nil {
		t.Fatalf("unexpected find error: %v", err)
	}
	if reloaded.Value("bounty").Decimal().Cmp(big.NewRat(25, 2)) != 0 {
		t.Fatalf("expected bounty 25/2, got %v", reloaded.Value("bounty").Interface())
	}
	if got := reloaded.Value("sighted_on").Time().Format("2006-01-02"); got != "2026-05-01" {
		t.Fatalf("expected sighted_on 2026-05-01, got %s", got)
	}
	if reloaded.Changed() {
		t.Fatalf("expected reloaded pirate to be clean, changes %v", reloaded.ChangedAttributes())
	}
	if got := len(loadChildren(t, reloaded, "birds")); got != 2 {
		t.Fatalf("expected 2 birds, got %d", got)
	}
	if got := len(loadChildren(t, reloaded, "parrots")); got != 1 {
		t.Fatalf("expected 1 linked parrot, got %d", got)
	}
	ships := loadChildren(t, reloaded, "ship")
	if len(ships) != 1 || len(loadChildren(t, ships[0], "parts")) != 1 {
		t.Fatalf("expected ship with one part")
	}

	polly.MarkForDestruction()
	if err := engine.SaveStrict(ctx, pirate); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if _, err := f.store.Fetch(ctx, birds, polly.ID(), nil); !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected Polly to be deleted, got %v", err)
	}
}

func buildChild(t *testing.T, owner *records.Record, name string, attributes map[string]any) *records.Record {
	t.Helper()
	node, err := owner.Association(name)
	if err != nil {
		t.Fatalf("unexpected association error: %v", err)
	}
	child, err := node.Build(attributes)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	return child
}

func loadChildren(t *testing.T, owner *records.Record, name string) []*records.Record {
	t.Helper()
	node, err := owner.Association(name)
	if err != nil {
		t.Fatalf("unexpected association error: %v", err)
	}
	children, err := node.Children(context.Background())
	if err != nil {
		t.Fatalf("unexpected children error: %v", err)
	}
	return children
}
