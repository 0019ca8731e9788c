package records_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/rigging/internal/memstore"
	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

type crew struct {
	registry *records.Registry
	store    *memstore.Store
	session  *records.Session
}

func newCrew(t *testing.T) *crew {
	t.Helper()
	registry := records.NewRegistry()
	for _, cfg := range []records.SchemaConfig{
		{Name: "pirate", Table: "pirates", Attributes: []records.AttributeDef{
			{Name: "catchphrase", Kind: records.KindText},
			{Name: "skull_count", Kind: records.KindInteger, Nullable: true},
		}},
		{Name: "ship", Table: "ships", Attributes: []records.AttributeDef{
			{Name: "name", Kind: records.KindText},
			{Name: "pirate_id", Kind: records.KindInteger, Nullable: true},
		}},
		{Name: "bird", Table: "birds", Attributes: []records.AttributeDef{
			{Name: "name", Kind: records.KindText},
			{Name: "pirate_id", Kind: records.KindInteger, Nullable: true},
		}},
	} {
		if _, err := registry.Register(cfg); err != nil {
			t.Fatalf("unexpected register error: %v", err)
		}
	}
	if _, err := registry.Associate("pirate", records.AssociationConfig{Name: "ship", Kind: records.HasOne, Target: "ship"}); err != nil {
		t.Fatalf("unexpected associate error: %v", err)
	}
	if _, err := registry.Associate("pirate", records.AssociationConfig{
		Name: "birds", Kind: records.HasMany, Target: "bird",
		Nested: &records.NestedOptions{},
	}); err != nil {
		t.Fatalf("unexpected associate error: %v", err)
	}

	store := memstore.New()
	store.CreateSchema(registry)
	session, err := records.NewSession(records.SessionConfig{Registry: registry, Store: store})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	return &crew{registry: registry, store: store, session: session}
}

func (c *crew) insert(t *testing.T, table string, row records.Row) int64 {
	t.Helper()
	id, err := c.store.Insert(context.Background(), records.Table{Name: table, PrimaryKey: "id"}, row)
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	return id
}

func (c *crew) fetches() int {
	count := 0
	for _, call := range c.store.Calls() {
		if call.Op == memstore.OpFetchWhere || call.Op == memstore.OpFetchJoined {
			count++
		}
	}
	return count
}

func TestRegistryRejectsMissingForeignKey(t *testing.T) {
	c := newCrew(t)
	_, err := c.registry.Associate("ship", records.AssociationConfig{Name: "birds", Kind: records.HasMany, Target: "bird"})
	if !errors.Is(err, records.ErrInvalidSchema) {
		t.Fatalf("expected invalid schema error, got %v", err)
	}
}

func TestAssociationDefaults(t *testing.T) {
	c := newCrew(t)
	pirate, _ := c.registry.Schema("pirate")
	ship, _ := pirate.Association("ship")
	birds, _ := pirate.Association("birds")

	if ship.Autosave() != records.AutosaveUnset || ship.Validates() {
		t.Fatalf("expected plain has_one to neither autosave nor validate")
	}
	if ship.ForeignKey() != "pirate_id" || ship.Ownership() != records.TargetHoldsKey {
		t.Fatalf("unexpected has_one key %q", ship.ForeignKey())
	}
	if birds.Autosave() != records.AutosaveOn || !birds.Validates() {
		t.Fatalf("expected nested collection to autosave and validate")
	}
}

func TestFindSelectLeavesOtherAttributesAbsent(t *testing.T) {
	c := newCrew(t)
	id := c.insert(t, "pirates", records.Row{"catchphrase": "Yo ho", "skull_count": int64(3)})

	pirate, err := c.session.FindSelect(context.Background(), "pirate", id, "catchphrase")
	if err != nil {
		t.Fatalf("unexpected find error: %v", err)
	}
	if pirate.Has("skull_count") {
		t.Fatalf("expected skull_count to be absent")
	}
	if pirate.Value("catchphrase").Text() != "Yo ho" {
		t.Fatalf("unexpected catchphrase %s", pirate.Value("catchphrase"))
	}
	if _, err := c.session.Find(context.Background(), "pirate", id+10); !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := c.session.Find(context.Background(), "kraken", id); !errors.Is(err, records.ErrUnknownRecordType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
}

func TestChildrenLoadsOnceAndKeepsAttachedRecords(t *testing.T) {
	c := newCrew(t)
	ctx := context.Background()
	id := c.insert(t, "pirates", records.Row{"catchphrase": "Yo ho"})
	c.insert(t, "birds", records.Row{"name": "Polly", "pirate_id": id})
	c.insert(t, "birds", records.Row{"name": "Crackers", "pirate_id": id})

	pirate, _ := c.session.Find(ctx, "pirate", id)
	birds, _ := pirate.Association("birds")
	built, err := birds.Build(map[string]any{"name": "Cotton"})
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if birds.Loaded() || c.fetches() != 0 {
		t.Fatalf("expected build not to load the collection")
	}

	children, err := birds.Children(ctx)
	if err != nil {
		t.Fatalf("unexpected children error: %v", err)
	}
	if len(children) != 3 || children[0] != built {
		t.Fatalf("expected built bird plus two stored birds, got %d", len(children))
	}
	if _, err := birds.Children(ctx); err != nil {
		t.Fatalf("unexpected children error: %v", err)
	}
	if c.fetches() != 1 {
		t.Fatalf("expected a single fetch, got %d", c.fetches())
	}
}

func TestFindByIDDoesNotLoadCollection(t *testing.T) {
	c := newCrew(t)
	ctx := context.Background()
	id := c.insert(t, "pirates", records.Row{"catchphrase": "Yo ho"})
	first := c.insert(t, "birds", records.Row{"name": "Polly", "pirate_id": id})
	c.insert(t, "birds", records.Row{"name": "Crackers", "pirate_id": id})
	stranger := c.insert(t, "birds", records.Row{"name": "Gull", "pirate_id": id + 1})

	pirate, _ := c.session.Find(ctx, "pirate", id)
	birds, _ := pirate.Association("birds")
	bird, err := birds.Find(ctx, first)
	if err != nil {
		t.Fatalf("unexpected find error: %v", err)
	}
	if bird.Value("name").Text() != "Polly" {
		t.Fatalf("unexpected bird %s", bird)
	}
	if birds.Loaded() {
		t.Fatalf("expected collection to stay unloaded")
	}
	if len(birds.Target()) != 1 {
		t.Fatalf("expected only the requested bird in memory, got %d", len(birds.Target()))
	}
	again, _ := birds.Find(ctx, first)
	if again != bird {
		t.Fatalf("expected id index to return the same instance")
	}
	for _, call := range c.store.Calls() {
		if call.Op == memstore.OpFetchWhere && len(call.IDs) == 0 {
			t.Fatalf("expected only targeted fetches, got %v", call)
		}
	}

	_, err = birds.Find(ctx, stranger)
	var notFound *records.NotFoundError
	if !errors.As(err, &notFound) || !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected not found for a bird of another pirate, got %v", err)
	}
}

func TestAttachReplacesOneCardinalityTarget(t *testing.T) {
	c := newCrew(t)
	ctx := context.Background()
	id := c.insert(t, "pirates", records.Row{"catchphrase": "Yo ho"})
	c.insert(t, "ships", records.Row{"name": "Interceptor", "pirate_id": id})

	pirate, _ := c.session.Find(ctx, "pirate", id)
	ship, _ := pirate.Association("ship")
	children, err := ship.Children(ctx)
	if err != nil || len(children) != 1 {
		t.Fatalf("expected stored ship, got %d (%v)", len(children), err)
	}
	replacement, err := ship.Build(map[string]any{"name": "Black Pearl"})
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if ship.Reader() != replacement {
		t.Fatalf("expected replacement to be the current target")
	}
	detached := ship.Detached()
	if len(detached) != 1 || detached[0] != children[0] || children[0].IsDestroyed() {
		t.Fatalf("expected previous ship to be detached, not destroyed")
	}

	bird, _ := c.session.New("bird")
	if err := ship.Attach(bird); !errors.Is(err, records.ErrTargetMismatch) {
		t.Fatalf("expected target mismatch, got %v", err)
	}
}

func TestReloadResetsAssociationsAndMarks(t *testing.T) {
	c := newCrew(t)
	ctx := context.Background()
	id := c.insert(t, "pirates", records.Row{"catchphrase": "Yo ho"})

	pirate, _ := c.session.Find(ctx, "pirate", id)
	birds, _ := pirate.Association("birds")
	if _, err := birds.Build(map[string]any{"name": "Cotton"}); err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	_ = pirate.Set("catchphrase", "Arr")
	pirate.MarkForDestruction()

	if err := c.session.Reload(ctx, pirate); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	if pirate.Changed() || pirate.MarkedForDestruction() {
		t.Fatalf("expected reload to drop changes and marks")
	}
	if len(pirate.AttachedAssociations()) != 0 {
		t.Fatalf("expected reload to reset associations")
	}
	fresh, _ := c.session.New("pirate")
	if err := c.session.Reload(ctx, fresh); !errors.Is(err, records.ErrNewRecord) {
		t.Fatalf("expected new record error, got %v", err)
	}
}
