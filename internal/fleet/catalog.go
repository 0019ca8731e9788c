// Package fleet declares the pirate fleet catalog served by the demo API.
package fleet

import (
	"github.com/MarcoPoloResearchLab/rigging/internal/records"
	"github.com/MarcoPoloResearchLab/rigging/internal/validation"
)

// Record type names.
const (
	Pirate   = "pirate"
	Ship     = "ship"
	Part     = "part"
	Trinket  = "trinket"
	Bird     = "bird"
	Parrot   = "parrot"
	Treasure = "treasure"
)

// BirdLimit caps the new birds accepted by one nested payload.
const BirdLimit = 4

// NewRegistry registers every fleet record type and association.
func NewRegistry() (*records.Registry, error) {
	registry := records.NewRegistry()
	schemas := []records.SchemaConfig{
		{
			Name:  Parrot,
			Table: "parrots",
			Attributes: []records.AttributeDef{
				{Name: "name", Kind: records.KindText},
				{Name: "updated_at", Kind: records.KindTimestamp, Nullable: true},
			},
		},
		{
			Name:  Pirate,
			Table: "pirates",
			Attributes: []records.AttributeDef{
				{Name: "catchphrase", Kind: records.KindText},
				{Name: "skull_count", Kind: records.KindInteger, Nullable: true},
				{Name: "bounty", Kind: records.KindDecimal, Nullable: true},
				{Name: "sighted_on", Kind: records.KindDate, Nullable: true},
				{Name: "retired", Kind: records.KindBoolean, Default: false},
				{Name: "log", Kind: records.KindBlob, Nullable: true, BlobFormat: records.BlobJSON},
				{Name: "flag", Kind: records.KindBlob, Nullable: true, BlobFormat: records.BlobBinary},
				{Name: "parrot_id", Kind: records.KindInteger, Nullable: true},
			},
		},
		{
			Name:  Ship,
			Table: "ships",
			Attributes: []records.AttributeDef{
				{Name: "name", Kind: records.KindText},
				{Name: "pirate_id", Kind: records.KindInteger, Nullable: true},
				{Name: "launched_at", Kind: records.KindTimestamp, Nullable: true},
			},
		},
		{
			Name:  Part,
			Table: "ship_parts",
			Attributes: []records.AttributeDef{
				{Name: "name", Kind: records.KindText},
				{Name: "ship_id", Kind: records.KindInteger, Nullable: true},
			},
		},
		{
			Name:  Trinket,
			Table: "trinkets",
			Attributes: []records.AttributeDef{
				{Name: "name", Kind: records.KindText},
				{Name: "part_id", Kind: records.KindInteger, Nullable: true},
			},
		},
		{
			Name:  Bird,
			Table: "birds",
			Attributes: []records.AttributeDef{
				{Name: "name", Kind: records.KindText},
				{Name: "color", Kind: records.KindText, Nullable: true},
				{Name: "pirate_id", Kind: records.KindInteger, Nullable: true},
			},
		},
		{
			Name:  Treasure,
			Table: "treasures",
			Attributes: []records.AttributeDef{
				{Name: "name", Kind: records.KindText},
				{Name: "appraised_value", Kind: records.KindDecimal, Nullable: true},
				{Name: "pirate_id", Kind: records.KindInteger, Nullable: true},
			},
		},
	}
	for _, cfg := range schemas {
		if _, err := registry.Register(cfg); err != nil {
			return nil, err
		}
	}

	nested := &records.NestedOptions{}
	associations := []struct {
		owner string
		cfg   records.AssociationConfig
	}{
		{Pirate, records.AssociationConfig{
			Name: "ship", Kind: records.HasOne, Target: Ship,
			AllowDestroy: true, Nested: nested,
		}},
		{Pirate, records.AssociationConfig{
			Name: "parrot", Kind: records.BelongsTo, Target: Parrot,
			AllowDestroy: true, Nested: nested,
		}},
		{Pirate, records.AssociationConfig{
			Name: "birds", Kind: records.HasMany, Target: Bird,
			AllowDestroy: true,
			Nested:       &records.NestedOptions{RejectIf: records.RejectAllBlank, Limit: BirdLimit},
		}},
		{Pirate, records.AssociationConfig{
			Name: "parrots", Kind: records.HasAndBelongsToMany, Target: Parrot,
			AllowDestroy: true, Nested: nested,
		}},
		{Pirate, records.AssociationConfig{
			Name: "treasures", Kind: records.HasMany, Target: Treasure,
		}},
		{Ship, records.AssociationConfig{
			Name: "pirate", Kind: records.BelongsTo, Target: Pirate,
			Autosave: records.AutosaveOff,
		}},
		{Ship, records.AssociationConfig{
			Name: "parts", Kind: records.HasMany, Target: Part,
			AllowDestroy: true, Nested: nested,
		}},
		{Part, records.AssociationConfig{
			Name: "trinkets", Kind: records.HasMany, Target: Trinket,
			AllowDestroy: true, Nested: nested,
		}},
	}
	for _, entry := range associations {
		if _, err := registry.Associate(entry.owner, entry.cfg); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// NewRules returns the validation rules of the fleet.
func NewRules() *validation.RuleSet {
	rules := validation.NewRuleSet()
	rules.Attribute(Pirate, "catchphrase", "required,max=80")
	rules.Attribute(Pirate, "skull_count", "min=0")
	rules.Attribute(Ship, "name", "required,max=40")
	rules.Attribute(Part, "name", "required")
	rules.Attribute(Trinket, "name", "required")
	rules.Attribute(Bird, "name", "required")
	rules.Attribute(Bird, "color", "omitempty,oneof=red green blue yellow")
	rules.Attribute(Parrot, "name", "required")
	rules.Attribute(Treasure, "name", "required")
	return rules
}
