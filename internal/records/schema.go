package records

import (
	"fmt"
	"strings"
)

const defaultPrimaryKey = "id"

// AttributeDef declares one column of a record type.
type AttributeDef struct {
	Name       string
	Kind       Kind
	Nullable   bool
	Default    any
	BlobFormat BlobFormat
}

func (def AttributeDef) blobFormat() BlobFormat {
	if def.BlobFormat == "" {
		return BlobJSON
	}
	return def.BlobFormat
}

// SchemaConfig describes a record type at registration time.
type SchemaConfig struct {
	Name       string
	Table      string
	PrimaryKey string
	Attributes []AttributeDef
}

// Schema is the immutable description of a record type plus its declared associations.
type Schema struct {
	name         string
	table        string
	primaryKey   string
	attributes   []AttributeDef
	attrIndex    map[string]int
	associations []*AssociationDef
	assocIndex   map[string]*AssociationDef
}

// Name returns the record type name.
func (s *Schema) Name() string {
	return s.name
}

// Table returns the backing table name.
func (s *Schema) Table() string {
	return s.table
}

// PrimaryKey returns the primary key column.
func (s *Schema) PrimaryKey() string {
	return s.primaryKey
}

// Attributes returns the attribute definitions in declaration order.
func (s *Schema) Attributes() []AttributeDef {
	return append([]AttributeDef(nil), s.attributes...)
}

// Attribute looks up an attribute definition by name.
func (s *Schema) Attribute(name string) (AttributeDef, bool) {
	index, ok := s.attrIndex[name]
	if !ok {
		return AttributeDef{}, false
	}
	return s.attributes[index], true
}

// Associations returns association definitions in declaration order.
func (s *Schema) Associations() []*AssociationDef {
	return append([]*AssociationDef(nil), s.associations...)
}

// Association looks up an association definition by name.
func (s *Schema) Association(name string) (*AssociationDef, bool) {
	def, ok := s.assocIndex[name]
	return def, ok
}

// Registry holds every record type and the associations between them.
type Registry struct {
	schemas map[string]*Schema
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register validates and stores a record type.
func (r *Registry) Register(cfg SchemaConfig) (*Schema, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty record type name", ErrInvalidSchema)
	}
	if _, exists := r.schemas[name]; exists {
		return nil, fmt.Errorf("%w: record type %q already registered", ErrInvalidSchema, name)
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = name
	}
	primaryKey := strings.TrimSpace(cfg.PrimaryKey)
	if primaryKey == "" {
		primaryKey = defaultPrimaryKey
	}

	schema := &Schema{
		name:       name,
		table:      table,
		primaryKey: primaryKey,
		attrIndex:  make(map[string]int, len(cfg.Attributes)),
		assocIndex: make(map[string]*AssociationDef),
	}
	for _, def := range cfg.Attributes {
		if def.Name == "" || def.Name == primaryKey {
			return nil, fmt.Errorf("%w: %s: invalid attribute name %q", ErrInvalidSchema, name, def.Name)
		}
		if def.Kind == KindNull {
			return nil, fmt.Errorf("%w: %s.%s: attribute kind required", ErrInvalidSchema, name, def.Name)
		}
		if _, duplicate := schema.attrIndex[def.Name]; duplicate {
			return nil, fmt.Errorf("%w: %s.%s declared twice", ErrInvalidSchema, name, def.Name)
		}
		if def.Default != nil {
			if _, err := Cast(def, def.Default); err != nil {
				return nil, fmt.Errorf("%w: %s.%s default: %v", ErrInvalidSchema, name, def.Name, err)
			}
		}
		schema.attrIndex[def.Name] = len(schema.attributes)
		schema.attributes = append(schema.attributes, def)
	}

	r.schemas[name] = schema
	r.order = append(r.order, name)
	return schema, nil
}

// Schema looks up a record type by name.
func (r *Registry) Schema(name string) (*Schema, bool) {
	schema, ok := r.schemas[name]
	return schema, ok
}

// Schemas returns every registered record type in registration order.
func (r *Registry) Schemas() []*Schema {
	schemas := make([]*Schema, 0, len(r.order))
	for _, name := range r.order {
		schemas = append(schemas, r.schemas[name])
	}
	return schemas
}

// Associate declares an association on the owner record type. Both the owner and the
// target must already be registered, and the foreign key columns must exist.
func (r *Registry) Associate(owner string, cfg AssociationConfig) (*AssociationDef, error) {
	ownerSchema, ok := r.schemas[owner]
	if !ok {
		return nil, fmt.Errorf("%w: unknown owner %q", ErrInvalidSchema, owner)
	}
	targetSchema, ok := r.schemas[cfg.Target]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s: unknown target %q", ErrInvalidSchema, owner, cfg.Name, cfg.Target)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("%w: %s: association name required", ErrInvalidSchema, owner)
	}
	if _, exists := ownerSchema.assocIndex[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s.%s declared twice", ErrInvalidSchema, owner, cfg.Name)
	}
	if _, clash := ownerSchema.attrIndex[cfg.Name]; clash {
		return nil, fmt.Errorf("%w: %s.%s clashes with an attribute", ErrInvalidSchema, owner, cfg.Name)
	}

	def := &AssociationDef{
		name:         cfg.Name,
		kind:         cfg.Kind,
		owner:        ownerSchema,
		target:       targetSchema,
		foreignKey:   cfg.ForeignKey,
		joinTable:    cfg.JoinTable,
		targetKey:    cfg.AssociationForeignKey,
		autosave:     cfg.Autosave,
		validate:     cfg.Validate,
		allowDestroy: cfg.AllowDestroy,
		nested:       cfg.Nested,
	}
	if def.nested != nil && def.autosave == AutosaveUnset {
		def.autosave = AutosaveOn
	}
	if err := def.resolveKeys(); err != nil {
		return nil, err
	}

	ownerSchema.assocIndex[def.name] = def
	ownerSchema.associations = append(ownerSchema.associations, def)
	return def, nil
}

func requireIntegerColumn(schema *Schema, column string) error {
	def, ok := schema.Attribute(column)
	if !ok {
		return fmt.Errorf("%w: %s has no foreign key column %q", ErrInvalidSchema, schema.name, column)
	}
	if def.Kind != KindInteger {
		return fmt.Errorf("%w: %s.%s must be an integer column", ErrInvalidSchema, schema.name, column)
	}
	return nil
}
