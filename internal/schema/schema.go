// Package schema holds model definitions: field specs, relation specs, and
// the registry that resolves relation targets across models.
//
// A Registry is built once at process start: Register every model, then call
// Finalize to resolve relation targets and materialize inverse relations.
// After Finalize the registry is immutable and safe for concurrent use. The
// registry never touches the persistent store.
package schema

import (
	"fmt"
	"strings"
)

// Error reports a schema definition or lookup failure. Schema errors are
// programmer errors and always fatal to the calling operation.
type Error struct {
	msg string
}

// Errorf creates a schema Error.
func Errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return "schema: " + e.msg
}

// FieldType is the value kind tag of a field.
type FieldType string

const (
	// FieldText stores plain text values.
	FieldText FieldType = "text"
	// FieldNumber stores numeric values (integer or float).
	FieldNumber FieldType = "number"
	// FieldBoolean stores true/false values.
	FieldBoolean FieldType = "boolean"
	// FieldDate stores ISO 8601 date/time values.
	FieldDate FieldType = "date"
	// FieldReference stores a record identifier. It is the value kind of
	// relation fields; declare references as relations, not as plain fields.
	FieldReference FieldType = "reference"
)

// scalarTypes are the field types allowed in Model.Fields.
var scalarTypes = map[FieldType]bool{
	FieldText:    true,
	FieldNumber:  true,
	FieldBoolean: true,
	FieldDate:    true,
}

// Field describes one scalar field of a model.
type Field struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	// Unique rejects writes that would duplicate another record's value.
	Unique bool `yaml:"unique"`
	// MaxLength limits text fields; 0 means unlimited.
	MaxLength int `yaml:"max_length"`
	// Default fills the field when absent from a create. Nil means no default.
	Default any `yaml:"default"`
	// Validate is an optional custom rule, checked after type coercion.
	// Not expressible in YAML; set it when registering models in code.
	Validate func(value any) error `yaml:"-"`
}

// RelationKind distinguishes single-valued from set-valued relations.
type RelationKind string

const (
	// ToOne references at most one target record.
	ToOne RelationKind = "to-one"
	// ToMany references a set of target records.
	ToMany RelationKind = "to-many"
)

// DeleteRule selects what happens to records referencing a deleted target.
type DeleteRule string

const (
	// DeleteDetach unlinks referencing records, leaving them in place.
	DeleteDetach DeleteRule = "detach"
	// DeleteCascade deletes records whose to-one relation referenced the
	// deleted target.
	DeleteCascade DeleteRule = "cascade"
)

// Relation describes one relation of a model.
type Relation struct {
	Name string       `yaml:"name"`
	Kind RelationKind `yaml:"kind"`
	// Target is the name of the referenced model, resolved at Finalize.
	Target string `yaml:"target"`
	// Inverse optionally names the reverse relation materialized on the
	// target model and kept in sync with this one.
	Inverse string `yaml:"inverse"`
	// OnDelete applies to to-one relations when the target record is
	// deleted: detach (default) or cascade.
	OnDelete DeleteRule `yaml:"on_delete"`
	// Derived marks inverse relations materialized by Finalize.
	Derived bool `yaml:"-"`
}

// Model is a named schema: an ordered set of field specs plus relation specs.
type Model struct {
	Name      string     `yaml:"name"`
	Fields    []Field    `yaml:"fields"`
	Relations []Relation `yaml:"relations"`

	fieldsByName    map[string]*Field
	relationsByName map[string]*Relation
}

// Field returns the field spec with the given name.
func (m *Model) Field(name string) (*Field, bool) {
	f, ok := m.fieldsByName[name]
	return f, ok
}

// Relation returns the relation spec with the given name.
func (m *Model) Relation(name string) (*Relation, bool) {
	r, ok := m.relationsByName[name]
	return r, ok
}

// buildLookups populates the name lookup maps, checking for duplicates and
// field/relation name collisions.
func (m *Model) buildLookups() error {
	m.fieldsByName = make(map[string]*Field, len(m.Fields))
	for i := range m.Fields {
		f := &m.Fields[i]
		if _, dup := m.fieldsByName[f.Name]; dup {
			return Errorf("model %q: duplicate field %q", m.Name, f.Name)
		}
		m.fieldsByName[f.Name] = f
	}
	m.relationsByName = make(map[string]*Relation, len(m.Relations))
	for i := range m.Relations {
		r := &m.Relations[i]
		if _, dup := m.relationsByName[r.Name]; dup {
			return Errorf("model %q: duplicate relation %q", m.Name, r.Name)
		}
		if _, clash := m.fieldsByName[r.Name]; clash {
			return Errorf("model %q: relation %q collides with a field", m.Name, r.Name)
		}
		m.relationsByName[r.Name] = r
	}
	return nil
}

// Registry collects model definitions and is the single source of truth for
// every other component. Construct explicitly and pass it around; isolated
// instances can coexist.
type Registry struct {
	models    map[string]*Model
	order     []string
	finalized bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: map[string]*Model{}}
}

// Register adds a model definition. Relation targets may reference models
// that are not registered yet; they are resolved by Finalize.
func (r *Registry) Register(m *Model) error {
	if r.finalized {
		return Errorf("registry is finalized")
	}
	if err := validName(m.Name); err != nil {
		return Errorf("model name %q: %v", m.Name, err)
	}
	if _, dup := r.models[m.Name]; dup {
		return Errorf("model %q already registered", m.Name)
	}
	for i := range m.Fields {
		f := &m.Fields[i]
		if err := validName(f.Name); err != nil {
			return Errorf("model %q: field name %q: %v", m.Name, f.Name, err)
		}
		if !scalarTypes[f.Type] {
			if f.Type == FieldReference {
				return Errorf("model %q: field %q: declare references as relations", m.Name, f.Name)
			}
			return Errorf("model %q: field %q: unknown type %q", m.Name, f.Name, f.Type)
		}
	}
	for i := range m.Relations {
		rel := &m.Relations[i]
		if err := validName(rel.Name); err != nil {
			return Errorf("model %q: relation name %q: %v", m.Name, rel.Name, err)
		}
		if rel.Kind != ToOne && rel.Kind != ToMany {
			return Errorf("model %q: relation %q: unknown kind %q", m.Name, rel.Name, rel.Kind)
		}
		switch rel.OnDelete {
		case "":
			rel.OnDelete = DeleteDetach
		case DeleteDetach:
		case DeleteCascade:
			if rel.Kind != ToOne {
				return Errorf("model %q: relation %q: cascade requires to-one", m.Name, rel.Name)
			}
		default:
			return Errorf("model %q: relation %q: unknown on_delete %q", m.Name, rel.Name, rel.OnDelete)
		}
	}
	if err := m.buildLookups(); err != nil {
		return err
	}
	r.models[m.Name] = m
	r.order = append(r.order, m.Name)
	return nil
}

// Finalize resolves every relation target and materializes declared inverse
// relations on the target models. The registry is immutable afterwards.
func (r *Registry) Finalize() error {
	if r.finalized {
		return Errorf("registry already finalized")
	}
	// Pass 1: all targets must resolve.
	for _, name := range r.order {
		m := r.models[name]
		for i := range m.Relations {
			rel := &m.Relations[i]
			if _, ok := r.models[rel.Target]; !ok {
				return Errorf("model %q: relation %q: unknown target model %q", m.Name, rel.Name, rel.Target)
			}
		}
	}
	// Pass 2: materialize inverses. The inverse of any relation is a
	// to-many set on the target model.
	for _, name := range r.order {
		m := r.models[name]
		for i := range m.Relations {
			rel := &m.Relations[i]
			if rel.Inverse == "" || rel.Derived {
				continue
			}
			target := r.models[rel.Target]
			if existing, ok := target.relationsByName[rel.Inverse]; ok {
				if existing.Derived {
					return Errorf("model %q: inverse %q already claimed by another relation", target.Name, rel.Inverse)
				}
				// Explicitly declared counterpart: it must point back.
				if existing.Target != m.Name || existing.Inverse != rel.Name || existing.Kind != ToMany {
					return Errorf("model %q: relation %q is not a valid inverse of %s.%s", target.Name, rel.Inverse, m.Name, rel.Name)
				}
				continue
			}
			if _, clash := target.fieldsByName[rel.Inverse]; clash {
				return Errorf("model %q: inverse %q collides with a field", target.Name, rel.Inverse)
			}
			inv := Relation{
				Name:    rel.Inverse,
				Kind:    ToMany,
				Target:  m.Name,
				Inverse: rel.Name,
				Derived: true,
			}
			target.Relations = append(target.Relations, inv)
			if err := target.buildLookups(); err != nil {
				return err
			}
		}
	}
	r.finalized = true
	return nil
}

// Get returns the definition for the named model.
func (r *Registry) Get(name string) (*Model, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, Errorf("unknown model %q", name)
	}
	return m, nil
}

// Models returns all models in registration order.
func (r *Registry) Models() []*Model {
	out := make([]*Model, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name])
	}
	return out
}

// Finalized reports whether Finalize has run.
func (r *Registry) Finalized() bool {
	return r.finalized
}

// validName restricts model, field, and relation names to identifiers that
// are safe inside storage keys.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("empty")
	}
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("leading underscore is reserved")
	}
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' {
			continue
		}
		return fmt.Errorf("must match [a-z0-9_]+")
	}
	return nil
}
