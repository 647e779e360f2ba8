package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FieldType is the coerced type of a column.
type FieldType string

const (
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeString FieldType = "string"
	TypeDate   FieldType = "date"
)

// Schema declares the columns of one source entity.
type Schema struct {
	Entity string  `yaml:"entity"`
	Key    string  `yaml:"key"`
	Fields []Field `yaml:"fields"`
}

// Field is one column and its constraints. Rules is a validator tag
// evaluated on the coerced value during business validation.
type Field struct {
	Name      string    `yaml:"name"`
	Type      FieldType `yaml:"type"`
	Nullable  bool      `yaml:"nullable,omitempty"`
	Rules     string    `yaml:"rules,omitempty"`
	NotFuture bool      `yaml:"not_future,omitempty"`
	Unique    bool      `yaml:"unique,omitempty"`
}

// Entity names of the built-in sources.
const (
	EntityClients = "clients"
	EntityAchats  = "achats"
)

// Clients is the built-in customer schema.
func Clients() *Schema {
	return &Schema{
		Entity: EntityClients,
		Key:    "id_client",
		Fields: []Field{
			{Name: "id_client", Type: TypeInt, Rules: "gt=0", Unique: true},
			{Name: "nom", Type: TypeString, Rules: "min=1"},
			{Name: "email", Type: TypeString, Rules: "email"},
			{Name: "date_inscription", Type: TypeDate, NotFuture: true},
			{Name: "pays", Type: TypeString, Rules: "min=1"},
		},
	}
}

// Achats is the built-in purchase schema.
func Achats() *Schema {
	return &Schema{
		Entity: EntityAchats,
		Key:    "id_achat",
		Fields: []Field{
			{Name: "id_achat", Type: TypeInt, Rules: "gt=0", Unique: true},
			{Name: "id_client", Type: TypeInt, Rules: "gt=0"},
			{Name: "date_achat", Type: TypeDate, NotFuture: true},
			{Name: "montant", Type: TypeFloat, Rules: "gt=0,lte=1000000000"},
			{Name: "produit", Type: TypeString, Rules: "min=1"},
		},
	}
}

// Builtin returns the built-in schema for an entity.
func Builtin(entity string) (*Schema, error) {
	switch entity {
	case EntityClients:
		return Clients(), nil
	case EntityAchats:
		return Achats(), nil
	default:
		return nil, fmt.Errorf("no built-in schema for entity %q", entity)
	}
}

// Resolve returns <dir>/<entity>.yaml when it exists and the built-in
// schema otherwise.
func Resolve(dir, entity string) (*Schema, error) {
	if dir != "" {
		path := filepath.Join(dir, entity+".yaml")
		if _, err := os.Stat(path); err == nil {
			return LoadYAML(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking schema file: %w", err)
		}
	}
	return Builtin(entity)
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Check reports declaration errors in a loaded schema.
func (s *Schema) Check() error {
	if s.Entity == "" {
		return fmt.Errorf("schema has no entity name")
	}
	if _, ok := s.Field(s.Key); !ok {
		return fmt.Errorf("schema %s: key column %q is not declared", s.Entity, s.Key)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if seen[f.Name] {
			return fmt.Errorf("schema %s: column %q declared twice", s.Entity, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case TypeInt, TypeFloat, TypeString, TypeDate:
		default:
			return fmt.Errorf("schema %s: column %q has unknown type %q", s.Entity, f.Name, f.Type)
		}
	}
	return nil
}

// LoadYAML reads a schema from a YAML file.
func LoadYAML(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	s := &Schema{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	if err := NewValidator(time.Time{}).CheckRules(s); err != nil {
		return nil, fmt.Errorf("schema %s: %w", s.Entity, err)
	}
	return s, nil
}

// WriteYAML writes the schema to a YAML file at the given path.
func (s *Schema) WriteYAML(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling schema: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Summary returns a human-readable summary of the schema.
func (s *Schema) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (key %s, %d columns)\n", s.Entity, s.Key, len(s.Fields))
	for _, f := range s.Fields {
		var flags []string
		if f.Nullable {
			flags = append(flags, "nullable")
		}
		if f.Unique {
			flags = append(flags, "unique")
		}
		if f.NotFuture {
			flags = append(flags, "not_future")
		}
		if f.Rules != "" {
			flags = append(flags, f.Rules)
		}
		fmt.Fprintf(&b, "  %-18s %-6s %s\n", f.Name, f.Type, strings.Join(flags, ","))
	}
	return b.String()
}
