// Package schema holds per-entity record rules loaded from YAML. Rules are opaque
// configuration: the orchestrator only checks types, presence and the record key.
package schema

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultRules []byte

var ErrInvalidRecord = errors.New("invalid record")

type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeDate   FieldType = "date"
)

type Field struct {
	Type      FieldType `yaml:"type"`
	Required  bool      `yaml:"required"`
	MaxLength int       `yaml:"max_length"`
}

// Entity describes one target entity type.
type Entity struct {
	Name     string           `yaml:"-"`
	Key      string           `yaml:"key"`
	Template string           `yaml:"template"`
	Strict   bool             `yaml:"strict"`
	Fields   map[string]Field `yaml:"fields"`
}

type Registry struct {
	entities map[string]*Entity
}

type file struct {
	Entities map[string]*Entity `yaml:"entities"`
}

// Load reads rules from path, falling back to the built-in rules when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in registry.
func Default() *Registry {
	r, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("built-in schema: %v", err))
	}
	return r
}

func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if len(f.Entities) == 0 {
		return nil, errors.New("parse schema: no entities defined")
	}
	reg := &Registry{entities: make(map[string]*Entity, len(f.Entities))}
	for name, e := range f.Entities {
		if e == nil {
			return nil, fmt.Errorf("entity %q: empty definition", name)
		}
		e.Name = strings.ToLower(name)
		if e.Key == "" {
			return nil, fmt.Errorf("entity %q: key is required", name)
		}
		if _, ok := e.Fields[e.Key]; !ok {
			return nil, fmt.Errorf("entity %q: key field %q is not declared", name, e.Key)
		}
		for fname, fld := range e.Fields {
			switch fld.Type {
			case "":
				fld.Type = TypeString
				e.Fields[fname] = fld
			case TypeString, TypeInt, TypeFloat, TypeBool, TypeDate:
			default:
				return nil, fmt.Errorf("entity %q field %q: unknown type %q", name, fname, fld.Type)
			}
		}
		reg.entities[e.Name] = e
	}
	return reg, nil
}

// Entity looks up an entity by case-insensitive name.
func (r *Registry) Entity(name string) (*Entity, bool) {
	e, ok := r.entities[strings.ToLower(strings.TrimSpace(name))]
	return e, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entities))
	for n := range r.entities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RequiredColumns lists the fields a delimited header must contain.
func (e *Entity) RequiredColumns() []string {
	var cols []string
	for name, f := range e.Fields {
		if f.Required {
			cols = append(cols, name)
		}
	}
	sort.Strings(cols)
	return cols
}

// Validate checks a parsed record and returns its key and normalized JSON payload.
func (e *Entity) Validate(fields map[string]any) (string, json.RawMessage, error) {
	out := make(map[string]any, len(fields))
	for name, raw := range fields {
		f, declared := e.Fields[name]
		if !declared {
			if e.Strict {
				return "", nil, fmt.Errorf("%w: unknown field %q", ErrInvalidRecord, name)
			}
			out[name] = raw
			continue
		}
		v, err := coerce(f, raw)
		if err != nil {
			return "", nil, fmt.Errorf("%w: field %q: %v", ErrInvalidRecord, name, err)
		}
		if v != nil {
			out[name] = v
		}
	}
	for name, f := range e.Fields {
		if _, ok := out[name]; f.Required && !ok {
			return "", nil, fmt.Errorf("%w: missing required field %q", ErrInvalidRecord, name)
		}
	}

	key := fmt.Sprint(out[e.Key])
	payload, err := json.Marshal(out)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return key, payload, nil
}

// coerce converts a raw value to the field type. Empty values become nil.
func coerce(f Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	s, isString := raw.(string)
	if isString {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
	}

	switch f.Type {
	case TypeString:
		if !isString {
			s = fmt.Sprint(raw)
		}
		if f.MaxLength > 0 && len([]rune(s)) > f.MaxLength {
			return nil, fmt.Errorf("longer than %d characters", f.MaxLength)
		}
		return s, nil
	case TypeInt:
		n, err := strconv.ParseInt(numberText(raw, s, isString), 10, 64)
		if err != nil {
			return nil, errors.New("not an integer")
		}
		return n, nil
	case TypeFloat:
		n, err := strconv.ParseFloat(numberText(raw, s, isString), 64)
		if err != nil {
			return nil, errors.New("not a number")
		}
		return n, nil
	case TypeBool:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
		b, err := strconv.ParseBool(strings.ToLower(s))
		if err != nil {
			return nil, errors.New("not a boolean")
		}
		return b, nil
	case TypeDate:
		if !isString {
			return nil, errors.New("not a date")
		}
		d, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return nil, errors.New("not a YYYY-MM-DD date")
		}
		return d.Format(time.DateOnly), nil
	}
	return nil, fmt.Errorf("unsupported type %q", f.Type)
}

func numberText(raw any, s string, isString bool) string {
	if isString {
		return s
	}
	if n, ok := raw.(json.Number); ok {
		return n.String()
	}
	return fmt.Sprint(raw)
}
