// Package schema keeps the catalog of record types: the scope each type
// lives in, the current payload version, the JSON shape payloads must
// satisfy, and the ordered migration chain that lifts older stored
// versions to the current one.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/inkwell/inkstore/pkg/errmodel"
	"github.com/inkwell/inkstore/pkg/record"
)

// Migration lifts a record of one type from version ToVersion-1 to
// ToVersion. Apply receives a private copy and may modify it in place,
// but it must not change the record's ID, Type, or Scope, and it must
// not do I/O.
type Migration struct {
	ToVersion int
	Apply     func(record.Record) (record.Record, error)
}

// TypeSpec declares one record type.
//
// Shape is an optional JSON Schema (draft 2020-12) for the payload at
// CurrentVersion; empty means any JSON object is accepted. Migrations
// must form a contiguous chain ending at CurrentVersion: the chain
// {ToVersion: 2}, {ToVersion: 3} for CurrentVersion 3 accepts stored
// versions 1 through 3.
type TypeSpec struct {
	Name           string
	Scope          record.Scope
	CurrentVersion int
	Shape          []byte
	Migrations     []Migration
}

// MinVersion returns the oldest stored version the chain can lift.
func (s TypeSpec) MinVersion() int {
	return s.CurrentVersion - len(s.Migrations)
}

type registeredType struct {
	spec     TypeSpec
	compiled *jsonschema.Schema
}

// Registry is the schema catalog shared by a store, its snapshot codec,
// and its sync peers. Registration normally happens once at startup;
// all methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*registeredType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*registeredType)}
}

// RegisterType adds a record type to the registry.
func (r *Registry) RegisterType(spec TypeSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("schema: type name is empty")
	}
	if !spec.Scope.Storable() {
		return fmt.Errorf("schema: type %q has non-storable scope %q", spec.Name, spec.Scope)
	}
	if spec.CurrentVersion < 1 {
		return fmt.Errorf("schema: type %q current version must be >= 1, got %d", spec.Name, spec.CurrentVersion)
	}
	want := spec.MinVersion() + 1
	for i, m := range spec.Migrations {
		if m.Apply == nil {
			return fmt.Errorf("schema: type %q migration %d has nil Apply", spec.Name, i)
		}
		if m.ToVersion != want {
			return fmt.Errorf("schema: type %q migrations must be contiguous: step %d targets version %d, want %d",
				spec.Name, i, m.ToVersion, want)
		}
		want++
	}
	if spec.MinVersion() < 1 {
		return fmt.Errorf("schema: type %q migration chain reaches below version 1", spec.Name)
	}

	var compiled *jsonschema.Schema
	if len(spec.Shape) > 0 {
		sch, err := compileShape(spec.Name, spec.Shape)
		if err != nil {
			return fmt.Errorf("schema: type %q shape: %w", spec.Name, err)
		}
		compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[spec.Name]; exists {
		return fmt.Errorf("schema: type %q already registered", spec.Name)
	}
	r.types[spec.Name] = &registeredType{spec: spec, compiled: compiled}
	return nil
}

// Lookup returns the spec for a registered type.
func (r *Registry) Lookup(name string) (TypeSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.types[name]
	if !ok {
		return TypeSpec{}, false
	}
	return rt.spec, true
}

// Has reports whether the type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// TypeNames returns the registered type names, unordered.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	return out
}

// ValidateRecord checks a record against its registration: the type must
// be known, the scope must match the declared scope, the version must be
// the current version, and the payload must satisfy the declared shape.
// Violations surface as UnknownRecordType or InvalidRecordShape.
func (r *Registry) ValidateRecord(rec record.Record) error {
	r.mu.RLock()
	rt, ok := r.types[rec.Type]
	r.mu.RUnlock()
	if !ok {
		return errmodel.UnknownRecordType(rec.Type)
	}
	if rec.ID == "" {
		return errmodel.InvalidRecordShape(rec.Type, rec.ID, fmt.Errorf("record id is empty"))
	}
	if rec.Scope != rt.spec.Scope {
		return errmodel.InvalidRecordShape(rec.Type, rec.ID,
			fmt.Errorf("scope %q does not match registered scope %q", rec.Scope, rt.spec.Scope))
	}
	if rec.Version != rt.spec.CurrentVersion {
		return errmodel.InvalidRecordShape(rec.Type, rec.ID,
			fmt.Errorf("version %d is not the current version %d", rec.Version, rt.spec.CurrentVersion))
	}
	if rt.compiled != nil {
		if err := validatePayload(rt.compiled, rec.Payload); err != nil {
			return errmodel.InvalidRecordShape(rec.Type, rec.ID, err)
		}
	}
	return nil
}

// Migrate lifts a record from its stored version to the type's current
// version, applying migration steps strictly in increasing version
// order. Records already at the current version are validated and
// returned unchanged. A stored version outside the chain's window fails
// with NoMigrationPath.
func (r *Registry) Migrate(rec record.Record) (record.Record, error) {
	r.mu.RLock()
	rt, ok := r.types[rec.Type]
	r.mu.RUnlock()
	if !ok {
		return record.Record{}, errmodel.UnknownRecordType(rec.Type)
	}
	spec := rt.spec

	if rec.Version == spec.CurrentVersion {
		if err := r.ValidateRecord(rec); err != nil {
			return record.Record{}, err
		}
		return rec, nil
	}
	if rec.Version > spec.CurrentVersion || rec.Version < spec.MinVersion() {
		return record.Record{}, errmodel.NoMigrationPath(rec.Type, rec.Version, spec.CurrentVersion)
	}

	out := rec.Clone()
	for _, step := range spec.Migrations {
		if step.ToVersion <= out.Version {
			continue
		}
		next, err := step.Apply(out)
		if err != nil {
			return record.Record{}, errmodel.New(errmodel.CategoryMigration, errmodel.CodeNoMigrationPath,
				"migration step failed", map[string]any{"type": rec.Type, "to": step.ToVersion}, err)
		}
		if next.ID != out.ID || next.Type != out.Type || next.Scope != out.Scope {
			return record.Record{}, errmodel.System("migration_identity",
				"migration step changed record identity",
				map[string]any{"type": rec.Type, "to": step.ToVersion}, nil)
		}
		next.Version = step.ToVersion
		out = next
	}

	if err := r.ValidateRecord(out); err != nil {
		return record.Record{}, err
	}
	return out, nil
}

func compileShape(name string, shape []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(shape, &doc); err != nil {
		return nil, err
	}
	url := "mem://types/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validatePayload round-trips the payload through JSON so numeric kinds
// normalize the way the validator expects.
func validatePayload(sch *jsonschema.Schema, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}
