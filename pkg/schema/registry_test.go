package schema

import (
	"strings"
	"testing"

	"github.com/inkwell/inkstore/pkg/errmodel"
	"github.com/inkwell/inkstore/pkg/record"
)

// geoSpec returns a three-version type whose payload grew a "h" field in
// v2 and renamed "lbl" to "label" in v3.
func geoSpec() TypeSpec {
	return TypeSpec{
		Name:           "geo",
		Scope:          record.ScopeDocument,
		CurrentVersion: 3,
		Migrations: []Migration{
			{ToVersion: 2, Apply: func(r record.Record) (record.Record, error) {
				out := r.Clone()
				if out.Payload == nil {
					out.Payload = map[string]any{}
				}
				if _, ok := out.Payload["h"]; !ok {
					out.Payload["h"] = float64(0)
				}
				return out, nil
			}},
			{ToVersion: 3, Apply: func(r record.Record) (record.Record, error) {
				out := r.Clone()
				if v, ok := out.Payload["lbl"]; ok {
					out.Payload["label"] = v
					delete(out.Payload, "lbl")
				}
				return out, nil
			}},
		},
	}
}

func TestRegisterTypeRejectsBadSpecs(t *testing.T) {
	r := NewRegistry()

	if err := r.RegisterType(TypeSpec{Scope: record.ScopeDocument, CurrentVersion: 1}); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := r.RegisterType(TypeSpec{Name: "x", Scope: record.ScopeAll, CurrentVersion: 1}); err == nil {
		t.Fatal("non-storable scope accepted")
	}
	if err := r.RegisterType(TypeSpec{Name: "x", Scope: record.ScopeDocument, CurrentVersion: 0}); err == nil {
		t.Fatal("version 0 accepted")
	}

	gap := TypeSpec{
		Name: "x", Scope: record.ScopeDocument, CurrentVersion: 3,
		Migrations: []Migration{
			{ToVersion: 2, Apply: func(r record.Record) (record.Record, error) { return r, nil }},
		},
	}
	if err := r.RegisterType(gap); err == nil || !strings.Contains(err.Error(), "contiguous") {
		t.Fatalf("gapped chain accepted: %v", err)
	}

	if err := r.RegisterType(geoSpec()); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterType(geoSpec()); err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("duplicate registration accepted: %v", err)
	}
}

func TestValidateRecord(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterType(geoSpec()); err != nil {
		t.Fatal(err)
	}

	ok := record.Record{ID: "shape1", Type: "geo", Scope: record.ScopeDocument, Version: 3,
		Payload: map[string]any{"w": 10, "h": 20}}
	if err := r.ValidateRecord(ok); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	unknown := ok
	unknown.Type = "nope"
	if err := r.ValidateRecord(unknown); !errmodel.IsUnknownRecordType(err) {
		t.Fatalf("want UnknownRecordType, got %v", err)
	}

	wrongScope := ok
	wrongScope.Scope = record.ScopeSession
	if err := r.ValidateRecord(wrongScope); !errmodel.IsInvalidRecordShape(err) {
		t.Fatalf("want InvalidRecordShape for scope mismatch, got %v", err)
	}

	oldVersion := ok
	oldVersion.Version = 2
	if err := r.ValidateRecord(oldVersion); !errmodel.IsInvalidRecordShape(err) {
		t.Fatalf("want InvalidRecordShape for stale version, got %v", err)
	}

	noID := ok
	noID.ID = ""
	if err := r.ValidateRecord(noID); !errmodel.IsInvalidRecordShape(err) {
		t.Fatalf("want InvalidRecordShape for empty id, got %v", err)
	}
}

func TestValidateRecordShape(t *testing.T) {
	r := NewRegistry()
	spec := TypeSpec{
		Name: "camera", Scope: record.ScopeSession, CurrentVersion: 1,
		Shape: []byte(`{"type":"object","properties":{"x":{"type":"number"},"y":{"type":"number"}},"required":["x","y"]}`),
	}
	if err := r.RegisterType(spec); err != nil {
		t.Fatal(err)
	}

	good := record.Record{ID: "cam", Type: "camera", Scope: record.ScopeSession, Version: 1,
		Payload: map[string]any{"x": 1.5, "y": -2}}
	if err := r.ValidateRecord(good); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	bad := good
	bad.Payload = map[string]any{"x": "left"}
	err := r.ValidateRecord(bad)
	if !errmodel.IsInvalidRecordShape(err) {
		t.Fatalf("want InvalidRecordShape, got %v", err)
	}
}

func TestMigrateAppliesChainInOrder(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterType(geoSpec()); err != nil {
		t.Fatal(err)
	}

	stored := record.Record{ID: "shape1", Type: "geo", Scope: record.ScopeDocument, Version: 1,
		Payload: map[string]any{"w": float64(10), "lbl": "box"}}
	got, err := r.Migrate(stored)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 3 {
		t.Fatalf("version=%d want 3", got.Version)
	}
	if got.Payload["h"] != float64(0) {
		t.Fatalf("v2 step not applied: %#v", got.Payload)
	}
	if got.Payload["label"] != "box" {
		t.Fatalf("v3 step not applied: %#v", got.Payload)
	}
	if _, ok := got.Payload["lbl"]; ok {
		t.Fatalf("old field survived migration: %#v", got.Payload)
	}
	// Input must stay untouched.
	if stored.Payload["lbl"] != "box" || stored.Version != 1 {
		t.Fatalf("input mutated: %#v", stored)
	}
}

func TestMigratePartialChain(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterType(geoSpec()); err != nil {
		t.Fatal(err)
	}
	stored := record.Record{ID: "shape2", Type: "geo", Scope: record.ScopeDocument, Version: 2,
		Payload: map[string]any{"w": float64(1), "h": float64(2), "lbl": "old"}}
	got, err := r.Migrate(stored)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 3 || got.Payload["label"] != "old" {
		t.Fatalf("partial chain wrong: %#v", got)
	}
}

func TestMigrateNoPath(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterType(geoSpec()); err != nil {
		t.Fatal(err)
	}

	tooOld := record.Record{ID: "a", Type: "geo", Scope: record.ScopeDocument, Version: 0}
	if _, err := r.Migrate(tooOld); !errmodel.IsNoMigrationPath(err) {
		t.Fatalf("want NoMigrationPath for too-old version, got %v", err)
	}

	tooNew := record.Record{ID: "b", Type: "geo", Scope: record.ScopeDocument, Version: 9}
	if _, err := r.Migrate(tooNew); !errmodel.IsNoMigrationPath(err) {
		t.Fatalf("want NoMigrationPath for newer-than-current version, got %v", err)
	}

	if _, err := r.Migrate(record.Record{ID: "c", Type: "nope", Version: 1}); !errmodel.IsUnknownRecordType(err) {
		t.Fatalf("want UnknownRecordType, got %v", err)
	}
}

func TestDescriptorAndCheck(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterType(geoSpec()); err != nil {
		t.Fatal(err)
	}

	d := r.Descriptor()
	if d.Format != DescriptorFormat {
		t.Fatalf("format=%d", d.Format)
	}
	if tv := d.Types["geo"]; tv.Current != 3 || tv.Min != 1 {
		t.Fatalf("geo versions=%+v", tv)
	}

	if err := r.CheckDescriptor(d); err != nil {
		t.Fatalf("own descriptor rejected: %v", err)
	}

	newer := Descriptor{Format: DescriptorFormat, Types: map[string]TypeVersions{"geo": {Current: 5, Min: 4}}}
	if err := r.CheckDescriptor(newer); !errmodel.IsNoMigrationPath(err) {
		t.Fatalf("want NoMigrationPath for newer writer, got %v", err)
	}

	foreign := Descriptor{Format: DescriptorFormat, Types: map[string]TypeVersions{"sticker": {Current: 1, Min: 1}}}
	if err := r.CheckDescriptor(foreign); err != nil {
		t.Fatalf("unknown types must be ignored: %v", err)
	}
}
