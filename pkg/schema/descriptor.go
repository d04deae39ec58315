package schema

import (
	"sort"

	"github.com/inkwell/inkstore/pkg/errmodel"
)

// DescriptorFormat is the serialization version of Descriptor itself.
const DescriptorFormat = 1

// TypeVersions is the version window of one type: Current is the
// version live records carry, Min the oldest stored version the
// migration chain can still lift.
type TypeVersions struct {
	Current int `json:"current"`
	Min     int `json:"min"`
}

// Descriptor is the portable summary of a registry at a point in time.
// Snapshots and durable sync entries embed it so a loading instance can
// detect incompatible data before touching individual records.
type Descriptor struct {
	Format int                     `json:"format"`
	Types  map[string]TypeVersions `json:"types"`
}

// Descriptor captures the registry's current version windows.
func (r *Registry) Descriptor() Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := Descriptor{Format: DescriptorFormat, Types: make(map[string]TypeVersions, len(r.types))}
	for name, rt := range r.types {
		d.Types[name] = TypeVersions{Current: rt.spec.CurrentVersion, Min: rt.spec.MinVersion()}
	}
	return d
}

// CheckDescriptor verifies that data written under descriptor d can be
// loaded through this registry: every type the registries share must
// have been written at a version inside the local migration window.
// Types d names that are not registered locally are ignored here; their
// records fail individually at import time.
func (r *Registry) CheckDescriptor(d Descriptor) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Deterministic iteration keeps error messages stable.
	names := make([]string, 0, len(d.Types))
	for name := range d.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rt, ok := r.types[name]
		if !ok {
			continue
		}
		theirs := d.Types[name]
		if theirs.Current > rt.spec.CurrentVersion || theirs.Current < rt.spec.MinVersion() {
			return errmodel.NoMigrationPath(name, theirs.Current, rt.spec.CurrentVersion)
		}
	}
	return nil
}
