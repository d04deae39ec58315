package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/inkwell/inkstore/pkg/record"
)

// RegisterTypeOf registers a record type whose payload shape is derived
// from the Go struct T instead of a hand-written JSON Schema. Field
// names follow the struct's json tags; fields without omitempty are
// required.
func RegisterTypeOf[T any](r *Registry, name string, scope record.Scope, currentVersion int, migrations ...Migration) error {
	derived, err := jsonschema.For[T](nil)
	if err != nil {
		return fmt.Errorf("schema: derive shape for type %q: %w", name, err)
	}
	shape, err := json.Marshal(derived)
	if err != nil {
		return fmt.Errorf("schema: encode derived shape for type %q: %w", name, err)
	}
	return r.RegisterType(TypeSpec{
		Name:           name,
		Scope:          scope,
		CurrentVersion: currentVersion,
		Shape:          shape,
		Migrations:     migrations,
	})
}
