// Package errmodel defines the compact error payload used across the
// store, snapshot, and sync layers, and its mapping onto HTTP for the
// collaborator surface.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	// CategoryValidation covers synchronous record validation failures:
	// unregistered types and malformed payloads. They abort one
	// transaction or import and leave the store usable.
	CategoryValidation = "validation"
	// CategoryMigration covers schema version chains that cannot reach
	// the registry's current version. Fatal to the attach or import that
	// hit them, never to already-loaded state.
	CategoryMigration = "migration"
	// CategoryStorage covers durable backend failures. Recoverable: the
	// store degrades to in-memory-only operation.
	CategoryStorage = "storage"
	// CategorySync covers informational sync channel conditions, e.g. a
	// superseded remote diff. Never a hard failure.
	CategorySync = "sync"
	// CategorySystem is the fallback for unexpected internal failures.
	CategorySystem = "system"
)

// Stable codes for the conditions named by the store contract.
const (
	CodeUnknownRecordType   = "unknown_record_type"
	CodeInvalidRecordShape  = "invalid_record_shape"
	CodeNoMigrationPath     = "no_migration_path"
	CodeStorageUnavailable  = "storage_unavailable"
	CodeSyncConflictDropped = "sync_conflict_dropped"
)

// Error is the compact error payload returned by the public API and the
// HTTP surface. It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already an
// *Error it is returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

// UnknownRecordType reports a put or import of a record whose type is
// not registered.
func UnknownRecordType(typeName string) *Error {
	return New(CategoryValidation, CodeUnknownRecordType, "record type is not registered", map[string]any{"type": typeName})
}

// InvalidRecordShape reports a record whose payload, scope, or version
// does not satisfy the registered shape for its type.
func InvalidRecordShape(typeName, id string, cause error) *Error {
	ctx := map[string]any{"type": typeName, "id": id}
	if cause != nil {
		return New(CategoryValidation, CodeInvalidRecordShape, "record does not match its registered shape", ctx, cause)
	}
	return New(CategoryValidation, CodeInvalidRecordShape, "record does not match its registered shape", ctx)
}

// NoMigrationPath reports a stored version with no registered chain to
// the current version.
func NoMigrationPath(typeName string, from, current int) *Error {
	return New(CategoryMigration, CodeNoMigrationPath, "no migration path to current version",
		map[string]any{"type": typeName, "from": from, "current": current})
}

// StorageUnavailable reports an inaccessible durable backend.
func StorageUnavailable(op string, cause error) *Error {
	return New(CategoryStorage, CodeStorageUnavailable, "durable storage unavailable", map[string]any{"op": op}, cause)
}

// SyncConflictDropped reports a superseded remote diff. Informational.
func SyncConflictDropped(origin string, seq uint64) *Error {
	return New(CategorySync, CodeSyncConflictDropped, "remote diff superseded and dropped",
		map[string]any{"origin": origin, "seq": seq})
}

// Validation constructs a validation error with a custom code.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

// System wraps an unexpected internal failure.
func System(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategorySystem, code, message, ctx, cause)
	}
	return New(CategorySystem, code, message, ctx)
}

// HasCode reports whether err (or any wrapped *Error) carries the code.
func HasCode(err error, code string) bool {
	ce := From(err)
	return ce != nil && ce.Code == code
}

// IsUnknownRecordType reports the unknown-record-type condition.
func IsUnknownRecordType(err error) bool { return HasCode(err, CodeUnknownRecordType) }

// IsInvalidRecordShape reports the invalid-record-shape condition.
func IsInvalidRecordShape(err error) bool { return HasCode(err, CodeInvalidRecordShape) }

// IsNoMigrationPath reports the no-migration-path condition.
func IsNoMigrationPath(err error) bool { return HasCode(err, CodeNoMigrationPath) }

// IsStorageUnavailable reports the storage-unavailable condition.
func IsStorageUnavailable(err error) bool { return HasCode(err, CodeStorageUnavailable) }

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// HTTPStatus maps category/code to an HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		switch e.Code {
		case "not_found":
			return http.StatusNotFound
		default:
			return http.StatusBadRequest
		}
	case CategoryMigration:
		return http.StatusConflict
	case CategoryStorage:
		return http.StatusServiceUnavailable
	case CategorySync:
		// informational; surfaces only in status payloads
		return http.StatusOK
	case CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer,
// including the trace_id when one is present in the request context.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 256 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}
