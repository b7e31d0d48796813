package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tautly/eventgrid/event"
)

// Registry manages schema versions per subject and enforces the subject's
// compatibility level on registration. Construct one per process; there is no
// package-level instance.
type Registry struct {
	store        Store
	defaultLevel CompatibilityLevel
}

// RegistryOption configures a new Registry.
type RegistryOption func(*Registry)

// WithDefaultCompatibility sets the level used for subjects registered
// without an explicit one. The default is backward.
func WithDefaultCompatibility(level CompatibilityLevel) RegistryOption {
	return func(r *Registry) {
		if level.IsValid() {
			r.defaultLevel = level
		}
	}
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, defaultLevel: CompatibilityBackward}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterOption configures one registration call.
type RegisterOption func(*registerParams)

type registerParams struct {
	tenantID    string
	level       CompatibilityLevel
	createdBy   string
	description string
}

// ForTenant scopes the subject to a tenant.
func ForTenant(tenantID string) RegisterOption {
	return func(p *registerParams) { p.tenantID = tenantID }
}

// WithCompatibility sets the compatibility level for a new subject. It is
// ignored when the subject already exists.
func WithCompatibility(level CompatibilityLevel) RegisterOption {
	return func(p *registerParams) { p.level = level }
}

// WithCreator records who registered the version.
func WithCreator(createdBy string) RegisterOption {
	return func(p *registerParams) { p.createdBy = createdBy }
}

// WithDescription attaches a free-form description to the version.
func WithDescription(description string) RegisterOption {
	return func(p *registerParams) { p.description = description }
}

// Register stores a new schema version for a subject. Registration is
// idempotent by content: a definition byte-identical to an already registered
// version returns that version with Created false. A new version must satisfy
// the subject's compatibility level against the latest version; any internal
// failure of that check rejects the registration.
func (r *Registry) Register(ctx context.Context, subject string, definition json.RawMessage, opts ...RegisterOption) (RegisterResult, error) {
	if subject == "" {
		return RegisterResult{}, fmt.Errorf("schema subject is required")
	}
	if !json.Valid(definition) {
		return RegisterResult{}, fmt.Errorf("schema definition for subject %q is not valid JSON", subject)
	}

	params := registerParams{}
	for _, opt := range opts {
		opt(&params)
	}
	if params.level == "" {
		params.level = r.defaultLevel
	}
	if !params.level.IsValid() {
		return RegisterResult{}, fmt.Errorf("unknown compatibility level %q", params.level)
	}

	checksum := Checksum(definition)

	sub, err := r.store.Subject(ctx, subject, params.tenantID)
	if err != nil && !errors.Is(err, ErrSubjectNotFound) {
		return RegisterResult{}, fmt.Errorf("failed to load subject %q: %w", subject, err)
	}

	nextVersion := 1
	level := params.level
	if sub != nil {
		level = sub.Compatibility
		for _, existing := range sub.Versions {
			if existing.Checksum == checksum {
				return RegisterResult{
					Subject:  subject,
					Version:  existing.Version,
					Checksum: checksum,
					Created:  false,
				}, nil
			}
		}
		if latest := sub.Latest(); latest != nil {
			nextVersion = latest.Version + 1

			violations, checkErr := CheckCompatibility(level, latest.Definition, definition)
			if checkErr != nil {
				// The check could not run; reject rather than accept an
				// unverified schema.
				return RegisterResult{}, fmt.Errorf("compatibility check failed for subject %q: %w", subject, checkErr)
			}
			if len(violations) > 0 {
				return RegisterResult{}, &IncompatibleError{Subject: subject, Level: level, Violations: violations}
			}
		}
	}

	v := &Version{
		Subject:     subject,
		TenantID:    params.tenantID,
		Version:     nextVersion,
		Definition:  definition,
		Checksum:    checksum,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   params.createdBy,
		Description: params.description,
	}
	if err := r.store.SaveVersion(ctx, v, level); err != nil {
		return RegisterResult{}, fmt.Errorf("failed to save schema version for subject %q: %w", subject, err)
	}

	slog.InfoContext(ctx, "Registered schema version",
		"subject", subject, "version", nextVersion, "compatibility", level)
	return RegisterResult{Subject: subject, Version: nextVersion, Checksum: checksum, Created: true}, nil
}

// Subject returns a subject with all its versions.
func (r *Registry) Subject(ctx context.Context, subject, tenantID string) (*SubjectSchema, error) {
	return r.store.Subject(ctx, subject, tenantID)
}

// Version returns one specific version of a subject.
func (r *Registry) Version(ctx context.Context, subject, tenantID string, version int) (*Version, error) {
	sub, err := r.store.Subject(ctx, subject, tenantID)
	if err != nil {
		return nil, err
	}
	for _, v := range sub.Versions {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, subject, version)
}

// ValidationResult reports the outcome of validating an event payload.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateOption configures one validation call.
type ValidateOption func(*validateParams)

type validateParams struct {
	tenantID string
	version  int
}

// ValidateForTenant validates against a tenant-scoped subject.
func ValidateForTenant(tenantID string) ValidateOption {
	return func(p *validateParams) { p.tenantID = tenantID }
}

// AgainstVersion validates against a specific version instead of the latest.
func AgainstVersion(version int) ValidateOption {
	return func(p *validateParams) { p.version = version }
}

// ValidateEvent checks a record's payload against the registered schema for
// its event type. Validation is structural and best effort: the top-level
// type, required-field presence, and primitive field types are checked.
func (r *Registry) ValidateEvent(ctx context.Context, rec *event.Record, opts ...ValidateOption) (ValidationResult, error) {
	if rec == nil {
		return ValidationResult{}, fmt.Errorf("event record is required")
	}

	params := validateParams{}
	for _, opt := range opts {
		opt(&params)
	}

	var version *Version
	var err error
	if params.version > 0 {
		version, err = r.Version(ctx, rec.EventType, params.tenantID, params.version)
	} else {
		var sub *SubjectSchema
		sub, err = r.store.Subject(ctx, rec.EventType, params.tenantID)
		if err == nil {
			version = sub.Latest()
		}
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("failed to load schema for event type %q: %w", rec.EventType, err)
	}

	def, err := parseDefinition(version.Definition)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("stored schema for %q v%d is unusable: %w",
			rec.EventType, version.Version, err)
	}

	violations := validatePayload(def, rec.Data)
	return ValidationResult{Valid: len(violations) == 0, Errors: violations}, nil
}

func validatePayload(def *definition, data json.RawMessage) []string {
	var violations []string

	if def.Type != "" && def.Type != "object" {
		if !jsonTypeMatches(def.Type, data) {
			violations = append(violations, fmt.Sprintf("payload is not of type %s", def.Type))
		}
		return violations
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return []string{"payload is not a JSON object"}
	}

	for _, name := range def.Required {
		if _, ok := fields[name]; !ok {
			violations = append(violations, fmt.Sprintf("missing required field %s", name))
		}
	}

	for name, prop := range def.Properties {
		raw, ok := fields[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !jsonTypeMatches(prop.Type, raw) {
			violations = append(violations, fmt.Sprintf("field %s is not of type %s", name, prop.Type))
		}
	}

	return violations
}

// jsonTypeMatches checks a raw JSON value against a schema primitive type.
func jsonTypeMatches(schemaType string, raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch schemaType {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "null":
		return v == nil
	}
	return true
}
