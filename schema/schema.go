// Package schema implements a versioned schema registry with compatibility
// checking between consecutive schema versions of a subject.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// CompatibilityLevel is the contract a new schema version must satisfy
// relative to the previous version of its subject.
type CompatibilityLevel string

const (
	// CompatibilityNone skips all checks.
	CompatibilityNone CompatibilityLevel = "none"
	// CompatibilityBackward requires the new schema to read old data.
	CompatibilityBackward CompatibilityLevel = "backward"
	// CompatibilityForward requires the old schema to read new data.
	CompatibilityForward CompatibilityLevel = "forward"
	// CompatibilityFull requires both directions.
	CompatibilityFull CompatibilityLevel = "full"
)

// IsValid reports whether the level is one of the known values.
func (l CompatibilityLevel) IsValid() bool {
	switch l {
	case CompatibilityNone, CompatibilityBackward, CompatibilityForward, CompatibilityFull:
		return true
	}
	return false
}

// Version is one immutable registered schema version of a subject.
type Version struct {
	Subject     string          `json:"subject"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Version     int             `json:"version"`
	Definition  json.RawMessage `json:"definition"`
	Checksum    string          `json:"checksum"`
	CreatedAt   time.Time       `json:"created_at"`
	CreatedBy   string          `json:"created_by,omitempty"`
	Description string          `json:"description,omitempty"`
}

// SubjectSchema aggregates the versions of one subject (optionally scoped to
// a tenant) together with its configured compatibility level.
type SubjectSchema struct {
	Subject       string             `json:"subject"`
	TenantID      string             `json:"tenant_id,omitempty"`
	Compatibility CompatibilityLevel `json:"compatibility"`
	Versions      []*Version         `json:"versions"`
}

// Latest returns the highest registered version, or nil when none exist.
func (s *SubjectSchema) Latest() *Version {
	if s == nil || len(s.Versions) == 0 {
		return nil
	}
	return s.Versions[len(s.Versions)-1]
}

// Checksum computes the content fingerprint used for idempotent registration.
// Byte-identical definitions always produce the same checksum.
func Checksum(definition json.RawMessage) string {
	sum := sha256.Sum256(definition)
	return hex.EncodeToString(sum[:])
}

// RegisterResult reports the outcome of a registration call. Created is false
// when the definition matched an already registered version.
type RegisterResult struct {
	Subject  string `json:"subject"`
	Version  int    `json:"version"`
	Checksum string `json:"checksum"`
	Created  bool   `json:"created"`
}

// IncompatibleError is returned when a new schema version violates the
// subject's compatibility level. It lists every violated rule.
type IncompatibleError struct {
	Subject    string
	Level      CompatibilityLevel
	Violations []string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("schema for subject %q violates %s compatibility: %v",
		e.Subject, e.Level, e.Violations)
}
