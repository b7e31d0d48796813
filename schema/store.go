package schema

import (
	"context"
	"fmt"
	"sync"
)

// ErrSubjectNotFound is returned when a subject has no registered versions.
var ErrSubjectNotFound = fmt.Errorf("schema subject not found")

// ErrVersionNotFound is returned when a specific version does not exist.
var ErrVersionNotFound = fmt.Errorf("schema version not found")

// Store defines the persistence contract for registered schema versions.
type Store interface {
	// Subject loads a subject with all its versions, ordered ascending.
	// Returns ErrSubjectNotFound when nothing is registered.
	Subject(ctx context.Context, subject, tenantID string) (*SubjectSchema, error)

	// SaveVersion appends a new version to a subject. Concurrent saves of
	// the same checksum must converge on a single stored version.
	SaveVersion(ctx context.Context, v *Version, level CompatibilityLevel) error

	// SetCompatibility updates the subject's compatibility level.
	SetCompatibility(ctx context.Context, subject, tenantID string, level CompatibilityLevel) error
}

type subjectKey struct {
	subject string
	tenant  string
}

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu       sync.RWMutex
	subjects map[subjectKey]*SubjectSchema
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subjects: make(map[subjectKey]*SubjectSchema)}
}

func (s *MemoryStore) Subject(_ context.Context, subject, tenantID string) (*SubjectSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subjects[subjectKey{subject, tenantID}]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSubjectNotFound, subject)
	}

	clone := &SubjectSchema{
		Subject:       sub.Subject,
		TenantID:      sub.TenantID,
		Compatibility: sub.Compatibility,
		Versions:      make([]*Version, len(sub.Versions)),
	}
	copy(clone.Versions, sub.Versions)
	return clone, nil
}

func (s *MemoryStore) SaveVersion(_ context.Context, v *Version, level CompatibilityLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subjectKey{v.Subject, v.TenantID}
	sub, ok := s.subjects[key]
	if !ok {
		sub = &SubjectSchema{Subject: v.Subject, TenantID: v.TenantID, Compatibility: level}
		s.subjects[key] = sub
	}

	// A concurrent registration of the same content already won.
	for _, existing := range sub.Versions {
		if existing.Checksum == v.Checksum {
			return nil
		}
	}
	if v.Version != len(sub.Versions)+1 {
		return fmt.Errorf("version conflict for subject %q: expected %d, got %d",
			v.Subject, len(sub.Versions)+1, v.Version)
	}
	sub.Versions = append(sub.Versions, v)
	return nil
}

func (s *MemoryStore) SetCompatibility(_ context.Context, subject, tenantID string, level CompatibilityLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subjectKey{subject, tenantID}
	sub, ok := s.subjects[key]
	if !ok {
		s.subjects[key] = &SubjectSchema{Subject: subject, TenantID: tenantID, Compatibility: level}
		return nil
	}
	sub.Compatibility = level
	return nil
}
