package store

import (
	"context"
	"fmt"
	"sync"

	"marketmigration/pkg/models"
)

// MemoryStore is an in-process DestinationStore used for dry-run target
// validation and tests. Tables must be created up front with CreateTable,
// mirroring the "expected destinations exist" check against a real store.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]models.Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(tables ...string) *MemoryStore {
	s := &MemoryStore{tables: make(map[string]map[string]models.Record)}
	for _, t := range tables {
		s.tables[t] = make(map[string]models.Record)
	}
	return s
}

// CreateTable adds a destination table
func (s *MemoryStore) CreateTable(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		s.tables[table] = make(map[string]models.Record)
	}
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// TableExists reports whether the table was created
func (s *MemoryStore) TableExists(ctx context.Context, table string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[table]
	return ok, nil
}

// Exists reports whether a record with the natural key is present
func (s *MemoryStore) Exists(ctx context.Context, table, naturalKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.tables[table]
	if !ok {
		return false, fmt.Errorf("table %s does not exist", table)
	}
	_, found := rows[naturalKey]
	return found, nil
}

// InsertOne persists a single record
func (s *MemoryStore) InsertOne(ctx context.Context, table, naturalKey string, record models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("table %s does not exist", table)
	}
	rows[naturalKey] = record
	return nil
}

// Count returns the number of records in the table
func (s *MemoryStore) Count(ctx context.Context, table string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.tables[table]
	if !ok {
		return 0, fmt.Errorf("table %s does not exist", table)
	}
	return int64(len(rows)), nil
}

// Delete removes the record with the given natural key
func (s *MemoryStore) Delete(ctx context.Context, table, naturalKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("table %s does not exist", table)
	}
	delete(rows, naturalKey)
	return nil
}
