package source

import (
	"context"

	"marketmigration/pkg/models"
)

// MemorySource serves record groups from an in-process buffer. This is the
// transient store the engine drains: the caller hands over the buffered
// trades/candles/snapshots and the engine moves them into the durable store.
type MemorySource struct {
	name   string
	groups []models.RecordGroup
	err    error
}

// NewMemorySource creates a source over the given record groups
func NewMemorySource(name string, groups ...models.RecordGroup) *MemorySource {
	return &MemorySource{name: name, groups: groups}
}

// FailWith makes Count and Groups return the given error, simulating an
// unreachable source.
func (s *MemorySource) FailWith(err error) *MemorySource {
	s.err = err
	return s
}

// Name identifies the source
func (s *MemorySource) Name() string {
	return s.name
}

// Count returns the total number of buffered records
func (s *MemorySource) Count(ctx context.Context) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	var total int64
	for _, g := range s.groups {
		total += int64(len(g.Records))
	}
	return total, nil
}

// Groups returns the buffered record groups
func (s *MemorySource) Groups(ctx context.Context) ([]models.RecordGroup, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.groups, nil
}
