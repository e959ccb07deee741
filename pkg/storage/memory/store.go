// Package memory provides an in-process RecordStore.
//
// It backs tests, the CLI's dry runs and single-process deployments that do
// not need durability. Matching and similarity are computed in Go.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
	"github.com/oceanbase/powermem-substrate/pkg/vector"
)

// Store implements storage.Store over maps guarded by a RWMutex.
type Store struct {
	mu          sync.RWMutex
	records     map[int64]*storage.MemoryRecord
	memberships map[int64]map[int64]float64 // cluster id -> record id -> score

	node *snowflake.Node
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNode sets the snowflake node used to assign record ids.
func WithNode(node *snowflake.Node) Option {
	return func(s *Store) {
		if node != nil {
			s.node = node
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		records:     make(map[int64]*storage.MemoryRecord),
		memberships: make(map[int64]map[int64]float64),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.node == nil {
		node, err := snowflake.NewNode(0)
		if err != nil {
			return nil, fmt.Errorf("memory.New: %w", err)
		}
		s.node = node
	}
	return s, nil
}

func cloneRecord(r *storage.MemoryRecord) *storage.MemoryRecord {
	c := *r
	c.Embedding = vector.Clone(r.Embedding)
	return &c
}

// Insert implements storage.Store.
func (s *Store) Insert(ctx context.Context, record *storage.MemoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("Insert: %w: nil record", core.ErrInvalidInput)
	}

	now := s.now()
	if record.ID == 0 {
		record.ID = s.node.Generate().Int64()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastAccessedAt.IsZero() {
		record.LastAccessedAt = record.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("Insert: %w: duplicate id %d", core.ErrStorageOperation, record.ID)
	}
	s.records[record.ID] = cloneRecord(record)
	return nil
}

// ReadCandidates implements storage.RecordStore.
func (s *Store) ReadCandidates(ctx context.Context, filter storage.CandidateFilter, order storage.Order, limit int) ([]*storage.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*storage.MemoryRecord, 0)
	for _, r := range s.records {
		if filter.Matches(r) {
			out = append(out, cloneRecord(r))
		}
	}
	s.mu.RUnlock()

	storage.SortRecords(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountCandidates implements storage.RecordStore.
func (s *Store) CountCandidates(ctx context.Context, filter storage.CandidateFilter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if filter.Matches(r) {
			n++
		}
	}
	return n, nil
}

// mutate applies fn to a live record under the write lock.
func (s *Store) mutate(ctx context.Context, op string, id int64, fn func(r *storage.MemoryRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Deleted {
		return fmt.Errorf("%s: record %d: %w", op, id, core.ErrNotFound)
	}
	fn(r)
	return nil
}

// UpdateWeight implements storage.RecordStore.
func (s *Store) UpdateWeight(ctx context.Context, id int64, weight float64) error {
	return s.mutate(ctx, "UpdateWeight", id, func(r *storage.MemoryRecord) {
		r.Weight = weight
	})
}

// RecordAccess implements storage.RecordStore.
func (s *Store) RecordAccess(ctx context.Context, id int64, weight float64, accessedAt time.Time) error {
	return s.mutate(ctx, "RecordAccess", id, func(r *storage.MemoryRecord) {
		r.Weight = weight
		r.LastAccessedAt = accessedAt
		r.AccessCount++
	})
}

// SoftDelete implements storage.RecordStore.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	return s.mutate(ctx, "SoftDelete", id, func(r *storage.MemoryRecord) {
		r.Deleted = true
		r.Weight = 0
	})
}

// UpdateClusterMembership implements storage.RecordStore.
func (s *Store) UpdateClusterMembership(ctx context.Context, clusterID, id int64, score float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; !ok || r.Deleted {
		return fmt.Errorf("UpdateClusterMembership: record %d: %w", id, core.ErrNotFound)
	}
	members, ok := s.memberships[clusterID]
	if !ok {
		members = make(map[int64]float64)
		s.memberships[clusterID] = members
	}
	members[id] = score
	return nil
}

// RemoveClusterMembership implements storage.RecordStore.
func (s *Store) RemoveClusterMembership(ctx context.Context, clusterID, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.memberships[clusterID]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(s.memberships, clusterID)
		}
	}
	return nil
}

// ClusterMemberships implements storage.Store.
func (s *Store) ClusterMemberships(ctx context.Context, clusterID int64) ([]storage.ClusterMembership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.ClusterMembership, 0, len(s.memberships[clusterID]))
	for id, score := range s.memberships[clusterID] {
		out = append(out, storage.ClusterMembership{ClusterID: clusterID, RecordID: id, Score: score})
	}
	return out, nil
}

// VectorDistanceQuery implements storage.RecordStore.
func (s *Store) VectorDistanceQuery(ctx context.Context, source []float64, threshold float64, limit int) ([]storage.VectorMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	records := make([]*storage.MemoryRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	matches := storage.ScoreRecords(source, records, threshold, limit)
	s.mu.RUnlock()
	return matches, nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return nil
}
