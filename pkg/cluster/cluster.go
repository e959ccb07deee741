// Package cluster groups records into similarity clusters and keeps their
// centroids current.
//
// Clusters live in memory and are owned by a Manager; memberships are mirrored
// to the record store through storage.RecordStore.UpdateClusterMembership so
// other readers can join records to their clusters. Record vectors are never
// held by the manager: they are read from the store when centroids are
// computed.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/charmbracelet/log"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/safety"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
	"github.com/oceanbase/powermem-substrate/pkg/vector"
)

// Type is the kind of a cluster.
type Type string

const (
	TypeSemantic Type = "semantic"
	TypeTopical  Type = "topical"
	TypeManual   Type = "manual"
	TypeAuto     Type = "auto"
)

func (t Type) valid() bool {
	switch t {
	case TypeSemantic, TypeTopical, TypeManual, TypeAuto:
		return true
	}
	return false
}

// Member is one record's membership in a cluster.
type Member struct {
	RecordID    int64     `json:"record_id"`
	Score       float64   `json:"score"`
	SafetyScore float64   `json:"safety_score"`
	JoinedAt    time.Time `json:"joined_at"`
}

// MemberScore is a proposed membership.
type MemberScore struct {
	RecordID int64
	Score    float64
}

// Cluster is a group of similar records.
type Cluster struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Category string `json:"category,omitempty"`

	// Centroid is nil until at least one member with a vector is known.
	Centroid []float64 `json:"centroid,omitempty"`

	Members   map[int64]Member `json:"members"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Size returns the number of members.
func (c *Cluster) Size() int {
	return len(c.Members)
}

// AverageSafety returns the mean member safety score, or 0 for an empty cluster.
func (c *Cluster) AverageSafety() float64 {
	if len(c.Members) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range c.Members {
		sum += m.SafetyScore
	}
	return sum / float64(len(c.Members))
}

func (c *Cluster) clone() Cluster {
	out := *c
	out.Centroid = vector.Clone(c.Centroid)
	out.Members = make(map[int64]Member, len(c.Members))
	for id, m := range c.Members {
		out.Members[id] = m
	}
	return out
}

// state tracks a cluster and its membership version. The centroid is stale
// while version differs from refreshed.
type state struct {
	cluster   Cluster
	version   uint64
	refreshed uint64
}

func (s *state) dirty() bool {
	return s.version != s.refreshed
}

func (s *state) touch(now time.Time) {
	s.version++
	s.cluster.UpdatedAt = now
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to log.Default().
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithScorer re-scores record content when members are added. The effective
// safety of a member is the lower of the stored and the re-scored value.
func WithScorer(s safety.Scorer) Option {
	return func(m *Manager) { m.scorer = s }
}

// WithNode sets the snowflake node for cluster ids. Defaults to a node built
// from ClusterConfig.NodeID.
func WithNode(node *snowflake.Node) Option {
	return func(m *Manager) {
		if node != nil {
			m.node = node
		}
	}
}

// Manager maintains clusters over a RecordStore.
//
// Membership changes take a short lock on the cluster table; store I/O and
// clustering passes run outside of it. An AutoCluster pass works on a
// snapshot, so membership changes made while it runs may be overwritten.
type Manager struct {
	store  storage.RecordStore
	scorer safety.Scorer
	node   *snowflake.Node
	config atomic.Pointer[core.ClusterConfig]

	mu       sync.RWMutex
	clusters map[int64]*state

	now    func() time.Time
	logger *log.Logger
}

// New creates a cluster manager.
//
// Parameters:
//   - store: Record store providing vectors, safety scores and membership persistence
//   - cfg: Clustering thresholds, validated before use
//   - opts: Optional logger, clock, safety scorer and snowflake node
//
// Returns core.ErrInvalidConfig when store is nil or cfg is invalid.
func New(store storage.RecordStore, cfg core.ClusterConfig, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, core.NewMemoryError("cluster.New", fmt.Errorf("%w: nil record store", core.ErrInvalidConfig))
	}
	m := &Manager{
		store:    store,
		clusters: make(map[int64]*state),
		now:      time.Now,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.SetConfiguration(cfg); err != nil {
		return nil, err
	}
	if m.node == nil {
		node, err := snowflake.NewNode(cfg.NodeID)
		if err != nil {
			return nil, core.NewMemoryError("cluster.New", fmt.Errorf("%w: %v", core.ErrInvalidConfig, err))
		}
		m.node = node
	}
	return m, nil
}

// SetConfiguration validates cfg and replaces the active thresholds.
func (m *Manager) SetConfiguration(cfg core.ClusterConfig) error {
	if err := cfg.Validate(); err != nil {
		return core.NewMemoryError("cluster.SetConfiguration", fmt.Errorf("%w: %v", core.ErrInvalidConfig, err))
	}
	m.config.Store(&cfg)
	return nil
}

// Configuration returns the active thresholds.
func (m *Manager) Configuration() core.ClusterConfig {
	return *m.config.Load()
}

// CreateCluster creates a cluster and adds the initial members.
//
// Initial members that fail the safety gate or do not exist are skipped. An
// empty name is replaced by one derived from the cluster id; an empty type
// means TypeManual.
func (m *Manager) CreateCluster(ctx context.Context, name string, typ Type, initial ...MemberScore) (Cluster, error) {
	if typ == "" {
		typ = TypeManual
	}
	if !typ.valid() {
		return Cluster{}, core.NewMemoryError("cluster.CreateCluster", fmt.Errorf("%w: cluster type %q", core.ErrInvalidInput, typ))
	}
	c, err := m.create(name, typ, "")
	if err != nil {
		return Cluster{}, err
	}

	for _, ms := range initial {
		added, err := m.AddMember(ctx, c.ID, ms.RecordID, ms.Score)
		if err != nil {
			return Cluster{}, err
		}
		if !added {
			m.logger.Debug("cluster: initial member skipped", "cluster", c.ID, "id", ms.RecordID)
		}
	}

	if _, err := m.refreshOne(ctx, c.ID); err != nil {
		return Cluster{}, err
	}
	out, _ := m.Cluster(c.ID)
	return out, nil
}

func (m *Manager) create(name string, typ Type, category string) (Cluster, error) {
	now := m.now()
	id := m.node.Generate().Int64()
	if name == "" {
		name = fmt.Sprintf("%s-%d", typ, id)
	}
	s := &state{
		cluster: Cluster{
			ID:        id,
			Name:      name,
			Type:      typ,
			Category:  category,
			Members:   make(map[int64]Member),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clusters[id]; exists {
		return Cluster{}, core.NewMemoryError("cluster.create", fmt.Errorf("%w: duplicate cluster id %d", core.ErrInvalidInput, id))
	}
	m.clusters[id] = s
	return s.cluster.clone(), nil
}

// AddMember adds recordID to a cluster, or updates its score.
//
// Returns false without mutating anything when the record does not exist,
// its effective safety score is below the configured minimum, or the safety
// scorer could not abstract its content. Unknown clusters return
// core.ErrNotFound; scores outside [0,1] return core.ErrInvalidInput and a
// vector of the wrong dimensionality returns core.ErrDimensionMismatch.
func (m *Manager) AddMember(ctx context.Context, clusterID, recordID int64, score float64) (bool, error) {
	if score < 0 || score > 1 {
		return false, core.NewMemoryError("cluster.AddMember", fmt.Errorf("%w: membership score %v", core.ErrInvalidInput, score))
	}

	m.mu.RLock()
	s, ok := m.clusters[clusterID]
	var dims int
	if ok {
		dims = len(s.cluster.Centroid)
	}
	m.mu.RUnlock()
	if !ok {
		return false, clusterNotFound("cluster.AddMember", clusterID)
	}

	r, err := m.readRecord(ctx, recordID)
	if err != nil {
		return false, core.NewMemoryError("cluster.AddMember", err)
	}
	if r == nil {
		m.logger.Debug("cluster: member not found", "cluster", clusterID, "id", recordID)
		return false, nil
	}
	if dims > 0 && len(r.Embedding) > 0 && len(r.Embedding) != dims {
		return false, core.NewMemoryError("cluster.AddMember", fmt.Errorf("%w: record %d has %d dimensions, cluster %d",
			core.ErrDimensionMismatch, recordID, len(r.Embedding), dims))
	}

	safetyScore, ok := m.effectiveSafety(r)
	if !ok {
		return false, nil
	}

	if err := m.store.UpdateClusterMembership(ctx, clusterID, recordID, score); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, core.NewMemoryError("cluster.AddMember", err)
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.clusters[clusterID]
	if !ok {
		return false, clusterNotFound("cluster.AddMember", clusterID)
	}
	joined := now
	if prev, exists := s.cluster.Members[recordID]; exists {
		joined = prev.JoinedAt
	}
	s.cluster.Members[recordID] = Member{RecordID: recordID, Score: score, SafetyScore: safetyScore, JoinedAt: joined}
	s.touch(now)
	return true, nil
}

// effectiveSafety applies the safety gate to r and reports whether it passed.
func (m *Manager) effectiveSafety(r *storage.MemoryRecord) (float64, bool) {
	minSafety := m.config.Load().MinSafetyScore
	score := r.SafetyScore
	if m.scorer != nil {
		a := m.scorer.Score(r.Content)
		if !a.Success {
			m.logger.Debug("cluster: member rejected, abstraction failed", "id", r.ID)
			return 0, false
		}
		if a.Score < score {
			score = a.Score
		}
	}
	if score < minSafety {
		m.logger.Debug("cluster: member rejected by safety gate", "id", r.ID, "safety", score, "min", minSafety)
		return 0, false
	}
	return score, true
}

// RemoveMember removes recordID from a cluster.
//
// Returns false when the record was not a member and core.ErrNotFound for
// unknown clusters.
func (m *Manager) RemoveMember(ctx context.Context, clusterID, recordID int64) (bool, error) {
	m.mu.RLock()
	s, ok := m.clusters[clusterID]
	var member bool
	if ok {
		_, member = s.cluster.Members[recordID]
	}
	m.mu.RUnlock()
	if !ok {
		return false, clusterNotFound("cluster.RemoveMember", clusterID)
	}
	if !member {
		return false, nil
	}

	if err := m.store.RemoveClusterMembership(ctx, clusterID, recordID); err != nil {
		return false, core.NewMemoryError("cluster.RemoveMember", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.clusters[clusterID]
	if !ok {
		return false, clusterNotFound("cluster.RemoveMember", clusterID)
	}
	if _, member = s.cluster.Members[recordID]; !member {
		return false, nil
	}
	delete(s.cluster.Members, recordID)
	s.touch(m.now())
	return true, nil
}

// DeleteCluster removes a cluster and its store memberships.
//
// The cluster is removed even when some memberships could not be deleted
// from the store; those failures are joined into the returned error.
func (m *Manager) DeleteCluster(ctx context.Context, clusterID int64) error {
	m.mu.Lock()
	s, ok := m.clusters[clusterID]
	if ok {
		delete(m.clusters, clusterID)
	}
	m.mu.Unlock()
	if !ok {
		return clusterNotFound("cluster.DeleteCluster", clusterID)
	}

	var errs []error
	for id := range s.cluster.Members {
		if err := m.store.RemoveClusterMembership(ctx, clusterID, id); err != nil {
			m.logger.Warn("cluster: failed to remove membership", "cluster", clusterID, "id", id, "err", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return core.NewMemoryError("cluster.DeleteCluster", errors.Join(errs...))
	}
	return nil
}

// Cluster returns a copy of the cluster with the given id.
func (m *Manager) Cluster(id int64) (Cluster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.clusters[id]
	if !ok {
		return Cluster{}, false
	}
	return s.cluster.clone(), true
}

// Clusters returns copies of all clusters ordered by id.
func (m *Manager) Clusters() []Cluster {
	m.mu.RLock()
	out := make([]Cluster, 0, len(m.clusters))
	for _, s := range m.clusters {
		out = append(out, s.cluster.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// readRecord returns the live record with id, or nil when there is none.
func (m *Manager) readRecord(ctx context.Context, id int64) (*storage.MemoryRecord, error) {
	records, err := m.store.ReadCandidates(ctx, storage.CandidateFilter{IDs: []int64{id}}, storage.OrderLastAccessedDesc, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func clusterNotFound(op string, id int64) error {
	return core.NewMemoryError(op, fmt.Errorf("cluster %d: %w", id, core.ErrNotFound))
}
