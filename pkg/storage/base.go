// Package storage defines the RecordStore interface through which the
// substrate reads and updates memory records, together with the record type
// and query options shared by all backends.
//
// The substrate never owns a record's lifetime. It reads candidates and
// proposes weight, access and cluster-membership updates.
package storage

import (
	"context"
	"time"
)

// MemoryRecord is a record as seen by the substrate.
type MemoryRecord struct {
	// ID is the unique identifier of the record.
	ID int64

	// Content is the (abstracted) text of the record.
	Content string

	// Category selects the decay parameters. Unknown categories decay as "default".
	Category string

	// Weight is the current relevance weight in [0,1].
	Weight float64

	// SafetyScore is the externally computed safety score in [0,1].
	SafetyScore float64

	// AccessCount is the number of recorded accesses.
	AccessCount int

	// LastAccessedAt is when the record was last accessed or reinforced.
	LastAccessedAt time.Time

	// CreatedAt is when the record was inserted.
	CreatedAt time.Time

	// Embedding is the record vector (nil if not yet embedded).
	Embedding []float64

	// Deleted marks soft-deleted records.
	Deleted bool
}

// Order defines the ordering of candidate reads.
type Order int

const (
	// OrderLastAccessedAsc returns the longest idle records first.
	OrderLastAccessedAsc Order = iota

	// OrderLastAccessedDesc returns the most recently used records first.
	OrderLastAccessedDesc
)

// CandidateFilter restricts ReadCandidates and CountCandidates.
//
// Zero values disable the corresponding condition. Soft-deleted records are
// always excluded.
type CandidateFilter struct {
	// IDs restricts the read to these record ids.
	IDs []int64

	// Categories restricts the read to these categories.
	Categories []string

	// MinSafetyScore excludes records below this safety score.
	MinSafetyScore float64

	// AccessedAfter excludes records last accessed before this instant.
	AccessedAfter time.Time

	// AccessedBefore excludes records last accessed at or after this instant.
	AccessedBefore time.Time

	// RequireEmbedding excludes records without an embedding.
	RequireEmbedding bool
}

// VectorMatch is one result of a vector distance query.
type VectorMatch struct {
	ID         int64
	Similarity float64
}

// ClusterMembership is a persisted (cluster, record, score) triple.
type ClusterMembership struct {
	ClusterID int64
	RecordID  int64
	Score     float64
}

// RecordStore is the repository the decay engine and cluster manager work against.
//
// Update methods return an error wrapping core.ErrNotFound for unknown or
// soft-deleted ids and core.ErrStorageOperation for backend failures.
type RecordStore interface {
	// ReadCandidates returns at most limit records matching filter in the given order.
	// A limit <= 0 means no limit.
	ReadCandidates(ctx context.Context, filter CandidateFilter, order Order, limit int) ([]*MemoryRecord, error)

	// CountCandidates returns the number of records matching filter.
	CountCandidates(ctx context.Context, filter CandidateFilter) (int, error)

	// UpdateWeight persists a new weight.
	UpdateWeight(ctx context.Context, id int64, weight float64) error

	// RecordAccess persists a new weight, sets last_accessed and increments access_count.
	RecordAccess(ctx context.Context, id int64, weight float64, accessedAt time.Time) error

	// SoftDelete marks the record deleted and forces its weight to 0.
	SoftDelete(ctx context.Context, id int64) error

	// UpdateClusterMembership inserts or updates the membership of id in clusterID.
	UpdateClusterMembership(ctx context.Context, clusterID, id int64, score float64) error

	// RemoveClusterMembership deletes the membership of id in clusterID.
	// Removing an absent membership is not an error.
	RemoveClusterMembership(ctx context.Context, clusterID, id int64) error

	// VectorDistanceQuery returns up to limit live records whose cosine
	// similarity to source is >= threshold, ordered by descending similarity.
	VectorDistanceQuery(ctx context.Context, source []float64, threshold float64, limit int) ([]VectorMatch, error)
}

// Store is a RecordStore that also owns its records.
//
// All backends (memory, SQLite, PostgreSQL, OceanBase) implement this interface.
type Store interface {
	RecordStore

	// Insert stores a new record. A zero ID is replaced with a generated one;
	// zero timestamps default to now.
	Insert(ctx context.Context, record *MemoryRecord) error

	// ClusterMemberships lists the persisted memberships of clusterID.
	ClusterMemberships(ctx context.Context, clusterID int64) ([]ClusterMembership, error)

	// Close closes the store and releases resources.
	Close() error
}

// VectorIndexType defines the type of vector index for efficient similarity search.
type VectorIndexType string

const (
	// IndexTypeHNSW uses Hierarchical Navigable Small World graph.
	IndexTypeHNSW VectorIndexType = "HNSW"

	// IndexTypeIVFFlat uses Inverted File Index with flat vectors.
	IndexTypeIVFFlat VectorIndexType = "IVF_FLAT"
)

// HNSWParams contains parameters for HNSW index configuration.
type HNSWParams struct {
	// M is the maximum number of connections for each node.
	M int

	// EfConstruction is the search depth during index construction.
	EfConstruction int
}

// VectorIndexConfig contains configuration for creating a cosine vector index
// over the record embeddings.
type VectorIndexConfig struct {
	// IndexName is the name of the index.
	IndexName string

	// IndexType is the type of index to create.
	IndexType VectorIndexType

	// HNSWParams contains HNSW-specific parameters.
	HNSWParams *HNSWParams

	// Lists is the IVF list count (IVF_FLAT only).
	Lists int
}

// Indexer is implemented by backends able to build a server-side vector index.
type Indexer interface {
	CreateIndex(ctx context.Context, config *VectorIndexConfig) error
}
