// Package postgres provides a PostgreSQL + pgvector implementation of storage.Store.
//
// Similarity queries run server side with the pgvector cosine distance
// operator (<=>).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "github.com/lib/pq"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
)

// Client is a PostgreSQL + pgvector client.
type Client struct {
	db         *sql.DB
	records    string
	members    string
	dimensions int
	node       *snowflake.Node
	now        func() time.Time
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int
	SSLMode            string

	// Node assigns ids to records inserted without one (optional).
	Node *snowflake.Node
}

// NewClient creates a new PostgreSQL client.
func NewClient(cfg *Config) (*Client, error) {
	collection := cfg.CollectionName
	if collection == "" {
		collection = "records"
	}
	if !storage.ValidIdentifier(collection) {
		return nil, fmt.Errorf("NewPostgresClient: %w: collection name %q", core.ErrInvalidConfig, collection)
	}
	if cfg.EmbeddingModelDims <= 0 {
		return nil, fmt.Errorf("NewPostgresClient: %w: embedding dimensions must be positive", core.ErrInvalidConfig)
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w: %w", core.ErrConnectionFailed, err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresClient: %w: %w", core.ErrConnectionFailed, err)
	}

	node := cfg.Node
	if node == nil {
		if node, err = snowflake.NewNode(0); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("NewPostgresClient: %w", err)
		}
	}

	client := &Client{
		db:         db,
		records:    collection,
		members:    collection + "_cluster_members",
		dimensions: cfg.EmbeddingModelDims,
		node:       node,
		now:        time.Now,
	}

	// Initialize pgvector extension and table structure
	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// initTables enables pgvector and creates the record and membership tables.
func (c *Client) initTables(ctx context.Context) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			content TEXT NOT NULL,
			category VARCHAR(64) NOT NULL DEFAULT 'default',
			weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			safety_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			embedding vector(%d),
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`, c.records, c.dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_last_accessed ON %s(deleted, last_accessed_at)`, c.records, c.records),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			cluster_id BIGINT NOT NULL,
			record_id BIGINT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (cluster_id, record_id)
		)`, c.members),
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w: %w", core.ErrStorageOperation, err)
		}
	}
	return nil
}

// Insert implements storage.Store.
func (c *Client) Insert(ctx context.Context, record *storage.MemoryRecord) error {
	if record == nil {
		return fmt.Errorf("Insert: %w: nil record", core.ErrInvalidInput)
	}
	if record.ID == 0 {
		record.ID = c.node.Generate().Int64()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = c.now()
	}
	if record.LastAccessedAt.IsZero() {
		record.LastAccessedAt = record.CreatedAt
	}
	if record.Category == "" {
		record.Category = core.CategoryDefault
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
		(id, content, category, weight, safety_score, access_count, last_accessed_at, created_at, embedding, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, $10)
	`, c.records)

	_, err := c.db.ExecContext(ctx, query,
		record.ID,
		record.Content,
		record.Category,
		record.Weight,
		record.SafetyScore,
		record.AccessCount,
		record.LastAccessedAt.UTC(),
		record.CreatedAt.UTC(),
		vectorArg(record.Embedding),
		record.Deleted,
	)
	return storage.WrapErr("Insert", err)
}

// ReadCandidates implements storage.RecordStore.
func (c *Client) ReadCandidates(ctx context.Context, filter storage.CandidateFilter, order storage.Order, limit int) ([]*storage.MemoryRecord, error) {
	where, args := storage.BuildWhere(filter, dialect, 1)
	query := fmt.Sprintf(`
		SELECT id, content, category, weight, safety_score, access_count,
		       last_accessed_at, created_at, embedding::text, deleted
		FROM %s
		%s
		%s
		%s
	`, c.records, where, storage.OrderClause(order), storage.LimitClause(limit))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.WrapErr("ReadCandidates", err)
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// CountCandidates implements storage.RecordStore.
func (c *Client) CountCandidates(ctx context.Context, filter storage.CandidateFilter) (int, error) {
	where, args := storage.BuildWhere(filter, dialect, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, c.records, where)

	var n int
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, storage.WrapErr("CountCandidates", err)
	}
	return n, nil
}

// UpdateWeight implements storage.RecordStore.
func (c *Client) UpdateWeight(ctx context.Context, id int64, weight float64) error {
	query := fmt.Sprintf(`UPDATE %s SET weight = $1 WHERE id = $2 AND deleted = FALSE`, c.records)
	return storage.ExecAffectingOne(ctx, c.db, "UpdateWeight", id, query, weight, id)
}

// RecordAccess implements storage.RecordStore.
func (c *Client) RecordAccess(ctx context.Context, id int64, weight float64, accessedAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET weight = $1, last_accessed_at = $2, access_count = access_count + 1
		WHERE id = $3 AND deleted = FALSE
	`, c.records)
	return storage.ExecAffectingOne(ctx, c.db, "RecordAccess", id, query, weight, accessedAt.UTC(), id)
}

// SoftDelete implements storage.RecordStore.
func (c *Client) SoftDelete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`UPDATE %s SET deleted = TRUE, weight = 0 WHERE id = $1 AND deleted = FALSE`, c.records)
	return storage.ExecAffectingOne(ctx, c.db, "SoftDelete", id, query, id)
}

// UpdateClusterMembership implements storage.RecordStore.
//
// The record check and the upsert run in one statement so a concurrently
// deleted record is never linked.
func (c *Client) UpdateClusterMembership(ctx context.Context, clusterID, id int64, score float64) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (cluster_id, record_id, score, updated_at)
		SELECT $1::bigint, id, $3::double precision, $4::timestamptz FROM %s WHERE id = $2 AND deleted = FALSE
		ON CONFLICT (cluster_id, record_id) DO UPDATE SET score = EXCLUDED.score, updated_at = EXCLUDED.updated_at
	`, c.members, c.records)
	return storage.ExecAffectingOne(ctx, c.db, "UpdateClusterMembership", id, query, clusterID, id, score, c.now().UTC())
}

// RemoveClusterMembership implements storage.RecordStore.
func (c *Client) RemoveClusterMembership(ctx context.Context, clusterID, id int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE cluster_id = $1 AND record_id = $2`, c.members)
	_, err := c.db.ExecContext(ctx, query, clusterID, id)
	return storage.WrapErr("RemoveClusterMembership", err)
}

// ClusterMemberships implements storage.Store.
func (c *Client) ClusterMemberships(ctx context.Context, clusterID int64) ([]storage.ClusterMembership, error) {
	query := fmt.Sprintf(`SELECT cluster_id, record_id, score FROM %s WHERE cluster_id = $1 ORDER BY record_id`, c.members)
	rows, err := c.db.QueryContext(ctx, query, clusterID)
	if err != nil {
		return nil, storage.WrapErr("ClusterMemberships", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.ClusterMembership
	for rows.Next() {
		var m storage.ClusterMembership
		if err := rows.Scan(&m.ClusterID, &m.RecordID, &m.Score); err != nil {
			return nil, storage.WrapErr("ClusterMemberships", err)
		}
		out = append(out, m)
	}
	return out, storage.WrapErr("ClusterMemberships", rows.Err())
}

// VectorDistanceQuery implements storage.RecordStore using pgvector's
// cosine distance operator.
func (c *Client) VectorDistanceQuery(ctx context.Context, source []float64, threshold float64, limit int) ([]storage.VectorMatch, error) {
	if len(source) != c.dimensions {
		return nil, fmt.Errorf("VectorDistanceQuery: %w: %d != %d", core.ErrDimensionMismatch, len(source), c.dimensions)
	}

	query := fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		WHERE deleted = FALSE AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $1::vector) >= $2
		ORDER BY embedding <=> $1::vector ASC, id ASC
		%s
	`, c.records, storage.LimitClause(limit))

	rows, err := c.db.QueryContext(ctx, query, storage.FormatVector(source), threshold)
	if err != nil {
		return nil, storage.WrapErr("VectorDistanceQuery", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.VectorMatch
	for rows.Next() {
		var m storage.VectorMatch
		if err := rows.Scan(&m.ID, &m.Similarity); err != nil {
			return nil, storage.WrapErr("VectorDistanceQuery", err)
		}
		out = append(out, m)
	}
	return out, storage.WrapErr("VectorDistanceQuery", rows.Err())
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// CreateIndex creates a cosine vector index (HNSW or IVF_FLAT) on the embeddings.
func (c *Client) CreateIndex(ctx context.Context, config *storage.VectorIndexConfig) error {
	name := config.IndexName
	if name == "" {
		name = "idx_" + c.records + "_embedding"
	}
	if !storage.ValidIdentifier(name) {
		return fmt.Errorf("CreateIndex: %w: index name %q", core.ErrInvalidConfig, name)
	}

	var query string
	switch config.IndexType {
	case storage.IndexTypeHNSW:
		params := storage.HNSWParams{M: 16, EfConstruction: 64}
		if config.HNSWParams != nil {
			params = *config.HNSWParams
		}
		query = fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s ON %s
			USING hnsw (embedding vector_cosine_ops)
			WITH (m = %d, ef_construction = %d)
		`, name, c.records, params.M, params.EfConstruction)
	case storage.IndexTypeIVFFlat:
		lists := config.Lists
		if lists <= 0 {
			lists = 100
		}
		query = fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s ON %s
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = %d)
		`, name, c.records, lists)
	default:
		return fmt.Errorf("CreateIndex: %w: unsupported index type %q", core.ErrInvalidConfig, config.IndexType)
	}

	_, err := c.db.ExecContext(ctx, query)
	return storage.WrapErr("CreateIndex", err)
}

// DropTables removes the record and membership tables.
func (c *Client) DropTables(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s, %s`, c.members, c.records))
	return storage.WrapErr("DropTables", err)
}
