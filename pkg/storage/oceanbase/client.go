// Package oceanbase provides an OceanBase implementation of storage.Store.
//
// OceanBase speaks the MySQL wire protocol; embeddings live in a VECTOR
// column and similarity queries use the server's cosine_distance function.
package oceanbase

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "github.com/go-sql-driver/mysql"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
)

// Client is an OceanBase client.
type Client struct {
	db         *sql.DB
	records    string
	members    string
	dimensions int
	node       *snowflake.Node
	now        func() time.Time
}

// Config contains OceanBase configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int

	// Node assigns ids to records inserted without one (optional).
	Node *snowflake.Node
}

// NewClient creates a new OceanBase client.
func NewClient(cfg *Config) (*Client, error) {
	collection := cfg.CollectionName
	if collection == "" {
		collection = "records"
	}
	if !storage.ValidIdentifier(collection) {
		return nil, fmt.Errorf("NewOceanBaseClient: %w: collection name %q", core.ErrInvalidConfig, collection)
	}
	if cfg.EmbeddingModelDims <= 0 {
		return nil, fmt.Errorf("NewOceanBaseClient: %w: embedding dimensions must be positive", core.ErrInvalidConfig)
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewOceanBaseClient: %w: %w", core.ErrConnectionFailed, err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewOceanBaseClient: %w: %w", core.ErrConnectionFailed, err)
	}

	node := cfg.Node
	if node == nil {
		if node, err = snowflake.NewNode(0); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
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

	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// initTables creates the record and membership tables.
func (c *Client) initTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			content LONGTEXT NOT NULL,
			hash VARCHAR(32),
			category VARCHAR(64) NOT NULL DEFAULT 'default',
			weight DOUBLE NOT NULL DEFAULT 1.0,
			safety_score DOUBLE NOT NULL DEFAULT 0,
			access_count INT NOT NULL DEFAULT 0,
			last_accessed_at DATETIME(6) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			embedding VECTOR(%d),
			deleted TINYINT(1) NOT NULL DEFAULT 0,
			INDEX idx_last_accessed (deleted, last_accessed_at)
		)`, c.records, c.dimensions),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			cluster_id BIGINT NOT NULL,
			record_id BIGINT NOT NULL,
			score DOUBLE NOT NULL,
			updated_at DATETIME(6) NOT NULL,
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
		(id, content, hash, category, weight, safety_score, access_count, last_accessed_at, created_at, embedding, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.records)

	_, err := c.db.ExecContext(ctx, query,
		record.ID,
		record.Content,
		generateHash(record.Content),
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
		       last_accessed_at, created_at, embedding, deleted
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
//
// The DSN does not set clientFoundRows, so an update that writes the current
// value reports zero affected rows; existence is checked separately.
func (c *Client) UpdateWeight(ctx context.Context, id int64, weight float64) error {
	if err := c.requireLive(ctx, "UpdateWeight", id); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET weight = ? WHERE id = ? AND deleted = 0`, c.records)
	_, err := c.db.ExecContext(ctx, query, weight, id)
	return storage.WrapErr("UpdateWeight", err)
}

// RecordAccess implements storage.RecordStore.
func (c *Client) RecordAccess(ctx context.Context, id int64, weight float64, accessedAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET weight = ?, last_accessed_at = ?, access_count = access_count + 1
		WHERE id = ? AND deleted = 0
	`, c.records)
	return storage.ExecAffectingOne(ctx, c.db, "RecordAccess", id, query, weight, accessedAt.UTC(), id)
}

// SoftDelete implements storage.RecordStore.
func (c *Client) SoftDelete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`UPDATE %s SET deleted = 1, weight = 0 WHERE id = ? AND deleted = 0`, c.records)
	return storage.ExecAffectingOne(ctx, c.db, "SoftDelete", id, query, id)
}

// UpdateClusterMembership implements storage.RecordStore.
func (c *Client) UpdateClusterMembership(ctx context.Context, clusterID, id int64, score float64) error {
	if err := c.requireLive(ctx, "UpdateClusterMembership", id); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (cluster_id, record_id, score, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE score = VALUES(score), updated_at = VALUES(updated_at)
	`, c.members)
	_, err := c.db.ExecContext(ctx, query, clusterID, id, score, c.now().UTC())
	return storage.WrapErr("UpdateClusterMembership", err)
}

// RemoveClusterMembership implements storage.RecordStore.
func (c *Client) RemoveClusterMembership(ctx context.Context, clusterID, id int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE cluster_id = ? AND record_id = ?`, c.members)
	_, err := c.db.ExecContext(ctx, query, clusterID, id)
	return storage.WrapErr("RemoveClusterMembership", err)
}

// ClusterMemberships implements storage.Store.
func (c *Client) ClusterMemberships(ctx context.Context, clusterID int64) ([]storage.ClusterMembership, error) {
	query := fmt.Sprintf(`SELECT cluster_id, record_id, score FROM %s WHERE cluster_id = ? ORDER BY record_id`, c.members)
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

// VectorDistanceQuery implements storage.RecordStore with cosine_distance.
func (c *Client) VectorDistanceQuery(ctx context.Context, source []float64, threshold float64, limit int) ([]storage.VectorMatch, error) {
	if len(source) != c.dimensions {
		return nil, fmt.Errorf("VectorDistanceQuery: %w: %d != %d", core.ErrDimensionMismatch, len(source), c.dimensions)
	}

	literal := storage.FormatVector(source)
	query := fmt.Sprintf(`
		SELECT id, 1 - cosine_distance(embedding, ?) AS similarity
		FROM %s
		WHERE deleted = 0 AND embedding IS NOT NULL
		  AND 1 - cosine_distance(embedding, ?) >= ?
		ORDER BY cosine_distance(embedding, ?) ASC, id ASC
		%s
	`, c.records, storage.LimitClause(limit))

	rows, err := c.db.QueryContext(ctx, query, literal, literal, threshold, literal)
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

// CreateIndex creates a vector index.
func (c *Client) CreateIndex(ctx context.Context, config *storage.VectorIndexConfig) error {
	name := config.IndexName
	if name == "" {
		name = "vidx_" + c.records
	}
	if !storage.ValidIdentifier(name) {
		return fmt.Errorf("CreateIndex: %w: index name %q", core.ErrInvalidConfig, name)
	}

	var query string
	switch config.IndexType {
	case storage.IndexTypeHNSW:
		params := storage.HNSWParams{M: 16, EfConstruction: 200}
		if config.HNSWParams != nil {
			params = *config.HNSWParams
		}
		query = fmt.Sprintf(`
			CREATE VECTOR INDEX %s ON %s (embedding) WITH (
				distance = cosine,
				type = hnsw,
				lib = vsag,
				m = %d,
				ef_construction = %d
			)`, name, c.records, params.M, params.EfConstruction)
	case storage.IndexTypeIVFFlat:
		lists := config.Lists
		if lists <= 0 {
			lists = 128
		}
		query = fmt.Sprintf(`
			CREATE VECTOR INDEX %s ON %s (embedding) WITH (
				distance = cosine,
				type = ivf_flat,
				nlist = %d
			)`, name, c.records, lists)
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

func (c *Client) requireLive(ctx context.Context, op string, id int64) error {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ? AND deleted = 0`, c.records)
	if err := c.db.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
		return storage.WrapErr(op, err)
	}
	if n == 0 {
		return storage.NotFound(op, id)
	}
	return nil
}
