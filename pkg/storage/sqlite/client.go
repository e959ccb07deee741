// Package sqlite provides a SQLite implementation of storage.Store.
//
// SQLite is a lightweight, file-based database suitable for local development
// and single-node deployments. Vectors are stored as JSON strings in TEXT
// fields, and similarity queries compute cosine similarity in process.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "github.com/mattn/go-sqlite3"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
)

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB

	// records is the name of the table storing records.
	records string

	// members is the name of the cluster membership table.
	members string

	node *snowflake.Node
	now  func() time.Time
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CollectionName is the name of the records table. Defaults to "records".
	CollectionName string

	// Node assigns ids to records inserted without one (optional).
	Node *snowflake.Node

	// Now replaces time.Now for default timestamps (optional).
	Now func() time.Time
}

// NewClient creates a new SQLite store.
//
// Parameters:
//   - cfg: Configuration containing database path and table name
//
// Returns:
//   - *Client: The SQLite client instance
//   - error: Error if the connection or table creation fails
func NewClient(cfg *Config) (*Client, error) {
	collection := cfg.CollectionName
	if collection == "" {
		collection = "records"
	}
	if !storage.ValidIdentifier(collection) {
		return nil, fmt.Errorf("NewSQLiteClient: %w: collection name %q", core.ErrInvalidConfig, collection)
	}

	// Create parent directory if it doesn't exist
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w: %w", core.ErrConnectionFailed, err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewSQLiteClient: %w: %w", core.ErrConnectionFailed, err)
	}

	node := cfg.Node
	if node == nil {
		if node, err = snowflake.NewNode(0); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("NewSQLiteClient: %w", err)
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	client := &Client{
		db:      db,
		records: collection,
		members: collection + "_cluster_members",
		node:    node,
		now:     now,
	}

	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// initTables initializes the database table structure.
//
// Timestamps are stored as Unix nanoseconds so range filters compare numerically.
func (c *Client) initTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			content TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'default',
			weight REAL NOT NULL DEFAULT 1.0,
			safety_score REAL NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			embedding TEXT,
			deleted INTEGER NOT NULL DEFAULT 0
		)`, c.records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_last_accessed ON %s(deleted, last_accessed_at)`, c.records, c.records),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			cluster_id INTEGER NOT NULL,
			record_id INTEGER NOT NULL,
			score REAL NOT NULL,
			updated_at INTEGER NOT NULL,
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

	embedding, err := encodeEmbedding(record.Embedding)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
		(id, content, category, weight, safety_score, access_count, last_accessed_at, created_at, embedding, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.records)

	_, err = c.db.ExecContext(ctx, query,
		record.ID,
		record.Content,
		record.Category,
		record.Weight,
		record.SafetyScore,
		record.AccessCount,
		record.LastAccessedAt.UnixNano(),
		record.CreatedAt.UnixNano(),
		embedding,
		boolToInt(record.Deleted),
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

	var out []*storage.MemoryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storage.WrapErr("ReadCandidates", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapErr("ReadCandidates", err)
	}
	return out, nil
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
	query := fmt.Sprintf(`UPDATE %s SET weight = ? WHERE id = ? AND deleted = 0`, c.records)
	return storage.ExecAffectingOne(ctx, c.db, "UpdateWeight", id, query, weight, id)
}

// RecordAccess implements storage.RecordStore.
func (c *Client) RecordAccess(ctx context.Context, id int64, weight float64, accessedAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET weight = ?, last_accessed_at = ?, access_count = access_count + 1
		WHERE id = ? AND deleted = 0
	`, c.records)
	return storage.ExecAffectingOne(ctx, c.db, "RecordAccess", id, query, weight, accessedAt.UnixNano(), id)
}

// SoftDelete implements storage.RecordStore.
func (c *Client) SoftDelete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`UPDATE %s SET deleted = 1, weight = 0 WHERE id = ? AND deleted = 0`, c.records)
	return storage.ExecAffectingOne(ctx, c.db, "SoftDelete", id, query, id)
}

// UpdateClusterMembership implements storage.RecordStore.
func (c *Client) UpdateClusterMembership(ctx context.Context, clusterID, id int64, score float64) error {
	var exists int
	check := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ? AND deleted = 0`, c.records)
	if err := c.db.QueryRowContext(ctx, check, id).Scan(&exists); err != nil {
		return storage.WrapErr("UpdateClusterMembership", err)
	}
	if exists == 0 {
		return storage.NotFound("UpdateClusterMembership", id)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (cluster_id, record_id, score, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cluster_id, record_id) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at
	`, c.members)
	_, err := c.db.ExecContext(ctx, query, clusterID, id, score, c.now().UnixNano())
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

// VectorDistanceQuery implements storage.RecordStore.
//
// SQLite has no vector operations, so every live embedding is loaded and
// scored in memory.
func (c *Client) VectorDistanceQuery(ctx context.Context, source []float64, threshold float64, limit int) ([]storage.VectorMatch, error) {
	query := fmt.Sprintf(`SELECT id, embedding FROM %s WHERE deleted = 0 AND embedding IS NOT NULL`, c.records)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storage.WrapErr("VectorDistanceQuery", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.MemoryRecord
	for rows.Next() {
		var (
			id  int64
			raw sql.NullString
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, storage.WrapErr("VectorDistanceQuery", err)
		}
		embedding, err := decodeEmbedding(raw)
		if err != nil {
			return nil, storage.WrapErr("VectorDistanceQuery", err)
		}
		records = append(records, &storage.MemoryRecord{ID: id, Embedding: embedding})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapErr("VectorDistanceQuery", err)
	}

	return storage.ScoreRecords(source, records, threshold, limit), nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// scanRecord scans a single row into a MemoryRecord.
func scanRecord(rows *sql.Rows) (*storage.MemoryRecord, error) {
	var (
		r            storage.MemoryRecord
		lastAccessed int64
		created      int64
		embedding    sql.NullString
		deleted      int
	)

	err := rows.Scan(
		&r.ID,
		&r.Content,
		&r.Category,
		&r.Weight,
		&r.SafetyScore,
		&r.AccessCount,
		&lastAccessed,
		&created,
		&embedding,
		&deleted,
	)
	if err != nil {
		return nil, err
	}

	r.LastAccessedAt = time.Unix(0, lastAccessed).UTC()
	r.CreatedAt = time.Unix(0, created).UTC()
	r.Deleted = deleted != 0
	if r.Embedding, err = decodeEmbedding(embedding); err != nil {
		return nil, err
	}
	return &r, nil
}
