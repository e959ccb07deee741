package oceanbase

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/oceanbase/powermem-substrate/pkg/storage"
)

var dialect = storage.Dialect{
	Placeholder: func(int) string { return "?" },
	TimeValue:   func(t time.Time) any { return t.UTC() },
	NotDeleted:  "deleted = 0",
}

// vectorArg converts an embedding to the VECTOR literal form; nil stays NULL.
func vectorArg(v []float64) any {
	if len(v) == 0 {
		return nil
	}
	return storage.FormatVector(v)
}

// generateHash generates an MD5 hash for content, stored alongside it for
// duplicate lookups by external tools.
func generateHash(content string) string {
	hash := md5.Sum([]byte(content))
	return hex.EncodeToString(hash[:])
}

// scanRecords scans all rows into MemoryRecords.
func scanRecords(rows *sql.Rows) ([]*storage.MemoryRecord, error) {
	var out []*storage.MemoryRecord
	for rows.Next() {
		var (
			r         storage.MemoryRecord
			embedding sql.NullString
		)
		err := rows.Scan(
			&r.ID,
			&r.Content,
			&r.Category,
			&r.Weight,
			&r.SafetyScore,
			&r.AccessCount,
			&r.LastAccessedAt,
			&r.CreatedAt,
			&embedding,
			&r.Deleted,
		)
		if err != nil {
			return nil, storage.WrapErr("scanRecords", err)
		}
		if embedding.Valid {
			if r.Embedding, err = storage.ParseVector(embedding.String); err != nil {
				return nil, storage.WrapErr("scanRecords", err)
			}
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapErr("scanRecords", err)
	}
	return out, nil
}
