package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oceanbase/powermem-substrate/pkg/core"
)

// WrapErr tags a backend failure with core.ErrStorageOperation while keeping
// the original error (context cancellation included) reachable.
func WrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, core.ErrStorageOperation, err)
}

// NotFound reports a missing or soft-deleted record.
func NotFound(op string, id int64) error {
	return fmt.Errorf("%s: record %d: %w", op, id, core.ErrNotFound)
}

// ExecAffectingOne runs an update and maps "no rows affected" to NotFound.
func ExecAffectingOne(ctx context.Context, db *sql.DB, op string, id int64, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return WrapErr(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return WrapErr(op, err)
	}
	if n == 0 {
		return NotFound(op, id)
	}
	return nil
}

// FormatVector renders v in the bracketed literal form understood by
// pgvector and the OceanBase VECTOR type, e.g. "[0.1,0.2,0.3]".
func FormatVector(v []float64) string {
	if len(v) == 0 {
		return "[]"
	}

	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParseVector parses the output of FormatVector (and of the database's own
// vector-to-text conversion).
func ParseVector(s string) ([]float64, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return []float64{}, nil
	}

	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, part := range parts {
		x, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d: %w", i, err)
		}
		out[i] = x
	}
	return out, nil
}

// ValidIdentifier reports whether name is safe to splice into SQL as a table name.
func ValidIdentifier(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
