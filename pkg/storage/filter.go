package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oceanbase/powermem-substrate/pkg/vector"
)

// Matches reports whether r passes the filter.
func (f CandidateFilter) Matches(r *MemoryRecord) bool {
	if r == nil || r.Deleted {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, r.ID) {
		return false
	}
	if len(f.Categories) > 0 && !containsString(f.Categories, r.Category) {
		return false
	}
	if f.MinSafetyScore > 0 && r.SafetyScore < f.MinSafetyScore {
		return false
	}
	if !f.AccessedAfter.IsZero() && r.LastAccessedAt.Before(f.AccessedAfter) {
		return false
	}
	if !f.AccessedBefore.IsZero() && !r.LastAccessedAt.Before(f.AccessedBefore) {
		return false
	}
	if f.RequireEmbedding && len(r.Embedding) == 0 {
		return false
	}
	return true
}

// SortRecords orders records by last access time, then by id.
func SortRecords(records []*MemoryRecord, order Order) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			if order == OrderLastAccessedDesc {
				return a.LastAccessedAt.After(b.LastAccessedAt)
			}
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.ID < b.ID
	})
}

// SortMatches orders matches by descending similarity, then by id.
func SortMatches(matches []VectorMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
}

// ScoreRecords computes cosine matches of source against records in process.
// Used by backends without server-side vector functions.
func ScoreRecords(source []float64, records []*MemoryRecord, threshold float64, limit int) []VectorMatch {
	matches := make([]VectorMatch, 0, len(records))
	for _, r := range records {
		if r.Deleted || len(r.Embedding) != len(source) {
			continue
		}
		sim := vector.CosineSimilarity(source, r.Embedding)
		if sim >= threshold {
			matches = append(matches, VectorMatch{ID: r.ID, Similarity: sim})
		}
	}
	SortMatches(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Dialect describes how a SQL backend spells placeholders, timestamps and
// the live-record condition.
type Dialect struct {
	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// TimeValue converts a timestamp into a bind value.
	TimeValue func(t time.Time) any

	// NotDeleted is the condition selecting live records.
	NotDeleted string
}

// BuildWhere renders filter as a WHERE clause. Bind parameters are numbered
// from start (1-based); the returned args are in placeholder order.
func BuildWhere(f CandidateFilter, d Dialect, start int) (string, []any) {
	conditions := []string{d.NotDeleted}
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return d.Placeholder(start + len(args) - 1)
	}

	if len(f.IDs) > 0 {
		ph := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ph[i] = next(id)
		}
		conditions = append(conditions, fmt.Sprintf("id IN (%s)", strings.Join(ph, ", ")))
	}
	if len(f.Categories) > 0 {
		ph := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			ph[i] = next(c)
		}
		conditions = append(conditions, fmt.Sprintf("category IN (%s)", strings.Join(ph, ", ")))
	}
	if f.MinSafetyScore > 0 {
		conditions = append(conditions, "safety_score >= "+next(f.MinSafetyScore))
	}
	if !f.AccessedAfter.IsZero() {
		conditions = append(conditions, "last_accessed_at >= "+next(d.TimeValue(f.AccessedAfter)))
	}
	if !f.AccessedBefore.IsZero() {
		conditions = append(conditions, "last_accessed_at < "+next(d.TimeValue(f.AccessedBefore)))
	}
	if f.RequireEmbedding {
		conditions = append(conditions, "embedding IS NOT NULL")
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// OrderClause renders the ORDER BY clause for order.
func OrderClause(order Order) string {
	if order == OrderLastAccessedDesc {
		return "ORDER BY last_accessed_at DESC, id ASC"
	}
	return "ORDER BY last_accessed_at ASC, id ASC"
}

// LimitClause renders a LIMIT clause, or nothing for limit <= 0.
func LimitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d", limit)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
