package substrate

import (
	"context"
	"fmt"

	"github.com/oceanbase/powermem-substrate/pkg/cache"
	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
	"github.com/oceanbase/powermem-substrate/pkg/vector"
)

// VectorFor returns the vector of content, computing it on a cache miss.
//
// The flow is:
//  1. Look the fingerprint up in the cache
//  2. On a miss, score and abstract content with the safety scorer
//  3. Embed the abstracted content and normalize the vector
//  4. Offer the result to the cache (the safety gate may decline it)
//
// Content the scorer cannot abstract returns core.ErrRejected. A result that
// fails the cache's safety gate is still returned, uncached.
func (s *Substrate) VectorFor(ctx context.Context, content, contentType, language string) (cache.VectorResult, error) {
	if s.embedder == nil {
		return cache.VectorResult{}, core.NewMemoryError("substrate.VectorFor", fmt.Errorf("%w: no embedder configured", core.ErrInvalidConfig))
	}

	key := cache.NewKey(content, s.embedder.Model(), contentType, language)
	if res, ok := s.cache.Get(key); ok {
		return res, nil
	}

	assessment := s.scorer.Score(content)
	if !assessment.Success {
		return cache.VectorResult{}, core.NewMemoryError("substrate.VectorFor", fmt.Errorf("%w: content could not be abstracted", core.ErrRejected))
	}

	raw, err := s.embedder.Embed(ctx, assessment.Abstracted)
	if err != nil {
		return cache.VectorResult{}, core.NewMemoryError("substrate.VectorFor", err)
	}
	if err := vector.Validate(raw); err != nil {
		return cache.VectorResult{}, core.NewMemoryError("substrate.VectorFor", fmt.Errorf("%w: %w", core.ErrEmbeddingFailed, err))
	}
	normalized := vector.Normalize(raw)

	res := cache.VectorResult{
		Vector:      normalized,
		SafetyScore: assessment.Score,
		ContentHash: cache.ContentHash(content),
		Dimensions:  len(normalized),
		GeneratedAt: s.now(),
	}
	stored, err := s.cache.Put(key, res, 0)
	if err != nil {
		return cache.VectorResult{}, err
	}
	if !stored {
		s.logger.Debug("substrate: vector not cached", "hash", res.ContentHash, "safety", res.SafetyScore)
	}
	return res, nil
}

// AddRecord embeds content and inserts it into the record store with full
// weight. The record's safety score is the scorer's assessment.
func (s *Substrate) AddRecord(ctx context.Context, content, category string) (*storage.MemoryRecord, error) {
	if category == "" {
		category = core.CategoryDefault
	}
	res, err := s.VectorFor(ctx, content, "record", "")
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &storage.MemoryRecord{
		Content:        content,
		Category:       category,
		Weight:         1.0,
		SafetyScore:    res.SafetyScore,
		LastAccessedAt: now,
		CreatedAt:      now,
		Embedding:      res.Vector,
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return nil, core.NewMemoryError("substrate.AddRecord", err)
	}
	return r, nil
}
