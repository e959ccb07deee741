package substrate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oceanbase/powermem-substrate/pkg/core"
)

type loops struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Start launches the background loops: the cache's expired-entry sweep, the
// decay maintenance loop and the centroid refresh. Loops with a zero interval
// are not started. The loops run until ctx is cancelled or Stop is called.
//
// Returns an error when the loops are already running.
func (s *Substrate) Start(ctx context.Context) error {
	s.loops.mu.Lock()
	defer s.loops.mu.Unlock()
	if s.loops.running {
		return core.NewMemoryError("substrate.Start", fmt.Errorf("%w: already started", core.ErrInvalidInput))
	}

	cfg := s.Config()
	ctx, cancel := context.WithCancel(ctx)
	s.loops.cancel = cancel
	s.loops.running = true

	if interval := cfg.Cache.CleanupInterval(); interval > 0 {
		done := s.cache.StartCleanupTimer(ctx, interval)
		s.track(func() { <-done })
	}
	if interval := cfg.Decay.Interval(); interval > 0 {
		s.track(func() {
			err := s.decay.MaintenanceLoop(ctx, interval, cfg.Decay.BatchSize)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.logger.Error("substrate: decay loop stopped", "err", err)
			}
		})
	}
	if interval := cfg.Cluster.RefreshInterval(); interval > 0 {
		done := s.clusters.StartRefreshTimer(ctx, interval)
		s.track(func() { <-done })
	}

	s.logger.Info("substrate: background loops started",
		"cache_cleanup", cfg.Cache.CleanupInterval(),
		"decay", cfg.Decay.Interval(),
		"centroid_refresh", cfg.Cluster.RefreshInterval(),
	)
	return nil
}

func (s *Substrate) track(fn func()) {
	s.loops.wg.Add(1)
	go func() {
		defer s.loops.wg.Done()
		fn()
	}()
}

// Wait blocks until every background loop has exited.
func (s *Substrate) Wait() {
	s.loops.wg.Wait()
}

// Stop cancels the background loops and waits for them to exit. Loops stop
// between items, never in the middle of a record update.
func (s *Substrate) Stop() {
	s.loops.mu.Lock()
	cancel := s.loops.cancel
	s.loops.cancel = nil
	s.loops.running = false
	s.loops.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.Wait()
}

// Reload reads the configuration source again and swaps in the decay table,
// the cache safety gate and the clustering thresholds. Cache capacity and
// backends keep their startup values; new loop intervals take effect on the
// next Start.
func (s *Substrate) Reload() error {
	if s.source == nil {
		return core.NewMemoryError("substrate.Reload", fmt.Errorf("%w: no configuration source", core.ErrInvalidConfig))
	}
	cfg, err := s.source.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.decay.SetConfiguration(cfg.Decay); err != nil {
		return err
	}
	if err := s.cache.SetMinSafetyScore(cfg.Cache.MinSafetyScore); err != nil {
		return err
	}
	clusterCfg := cfg.Cluster
	clusterCfg.NodeID = s.config.Cluster.NodeID
	if err := s.clusters.SetConfiguration(clusterCfg); err != nil {
		return err
	}

	next := *s.config
	next.Decay = cfg.Decay
	next.Cache.MinSafetyScore = cfg.Cache.MinSafetyScore
	next.Cluster = clusterCfg
	s.config = &next

	s.logger.Info("substrate: configuration reloaded", "categories", len(cfg.Decay.Categories))
	return nil
}
