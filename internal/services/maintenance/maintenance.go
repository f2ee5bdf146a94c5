// Package maintenance runs periodic storage upkeep: pruning old invocation
// records and cached artifacts no install references anymore.
package maintenance

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dylibso/discordbot/internal/storage"
	logx "github.com/dylibso/discordbot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Schedule is a cron spec; default "@hourly".
	Schedule string
	// InvocationRetention is how far back invocation records are kept.
	// Default one week.
	InvocationRetention time.Duration
}

type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if cfg.InvocationRetention <= 0 {
		cfg.InvocationRetention = 7 * 24 * time.Hour
	}
	return &Service{cfg: cfg, store: store, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	// SecondOptional allows both 5-field and 6-field cron specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in maintenance job",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		s.run(ctx)
	})
	if err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("maintenance stopped")
}

func (s *Service) run(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.InvocationRetention)
	pruned, err := s.store.PruneInvocations(cctx, cutoff)
	if err != nil {
		s.log.Warn("invocation prune failed", logx.Err(err))
	} else if pruned > 0 {
		s.log.Info("pruned invocations", logx.Int64("count", pruned))
	}

	orphaned, err := s.store.PruneArtifacts(cctx)
	if err != nil {
		s.log.Warn("artifact prune failed", logx.Err(err))
	} else if orphaned > 0 {
		s.log.Info("pruned orphaned artifacts", logx.Int64("count", orphaned))
	}
}
