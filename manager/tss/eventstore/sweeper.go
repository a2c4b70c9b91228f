package eventstore

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultCheckInterval = 10 * time.Minute
	defaultRetention     = 7 * 24 * time.Hour
)

// SweeperConfig holds configuration for the retention sweeper.
type SweeperConfig struct {
	Store         *Store
	CheckInterval time.Duration
	Retention     time.Duration
	Logger        zerolog.Logger
}

// Sweeper periodically deletes finished ceremonies older than the retention.
type Sweeper struct {
	store         *Store
	checkInterval time.Duration
	retention     time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// NewSweeper creates a new retention sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Sweeper{
		store:         cfg.Store,
		checkInterval: interval,
		retention:     retention,
		now:           time.Now,
		logger:        cfg.Logger.With().Str("component", "ceremony_sweeper").Logger(),
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() int64 {
	n, err := s.store.ClearFinishedBefore(s.now().Add(-s.retention))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to sweep finished ceremonies")
		return 0
	}
	return n
}
