package service

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Replenisher runs SchemaPoolService.Tick on a fixed interval.
type Replenisher struct {
	pool     *SchemaPoolService
	interval time.Duration
	cron     *cron.Cron

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReplenisher(pool *SchemaPoolService, interval time.Duration) *Replenisher {
	logger := cronLogger{logger: log.With().Str("component", "replenisher").Logger()}
	return &Replenisher{
		pool:     pool,
		interval: interval,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start schedules the tick and runs one immediately. Ticks stop when ctx is
// cancelled or Stop is called.
func (r *Replenisher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(func() {
		r.pool.Tick(ctx)
	}))
	r.cron.Start()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pool.Tick(ctx)
	}()

	log.Info().Dur("interval", r.interval).Int("min_ready", r.pool.MinReady()).Msg("Schema pool replenisher started")
}

// Stop cancels any running tick and waits for it to return.
func (r *Replenisher) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-r.cron.Stop().Done()
	r.wg.Wait()
	log.Info().Msg("Schema pool replenisher stopped")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
