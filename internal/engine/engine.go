package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/events"
	"whale-copy-trader/internal/queue"
)

// Engine drains the signal queue with a pool of workers. Each claimed
// signal fans out to its whale's auto-copy followers; per-follower failures
// never fail the signal as a whole.
type Engine struct {
	queue    queue.Queue
	store    Store
	executor *Executor
	events   *events.EventBus
	queueCfg config.QueueConfig
	engCfg   config.EngineConfig
	logger   zerolog.Logger

	processed atomic.Int64
	failed    atomic.Int64
	trades    atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Stats struct {
	SignalsProcessed int64 `json:"signals_processed"`
	SignalsFailed    int64 `json:"signals_failed"`
	TradesExecuted   int64 `json:"trades_executed"`
}

func New(q queue.Queue, store Store, executor *Executor, bus *events.EventBus, queueCfg config.QueueConfig, engCfg config.EngineConfig, logger zerolog.Logger) *Engine {
	if queueCfg.Workers <= 0 {
		queueCfg.Workers = 4
	}
	if queueCfg.PollInterval <= 0 {
		queueCfg.PollInterval = time.Second
	}
	if queueCfg.CleanupInterval <= 0 {
		queueCfg.CleanupInterval = time.Minute
	}
	if engCfg.FollowerWorkers <= 0 {
		engCfg.FollowerWorkers = 8
	}
	return &Engine{
		queue:    q,
		store:    store,
		executor: executor,
		events:   bus,
		queueCfg: queueCfg,
		engCfg:   engCfg,
		logger:   logger.With().Str("component", "engine").Logger(),
		stopChan: make(chan struct{}),
	}
}

func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.queueCfg.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx, i)
	}
	e.wg.Add(1)
	go e.cleanupLoop(ctx)
	e.logger.Info().Int("workers", e.queueCfg.Workers).Msg("Trade engine started")
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, id int) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.queueCfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.drain(ctx, id)
		}
	}
}

// drain claims signals until the queue runs dry so a burst does not wait
// one poll interval per signal.
func (e *Engine) drain(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		default:
		}
		signal, err := e.queue.PickNext(ctx)
		if err != nil {
			e.logger.Error().Err(err).Int("worker", workerID).Msg("Failed to claim signal")
			return
		}
		if signal == nil {
			return
		}
		e.processSignal(ctx, signal)
	}
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.queueCfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			n, err := e.queue.CleanupExpired(ctx)
			if err != nil {
				e.logger.Error().Err(err).Msg("Signal cleanup failed")
				continue
			}
			if n > 0 {
				e.logger.Info().Int64("expired", n).Msg("Expired stale signals")
			}
		}
	}
}

func (e *Engine) processSignal(ctx context.Context, signal *database.Signal) {
	e.events.PublishSignalProcessingStarted(signal.ID)
	log := e.logger.With().
		Int64("signal_id", signal.ID).
		Int64("whale_id", signal.WhaleID).
		Str("symbol", signal.Symbol).
		Bool("is_close", signal.IsClose).
		Logger()

	var executed int
	var err error
	if signal.IsClose {
		executed, err = e.processClose(ctx, signal)
	} else {
		executed, err = e.processOpen(ctx, signal)
	}
	if err != nil {
		if markErr := e.queue.MarkFailed(ctx, signal.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("Failed to mark signal failed")
		}
		e.events.PublishSignalFailed(signal.ID, err.Error())
		e.failed.Add(1)
		log.Error().Err(err).Msg("Signal processing failed")
		return
	}

	if markErr := e.queue.MarkProcessed(ctx, signal.ID, executed); markErr != nil {
		log.Error().Err(markErr).Msg("Failed to mark signal processed")
		return
	}
	e.events.PublishSignalProcessed(signal.ID, executed)
	e.processed.Add(1)
	e.trades.Add(int64(executed))
	log.Info().Int("trades", executed).Msg("Signal processed")
}

// processOpen copies the signal to every auto-copy follower, bounded by
// the follower worker pool. One follower's failure is logged and skipped.
func (e *Engine) processOpen(ctx context.Context, signal *database.Signal) (int, error) {
	followers, err := e.store.ListAutoCopyFollowers(ctx, signal.WhaleID)
	if err != nil {
		return 0, err
	}
	if len(followers) == 0 {
		return 0, nil
	}
	whale, err := e.store.GetWhale(ctx, signal.WhaleID)
	if err != nil {
		return 0, err
	}

	var executed atomic.Int64
	sem := make(chan struct{}, e.engCfg.FollowerWorkers)
	var wg sync.WaitGroup
	for _, f := range followers {
		select {
		case <-ctx.Done():
			wg.Wait()
			return int(executed.Load()), ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(f *database.Follower) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := e.executor.ExecuteOpen(ctx, signal, &f.User, &f.Follow, whale); err != nil {
				e.logger.Warn().Err(err).
					Int64("signal_id", signal.ID).
					Int64("user_id", f.User.ID).
					Msg("Follower copy skipped")
				return
			}
			executed.Add(1)
		}(f)
	}
	wg.Wait()
	return int(executed.Load()), nil
}

// processClose closes every follower position opened from this whale on
// this symbol. Positions opened manually or from other whales are untouched.
func (e *Engine) processClose(ctx context.Context, signal *database.Signal) (int, error) {
	positions, err := e.store.ListOpenPositionsForWhale(ctx, signal.WhaleID, signal.Symbol)
	if err != nil {
		return 0, err
	}
	var executed int
	for _, pos := range positions {
		if err := e.executor.ClosePosition(ctx, pos.ID, database.CloseWhaleExit, decimal.Zero); err != nil {
			e.logger.Warn().Err(err).
				Int64("signal_id", signal.ID).
				Int64("position_id", pos.ID).
				Msg("Whale exit close failed")
			continue
		}
		executed++
	}
	return executed, nil
}

// ManualCopy executes a signal for one user regardless of auto-copy
// settings. The follow row is optional; sizing falls back to user defaults.
func (e *Engine) ManualCopy(ctx context.Context, signal *database.Signal, userID int64) (*database.Trade, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	whale, err := e.store.GetWhale(ctx, signal.WhaleID)
	if err != nil {
		return nil, err
	}
	follow, err := e.store.GetFollow(ctx, userID, signal.WhaleID)
	if err != nil {
		follow = nil
	}
	return e.executor.ExecuteOpen(ctx, signal, user, follow, whale)
}

func (e *Engine) GetStats() Stats {
	return Stats{
		SignalsProcessed: e.processed.Load(),
		SignalsFailed:    e.failed.Load(),
		TradesExecuted:   e.trades.Load(),
	}
}
