// Package detector turns raw whale position snapshots into trade signals.
// It diffs each fetch against the previous snapshot, derives the change
// kind, and emits deduplicated signals into the queue.
package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/cache"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/events"
	"whale-copy-trader/internal/exchange"
)

// Change kinds carried in dedup tokens
const (
	ChangeOpen         = "OPEN"
	ChangeClose        = "CLOSE"
	ChangeAdd          = "ADD"
	ChangePartialClose = "PARTIAL_CLOSE"
)

// dedupBucket groups CEX change detections into 60-second blocks so a
// re-fetch inside the block cannot double-emit
const dedupBucket = 60 * time.Second

// localDedupRetention bounds the in-process token set when Redis is down
const localDedupRetention = 10 * time.Minute

// addThreshold is the material-increase cutoff for ADD signals
var addThreshold = decimal.NewFromFloat(0.05)

// SignalSink receives detected signals. Implemented by the signal queue.
type SignalSink interface {
	Push(ctx context.Context, s *database.Signal) error
}

// WhaleRecorder persists fetch bookkeeping on the whale row
type WhaleRecorder interface {
	RecordWhaleChecked(ctx context.Context, whaleID int64, positionsFound bool) error
}

// Detector compares position snapshots and emits signals
type Detector struct {
	sink     SignalSink
	store    WhaleRecorder
	cache    *cache.Service
	events   *events.EventBus
	logger   zerolog.Logger
	riskCfg  config.RiskConfig

	mu        sync.Mutex
	snapshots map[int64]map[string]exchange.WhalePosition
	seen      map[string]time.Time

	emitted int64
	deduped int64
}

func New(sink SignalSink, store WhaleRecorder, cacheSvc *cache.Service, bus *events.EventBus, riskCfg config.RiskConfig, logger zerolog.Logger) *Detector {
	return &Detector{
		sink:      sink,
		store:     store,
		cache:     cacheSvc,
		events:    bus,
		riskCfg:   riskCfg,
		logger:    logger.With().Str("component", "detector").Logger(),
		snapshots: make(map[int64]map[string]exchange.WhalePosition),
		seen:      make(map[string]time.Time),
	}
}

// ProcessFetch diffs the fetched positions against the whale's previous
// snapshot and emits signals for every meaningful change. The first fetch
// for a whale establishes the baseline without emitting; a process restart
// must not replay a whale's whole book as fresh opens.
func (d *Detector) ProcessFetch(ctx context.Context, whale *database.Whale, positions []exchange.WhalePosition) int {
	current := make(map[string]exchange.WhalePosition, len(positions))
	for _, p := range positions {
		current[p.Symbol] = p
	}

	d.mu.Lock()
	previous, hadBaseline := d.snapshots[whale.ID]
	d.snapshots[whale.ID] = current
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.RecordWhaleChecked(ctx, whale.ID, len(positions) > 0); err != nil {
			d.logger.Error().Err(err).Int64("whale_id", whale.ID).Msg("Failed to record whale check")
		}
	}
	if !hadBaseline {
		return 0
	}

	now := time.Now()
	emitted := 0
	for symbol, cur := range current {
		prev, existed := previous[symbol]
		if !existed {
			if d.emit(ctx, d.openSignal(whale, cur, now)) {
				emitted++
			}
			continue
		}
		if cur.Side != prev.Side {
			// flip: close the old direction, open the new one
			if d.emit(ctx, d.closeSignal(whale, prev, prev.NotionalUSD, ChangeClose, now)) {
				emitted++
			}
			if d.emit(ctx, d.openSignal(whale, cur, now)) {
				emitted++
			}
			continue
		}
		switch {
		case cur.Quantity.GreaterThan(prev.Quantity):
			if d.isMaterialAdd(whale.Exchange, prev, cur) {
				if d.emit(ctx, d.addSignal(whale, prev, cur, now)) {
					emitted++
				}
			}
		case cur.Quantity.LessThan(prev.Quantity):
			removed := prev.Quantity.Sub(cur.Quantity).Mul(markOrEntry(cur))
			if d.emit(ctx, d.closeSignal(whale, cur, removed, ChangePartialClose, now)) {
				emitted++
			}
		}
	}
	for symbol, prev := range previous {
		if _, still := current[symbol]; !still {
			if d.emit(ctx, d.closeSignal(whale, prev, prev.NotionalUSD, ChangeClose, now)) {
				emitted++
			}
		}
	}
	return emitted
}

// ObserveDexSwap emits a signal for an on-chain swap by a tracked wallet.
// Swaps below the USD floor or without a CEX-listed symbol are ignored.
// The transaction hash is the dedup token, so reorg re-parses are no-ops.
func (d *Detector) ObserveDexSwap(ctx context.Context, whale *database.Whale, txHash, tokenSymbol string, isBuy bool, amountUSD, price decimal.Decimal) bool {
	minSwap := decimal.NewFromFloat(d.riskCfg.DexMinSwapUSD)
	if minSwap.IsZero() {
		minSwap = decimal.NewFromInt(10000)
	}
	if amountUSD.LessThan(minSwap) {
		return false
	}
	symbol, ok := cexSymbolFor(tokenSymbol)
	if !ok {
		d.logger.Debug().Str("token", tokenSymbol).Msg("DEX swap token has no CEX mapping")
		return false
	}

	side := "SELL"
	if isBuy {
		side = "BUY"
	}
	return d.emit(ctx, &database.Signal{
		WhaleID:    whale.ID,
		Source:     database.SignalSourceWhale,
		Symbol:     symbol,
		Side:       side,
		TradeType:  database.TradeTypeSpot,
		Price:      price,
		SizeUSD:    amountUSD,
		Priority:   priorityFor(whale, amountUSD, false),
		DedupToken: txHash,
		DetectedAt: time.Now(),
	})
}

func (d *Detector) openSignal(whale *database.Whale, p exchange.WhalePosition, now time.Time) *database.Signal {
	return &database.Signal{
		WhaleID:    whale.ID,
		Source:     database.SignalSourceWhale,
		Symbol:     p.Symbol,
		Side:       sideFor(p.Side),
		TradeType:  tradeTypeFor(p),
		Price:      markOrEntry(p),
		SizeUSD:    p.NotionalUSD,
		Priority:   priorityFor(whale, p.NotionalUSD, false),
		DedupToken: cexDedupToken(whale.ID, p.Symbol, ChangeOpen, now),
		DetectedAt: now,
	}
}

func (d *Detector) addSignal(whale *database.Whale, prev, cur exchange.WhalePosition, now time.Time) *database.Signal {
	added := cur.Quantity.Sub(prev.Quantity).Mul(markOrEntry(cur))
	return &database.Signal{
		WhaleID:    whale.ID,
		Source:     database.SignalSourceWhale,
		Symbol:     cur.Symbol,
		Side:       sideFor(cur.Side),
		TradeType:  tradeTypeFor(cur),
		Price:      markOrEntry(cur),
		SizeUSD:    added,
		Priority:   priorityFor(whale, added, false),
		DedupToken: cexDedupToken(whale.ID, cur.Symbol, ChangeAdd, now),
		DetectedAt: now,
	}
}

func (d *Detector) closeSignal(whale *database.Whale, p exchange.WhalePosition, sizeUSD decimal.Decimal, kind string, now time.Time) *database.Signal {
	// closing trades in the opposite direction of the position
	side := "SELL"
	if p.Side == exchange.PositionShort {
		side = "BUY"
	}
	return &database.Signal{
		WhaleID:    whale.ID,
		Source:     database.SignalSourceWhale,
		Symbol:     p.Symbol,
		Side:       side,
		TradeType:  tradeTypeFor(p),
		Price:      markOrEntry(p),
		SizeUSD:    sizeUSD,
		IsClose:    true,
		Priority:   priorityFor(whale, sizeUSD, true),
		DedupToken: cexDedupToken(whale.ID, p.Symbol, kind, now),
		DetectedAt: now,
	}
}

// isMaterialAdd requires both a >5% quantity increase and an added notional
// above the venue's minimum, filtering rebalance noise
func (d *Detector) isMaterialAdd(venue string, prev, cur exchange.WhalePosition) bool {
	if prev.Quantity.IsZero() {
		return true
	}
	growth := cur.Quantity.Sub(prev.Quantity).Div(prev.Quantity)
	if growth.LessThanOrEqual(addThreshold) {
		return false
	}
	minNotional := decimal.NewFromInt(10)
	if v, ok := d.riskCfg.ExchangeMinNotional[venue]; ok {
		minNotional = decimal.NewFromFloat(v)
	}
	added := cur.Quantity.Sub(prev.Quantity).Mul(markOrEntry(cur))
	return added.GreaterThanOrEqual(minNotional)
}

// emit pushes the signal unless its dedup token was already seen. Redis
// backs the token set so restarts and multi-instance runs stay covered;
// the local map is the fallback when Redis degrades.
func (d *Detector) emit(ctx context.Context, s *database.Signal) bool {
	if d.alreadySeen(ctx, s.DedupToken) {
		d.mu.Lock()
		d.deduped++
		d.mu.Unlock()
		return false
	}

	if err := d.sink.Push(ctx, s); err != nil {
		d.logger.Error().Err(err).
			Int64("whale_id", s.WhaleID).
			Str("symbol", s.Symbol).
			Msg("Failed to enqueue signal")
		return false
	}
	if s.ID == 0 && s.DedupToken != "" {
		// the store swallowed it as a duplicate
		return false
	}

	d.mu.Lock()
	d.emitted++
	d.mu.Unlock()

	if d.events != nil {
		d.events.PublishSignalDetected(s.ID, s.WhaleID, s.Symbol, s.Side, s.TradeType, s.SizeUSD)
	}
	d.logger.Info().
		Int64("signal_id", s.ID).
		Int64("whale_id", s.WhaleID).
		Str("symbol", s.Symbol).
		Str("side", s.Side).
		Bool("is_close", s.IsClose).
		Str("priority", s.Priority).
		Str("size_usd", s.SizeUSD.String()).
		Msg("Signal detected")
	return true
}

func (d *Detector) alreadySeen(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}

	now := time.Now()
	d.mu.Lock()
	for k, at := range d.seen {
		if now.Sub(at) > localDedupRetention {
			delete(d.seen, k)
		}
	}
	_, local := d.seen[token]
	if !local {
		d.seen[token] = now
	}
	d.mu.Unlock()
	if local {
		return true
	}

	if d.cache != nil {
		ok, err := d.cache.SetNX(ctx, "sig:dedup:"+token, "1", localDedupRetention)
		if err == nil && !ok {
			return true
		}
	}
	return false
}

func cexDedupToken(whaleID int64, symbol, kind string, at time.Time) string {
	bucket := at.Unix() / int64(dedupBucket.Seconds())
	return fmt.Sprintf("%d:%s:%s:%d", whaleID, symbol, kind, bucket)
}

func sideFor(side exchange.PositionSide) string {
	if side == exchange.PositionShort {
		return "SELL"
	}
	return "BUY"
}

func tradeTypeFor(p exchange.WhalePosition) string {
	if p.IsSpot {
		return database.TradeTypeSpot
	}
	if p.Side == exchange.PositionShort {
		return database.TradeTypeFuturesShort
	}
	return database.TradeTypeFuturesLong
}

// priorityFor ranks closes and followed-whale moves above everything else.
// Large unfollowed moves sit in the middle, small ones at the back.
func priorityFor(whale *database.Whale, sizeUSD decimal.Decimal, isClose bool) string {
	if isClose || whale.FollowerCount > 0 {
		return database.PriorityHigh
	}
	if sizeUSD.GreaterThanOrEqual(decimal.NewFromInt(100000)) {
		return database.PriorityMedium
	}
	return database.PriorityLow
}

func markOrEntry(p exchange.WhalePosition) decimal.Decimal {
	if !p.MarkPrice.IsZero() {
		return p.MarkPrice
	}
	return p.EntryPrice
}

// cexMappings maps bare DEX token symbols onto canonical CEX pairs. Wrapped
// forms trade as their underlying.
var cexMappings = map[string]string{
	"WETH":  "ETHUSDT",
	"WBTC":  "BTCUSDT",
	"WSOL":  "SOLUSDT",
	"WBNB":  "BNBUSDT",
	"WMATIC": "MATICUSDT",
}

// dexExcluded lists tokens that must never map onto a tradable pair
var dexExcluded = map[string]bool{
	"USDT": true,
	"USDC": true,
	"DAI":  true,
	"FDUSD": true,
}

func cexSymbolFor(token string) (string, bool) {
	if dexExcluded[token] {
		return "", false
	}
	if mapped, ok := cexMappings[token]; ok {
		return mapped, true
	}
	if token == "" {
		return "", false
	}
	return exchange.CanonicalSymbol(token + "USDT"), true
}

// Stats is a snapshot of detector counters
type Stats struct {
	Emitted        int64 `json:"emitted"`
	Deduped        int64 `json:"deduped"`
	TrackedWhales  int   `json:"tracked_whales"`
}

func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Emitted:       d.emitted,
		Deduped:       d.deduped,
		TrackedWhales: len(d.snapshots),
	}
}
