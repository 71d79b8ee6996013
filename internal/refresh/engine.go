// Package refresh periodically runs every adapter across every chain and
// stores the raw loops and token yields for the database read path.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/web3-frozen/yield-loops/internal/aggregate"
	"github.com/web3-frozen/yield-loops/internal/cache"
	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/loop"
	"github.com/web3-frozen/yield-loops/internal/metrics"
	"github.com/web3-frozen/yield-loops/internal/store"
)

// Stored loops keep the raw max LTV and liquidation threshold, so adapters
// run without a depeg haircut and readers apply their own.
const refreshDepeg = 1.0

// Collector runs the adapters. *aggregate.Service satisfies it.
type Collector interface {
	Collect(ctx context.Context, requested chains.Set, protocols []loop.Protocol, depeg float64) []aggregate.Result
}

// Sink persists refresh output. *store.Store satisfies it.
type Sink interface {
	ReplaceLoops(ctx context.Context, protocol string, rows []store.LoopRow) error
	UpsertYields(ctx context.Context, yields []store.TokenYield) error
}

// Guard lets one replica claim a scheduled run. *dedup.Deduplicator
// satisfies it.
type Guard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

const guardKey = "refresh"

// Status describes the last completed run.
type Status struct {
	LastRun     time.Time         `json:"lastRun"`
	LastSuccess time.Time         `json:"lastSuccess"`
	Rows        map[string]int    `json:"rows"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// Engine polls the adapters on a fixed interval and on demand.
type Engine struct {
	collector Collector
	enricher  aggregate.Enricher
	sink      Sink
	logger    *slog.Logger
	interval  time.Duration
	trigger   chan struct{}
	guard     Guard

	run    sync.Mutex
	mu     sync.RWMutex
	status Status
}

func NewEngine(collector Collector, enricher aggregate.Enricher, sink Sink, interval time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		collector: collector,
		enricher:  enricher,
		sink:      sink,
		logger:    logger,
		interval:  interval,
		trigger:   make(chan struct{}, 1),
	}
}

// WithGuard makes scheduled runs skip when another replica already ran
// within the interval. Triggered runs are never skipped.
func (e *Engine) WithGuard(g Guard) *Engine {
	e.guard = g
	return e
}

// Run refreshes once, then on every tick and every Trigger, until ctx is
// done. A zero interval disables the ticker but keeps Trigger working.
func (e *Engine) Run(ctx context.Context) {
	e.scheduled(ctx)

	var tick <-chan time.Time
	if e.interval > 0 {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			e.scheduled(ctx)
		case <-e.trigger:
			e.refresh(cache.WithForce(ctx))
		}
	}
}

// Trigger queues a forced refresh that bypasses the caches. It reports
// false when one is already queued.
func (e *Engine) Trigger() bool {
	select {
	case e.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Status returns a copy of the last run's status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.status
	s.Rows = copyMap(s.Rows)
	s.Errors = copyMap(s.Errors)
	return s
}

func (e *Engine) scheduled(ctx context.Context) {
	if e.guard != nil && e.interval > 0 {
		ok, err := e.guard.Claim(ctx, guardKey, e.interval)
		if err != nil {
			e.logger.Warn("refresh claim failed, running anyway", "error", err)
		} else if !ok {
			e.logger.Debug("refresh claimed by another replica")
			return
		}
	}
	e.refresh(ctx)
}

func (e *Engine) refresh(ctx context.Context) {
	if _, err := e.RunOnce(ctx); err != nil {
		e.logger.Error("refresh failed", "error", err)
	}
}

// RunOnce performs one refresh. Each protocol's rows are replaced only if
// its adapter succeeded; a failing adapter leaves its previous rows. The
// error joins every adapter and write failure.
func (e *Engine) RunOnce(ctx context.Context) (Status, error) {
	e.run.Lock()
	defer e.run.Unlock()

	start := time.Now()
	status := Status{LastRun: start, Rows: map[string]int{}, Errors: map[string]string{}}
	var errs []error

	results := e.collector.Collect(ctx, chains.NewSet(chains.Keys()...), nil, refreshDepeg)

	var all []loop.YieldLoop
	for _, r := range results {
		p := string(r.Protocol)
		if r.Err != nil {
			status.Errors[p] = r.Err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", p, r.Err))
			continue
		}
		rows := make([]store.LoopRow, len(r.Loops))
		for i, l := range r.Loops {
			rows[i] = toRow(l)
		}
		if err := e.sink.ReplaceLoops(ctx, p, rows); err != nil {
			status.Errors[p] = err.Error()
			errs = append(errs, fmt.Errorf("store %s loops: %w", p, err))
			continue
		}
		status.Rows[p] = len(rows)
		metrics.RefreshRows.WithLabelValues(p).Set(float64(len(rows)))
		all = append(all, r.Loops...)
	}

	yields := e.tokenYields(ctx, all)
	if err := e.sink.UpsertYields(ctx, yields); err != nil {
		status.Errors["yields"] = err.Error()
		errs = append(errs, fmt.Errorf("store yields: %w", err))
	}

	e.mu.Lock()
	status.LastSuccess = e.status.LastSuccess
	if len(errs) == 0 {
		status.LastSuccess = time.Now()
		metrics.RefreshLastSuccess.Set(float64(status.LastSuccess.Unix()))
	}
	e.status = status
	e.mu.Unlock()

	e.logger.Info("refresh done", "rows", status.Rows, "yields", len(yields), "errors", len(errs), "duration", time.Since(start))
	return e.Status(), errors.Join(errs...)
}

// tokenYields looks up one figure per distinct lower-cased symbol, using
// the first chain and address it was seen with.
func (e *Engine) tokenYields(ctx context.Context, loops []loop.YieldLoop) []store.TokenYield {
	type ref struct {
		symbol  string
		chainID int64
		address string
	}
	var order []string
	seen := make(map[string]ref)
	add := func(chainID int64, a loop.AssetRef) {
		key := strings.ToLower(a.Symbol)
		if key == "" {
			return
		}
		if _, ok := seen[key]; !ok {
			seen[key] = ref{a.Symbol, chainID, a.Address}
			order = append(order, key)
		}
	}
	for _, l := range loops {
		add(l.ChainID, l.SupplyAsset)
		add(l.ChainID, l.BorrowAsset)
	}

	out := make([]store.TokenYield, len(order))
	var wg sync.WaitGroup
	for i, symbol := range order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := seen[symbol]
			apr := e.enricher.TokenApr(ctx, r.symbol, r.chainID, r.address)
			out[i] = store.TokenYield{Symbol: symbol, Daily: apr, Weekly: apr, Monthly: apr, Yearly: apr}
		}()
	}
	wg.Wait()
	return out
}

func toRow(l loop.YieldLoop) store.LoopRow {
	liquidity := l.LiquidityUSD
	return store.LoopRow{
		Protocol:           string(l.Protocol),
		ChainID:            l.ChainID,
		SupplyAssetAddress: l.SupplyAsset.Address,
		SupplyAssetSymbol:  l.SupplyAsset.Symbol,
		BorrowAssetAddress: l.BorrowAsset.Address,
		BorrowAssetSymbol:  l.BorrowAsset.Symbol,
		SupplyAprDaily:     l.SupplyApr.Daily,
		SupplyAprWeekly:    l.SupplyApr.Weekly,
		SupplyAprMonthly:   l.SupplyApr.Monthly,
		SupplyAprYearly:    l.SupplyApr.Yearly,
		BorrowAprDaily:     l.BorrowApr.Daily,
		BorrowAprWeekly:    l.BorrowApr.Weekly,
		BorrowAprMonthly:   l.BorrowApr.Monthly,
		BorrowAprYearly:    l.BorrowApr.Yearly,
		LiquidityUSD:       &liquidity,
		MaxLTV:             l.MaxLTV,
		LLTV:               l.LiquidationThreshold,
		Link:               l.Link,
	}
}

func copyMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
