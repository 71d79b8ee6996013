// Package aggregate runs the protocol adapters and turns their output, or
// the pre-joined database rows, into ranked loops.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/lending"
	"github.com/web3-frozen/yield-loops/internal/loop"
	"github.com/web3-frozen/yield-loops/internal/metrics"
	"github.com/web3-frozen/yield-loops/internal/ranking"
	"github.com/web3-frozen/yield-loops/internal/store"
)

// ErrNoStore is returned by FromStore when no database is configured.
var ErrNoStore = errors.New("no loop store configured")

// Enricher looks up the token-level APR of an asset. It never fails.
type Enricher interface {
	TokenApr(ctx context.Context, symbol string, chainID int64, address string) float64
}

// LoopReader reads stored loops joined with token yields.
type LoopReader interface {
	GetLoopsWithYields(ctx context.Context, q store.LoopQuery) ([]store.LoopWithYields, error)
}

// Result is the outcome of one adapter run. Err is set when the adapter
// failed; Loops is then empty.
type Result struct {
	Protocol loop.Protocol
	Loops    []loop.YieldLoop
	Err      error
}

type Service struct {
	adapters []lending.Adapter
	enricher Enricher
	loops    LoopReader
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the pipeline. loops may be nil, which disables FromStore.
func NewService(adapters []lending.Adapter, enricher Enricher, loops LoopReader, logger *slog.Logger) *Service {
	return &Service{
		adapters: adapters,
		enricher: enricher,
		loops:    loops,
		logger:   logger,
		now:      time.Now,
	}
}

// Protocols lists the protocols with a registered adapter.
func (s *Service) Protocols() []loop.Protocol {
	out := make([]loop.Protocol, len(s.adapters))
	for i, a := range s.adapters {
		out[i] = a.Protocol()
	}
	return out
}

// Collect runs every adapter whose protocol is in protocols (nil means all)
// concurrently and waits for all of them. Results keep adapter order.
func (s *Service) Collect(ctx context.Context, requested chains.Set, protocols []loop.Protocol, depeg float64) []Result {
	var selected []lending.Adapter
	for _, a := range s.adapters {
		if protocols == nil || contains(protocols, a.Protocol()) {
			selected = append(selected, a)
		}
	}

	results := make([]Result, len(selected))
	var g errgroup.Group
	for i, a := range selected {
		g.Go(func() error {
			p := a.Protocol()
			start := time.Now()
			loops, err := a.Search(ctx, requested, depeg)
			metrics.AdapterDuration.WithLabelValues(string(p)).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.AdapterErrors.WithLabelValues(string(p)).Inc()
				s.logger.Error("adapter search failed", "source", p, "error", err)
				results[i] = Result{Protocol: p, Err: err}
				return nil
			}
			metrics.AdapterLoops.WithLabelValues(string(p)).Set(float64(len(loops)))
			s.logger.Info("adapter search done", "source", p, "loops", len(loops), "duration", time.Since(start))
			results[i] = Result{Protocol: p, Loops: loops}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Search is the live path: adapters, token enrichment, ranking. A failing
// adapter contributes nothing.
func (s *Service) Search(ctx context.Context, f ranking.Filter) ([]ranking.Ranked, error) {
	requested := chains.NewSet(chains.Keys()...)
	if f.Chains != nil {
		requested = chains.NewSet(f.Chains...)
	}

	var cands []ranking.Candidate
	for _, r := range s.Collect(ctx, requested, f.Protocols, f.Depeg) {
		for _, l := range r.Loops {
			cands = append(cands, ranking.FromLoop(l))
		}
	}
	// Enrichment is the expensive part; drop what cannot survive first.
	cands = ranking.Select(cands, f, s.now())
	if err := s.enrich(ctx, cands, false); err != nil {
		return nil, err
	}
	return ranking.Rank(cands, f, s.now()), nil
}

// FromStore is the batch path over the loops_with_yields view. Legs whose
// symbol has no stored yields are enriched live.
func (s *Service) FromStore(ctx context.Context, f ranking.Filter) ([]ranking.Ranked, error) {
	if s.loops == nil {
		return nil, ErrNoStore
	}
	q := store.LoopQuery{ChainIDs: f.ChainIDs(), MinLiquidity: &f.MinLiquidity}
	if f.Protocols != nil {
		q.Protocols = make([]string, len(f.Protocols))
		for i, p := range f.Protocols {
			q.Protocols[i] = string(p)
		}
	}
	rows, err := s.loops.GetLoopsWithYields(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read stored loops: %w", err)
	}

	cands := make([]ranking.Candidate, len(rows))
	for i, r := range rows {
		cands[i] = ranking.FromRow(r)
	}
	cands = ranking.Select(cands, f, s.now())
	if err := s.enrich(ctx, cands, true); err != nil {
		return nil, err
	}
	return ranking.Rank(cands, f, s.now()), nil
}

type token struct {
	symbol  string
	chainID int64
	address string
}

// enrich fills the token yields of every leg, one lookup per distinct
// token. With onlyMissing, legs that already carry a figure are left alone.
func (s *Service) enrich(ctx context.Context, cands []ranking.Candidate, onlyMissing bool) error {
	aprs := make(map[token]*float64)
	want := func(ref loop.AssetRef, chainID int64, figs ranking.Figures) {
		if onlyMissing && !empty(figs) {
			return
		}
		aprs[token{ref.Symbol, chainID, ref.Address}] = new(float64)
	}
	for _, c := range cands {
		want(c.SupplyAsset, c.ChainID, c.SupplyYield)
		want(c.BorrowAsset, c.ChainID, c.BorrowYield)
	}

	var g errgroup.Group
	for t, out := range aprs {
		g.Go(func() error {
			*out = s.enricher.TokenApr(ctx, t.symbol, t.chainID, t.address)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for i := range cands {
		c := &cands[i]
		if v, ok := aprs[token{c.SupplyAsset.Symbol, c.ChainID, c.SupplyAsset.Address}]; ok {
			c.SupplyYield = ranking.FromRates(loop.Uniform(*v))
		}
		if v, ok := aprs[token{c.BorrowAsset.Symbol, c.ChainID, c.BorrowAsset.Address}]; ok {
			c.BorrowYield = ranking.FromRates(loop.Uniform(*v))
		}
	}
	return nil
}

func empty(f ranking.Figures) bool {
	return f.Daily == nil && f.Weekly == nil && f.Monthly == nil && f.Yearly == nil
}

func contains(list []loop.Protocol, p loop.Protocol) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}
