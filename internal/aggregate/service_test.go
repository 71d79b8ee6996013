package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/lending"
	"github.com/web3-frozen/yield-loops/internal/loop"
	"github.com/web3-frozen/yield-loops/internal/ranking"
	"github.com/web3-frozen/yield-loops/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAdapter struct {
	protocol loop.Protocol
	loops    []loop.YieldLoop
	err      error

	mu        sync.Mutex
	requested chains.Set
	depeg     float64
}

func (f *fakeAdapter) Protocol() loop.Protocol { return f.protocol }
func (f *fakeAdapter) Chains() []string        { return []string{"mainnet", "base"} }
func (f *fakeAdapter) Search(_ context.Context, requested chains.Set, depeg float64) ([]loop.YieldLoop, error) {
	f.mu.Lock()
	f.requested = requested
	f.depeg = depeg
	f.mu.Unlock()
	return f.loops, f.err
}

type fakeEnricher struct {
	mu    sync.Mutex
	aprs  map[string]float64
	calls map[string]int
}

func (f *fakeEnricher) TokenApr(_ context.Context, symbol string, _ int64, _ string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[symbol]++
	return f.aprs[symbol]
}

type fakeLoops struct {
	rows []store.LoopWithYields
	err  error
	got  store.LoopQuery
}

func (f *fakeLoops) GetLoopsWithYields(_ context.Context, q store.LoopQuery) ([]store.LoopWithYields, error) {
	f.got = q
	return f.rows, f.err
}

func yieldLoop(p loop.Protocol, supply, borrow string, supplyApr, borrowApr, ltv float64) loop.YieldLoop {
	return loop.YieldLoop{
		Protocol:             p,
		ChainID:              1,
		SupplyAsset:          loop.AssetRef{Address: "0x" + supply, Symbol: supply},
		BorrowAsset:          loop.AssetRef{Address: "0x" + borrow, Symbol: borrow},
		SupplyApr:            loop.Uniform(supplyApr),
		BorrowApr:            loop.Uniform(borrowApr),
		LiquidityUSD:         1e6,
		LTV:                  ltv,
		MaxLTV:               ltv,
		LiquidationThreshold: ltv,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSearchCombinesAdapters(t *testing.T) {
	aave := &fakeAdapter{protocol: loop.Aave, loops: []loop.YieldLoop{
		yieldLoop(loop.Aave, "cbETH", "WETH", 0.03, 0.02, 0.8),
	}}
	morpho := &fakeAdapter{protocol: loop.Morpho, loops: []loop.YieldLoop{
		yieldLoop(loop.Morpho, "wstETH", "WETH", 0, 0.02, 0.9),
		yieldLoop(loop.Morpho, "WBTC", "WETH", 0, 0.01, 0.9),
	}}
	enricher := &fakeEnricher{aprs: map[string]float64{"wstETH": 0.03}}
	svc := NewService([]lending.Adapter{aave, morpho}, enricher, nil, testLogger())

	f := ranking.DefaultFilter()
	got, err := svc.Search(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d loops, want 2", len(got))
	}
	// wstETH/WETH: 10 × (0.03 − 0.9×0.02) = 0.12 beats cbETH/WETH at 0.07.
	if got[0].SupplyAsset.Symbol != "wstETH" || !approx(got[0].YieldApr, 0.12) {
		t.Errorf("first = %s %v", got[0].SupplyAsset.Symbol, got[0].YieldApr)
	}
	if !approx(got[1].YieldApr, 0.07) {
		t.Errorf("second yield = %v, want 0.07", got[1].YieldApr)
	}
	if enricher.calls["WETH"] != 1 {
		t.Errorf("WETH enriched %d times, want once", enricher.calls["WETH"])
	}
	if enricher.calls["WBTC"] != 0 {
		t.Error("filtered loops should not be enriched")
	}
	if aave.depeg != f.Depeg {
		t.Errorf("adapter depeg = %v, want %v", aave.depeg, f.Depeg)
	}
	if !aave.requested.Has("base") || aave.requested.Has("bsc") {
		t.Errorf("requested chains = %v", aave.requested.Keys())
	}
}

func TestSearchAdapterFailureContributesNothing(t *testing.T) {
	ok := &fakeAdapter{protocol: loop.Aave, loops: []loop.YieldLoop{yieldLoop(loop.Aave, "cbETH", "WETH", 0.03, 0.02, 0.8)}}
	broken := &fakeAdapter{protocol: loop.Compound, err: errors.New("summary down")}
	svc := NewService([]lending.Adapter{ok, broken}, &fakeEnricher{}, nil, testLogger())

	got, err := svc.Search(context.Background(), ranking.DefaultFilter())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Protocol != loop.Aave {
		t.Errorf("got %+v", got)
	}
}

func TestCollectProtocolFilter(t *testing.T) {
	aave := &fakeAdapter{protocol: loop.Aave}
	morpho := &fakeAdapter{protocol: loop.Morpho, err: errors.New("boom")}
	svc := NewService([]lending.Adapter{aave, morpho}, &fakeEnricher{}, nil, testLogger())

	results := svc.Collect(context.Background(), chains.NewSet("mainnet"), []loop.Protocol{loop.Morpho}, 1)
	if len(results) != 1 || results[0].Protocol != loop.Morpho || results[0].Err == nil {
		t.Fatalf("results = %+v", results)
	}
	if aave.requested != nil {
		t.Error("unrequested adapter ran")
	}
}

func TestFromStore(t *testing.T) {
	y := 0.04
	rows := []store.LoopWithYields{
		{
			LoopRow: store.LoopRow{
				Protocol: "aave", ChainID: 1,
				SupplyAssetSymbol: "wstETH", SupplyAssetAddress: "0xa",
				BorrowAssetSymbol: "WETH", BorrowAssetAddress: "0xb",
				SupplyAprWeekly: 0.01, BorrowAprWeekly: 0.02,
				LiquidityUSD: ptr(5e5), MaxLTV: 0.93, LLTV: 0.95,
			},
			SupplyYieldWeekly: &y,
		},
	}
	loops := &fakeLoops{rows: rows}
	enricher := &fakeEnricher{aprs: map[string]float64{"WETH": 0.001}}
	svc := NewService(nil, enricher, loops, testLogger())

	f := ranking.DefaultFilter()
	f.Depeg = 0.9
	got, err := svc.FromStore(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d", len(got))
	}
	if !approx(got[0].LTV, 0.855) {
		t.Errorf("ltv = %v, want 0.855", got[0].LTV)
	}
	if !approx(got[0].SupplyApr, 1.01*1.04-1) {
		t.Errorf("supply = %v", got[0].SupplyApr)
	}
	if !approx(got[0].BorrowApr, 1.02*1.001-1) {
		t.Errorf("borrow = %v", got[0].BorrowApr)
	}
	if enricher.calls["wstETH"] != 0 || enricher.calls["WETH"] != 1 {
		t.Errorf("enrich calls = %v", enricher.calls)
	}
	if loops.got.MinLiquidity == nil || *loops.got.MinLiquidity != f.MinLiquidity {
		t.Errorf("query = %+v", loops.got)
	}
	if len(loops.got.Protocols) != 3 || len(loops.got.ChainIDs) != len(ranking.DefaultChains) {
		t.Errorf("query = %+v", loops.got)
	}
}

func TestFromStoreWithoutStore(t *testing.T) {
	svc := NewService(nil, &fakeEnricher{}, nil, testLogger())
	if _, err := svc.FromStore(context.Background(), ranking.DefaultFilter()); !errors.Is(err, ErrNoStore) {
		t.Errorf("err = %v, want ErrNoStore", err)
	}
}

func TestFromStoreReadError(t *testing.T) {
	svc := NewService(nil, &fakeEnricher{}, &fakeLoops{err: errors.New("conn refused")}, testLogger())
	if _, err := svc.FromStore(context.Background(), ranking.DefaultFilter()); err == nil {
		t.Error("expected error")
	}
}

func ptr(v float64) *float64 { return &v }
