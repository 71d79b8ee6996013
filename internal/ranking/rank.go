package ranking

import (
	"math"
	"sort"
	"time"

	"github.com/web3-frozen/yield-loops/internal/loop"
	"github.com/web3-frozen/yield-loops/internal/store"
)

// Figures holds an optional value per horizon. Nil means unavailable.
type Figures struct {
	Daily   *float64 `json:"daily"`
	Weekly  *float64 `json:"weekly"`
	Monthly *float64 `json:"monthly"`
	Yearly  *float64 `json:"yearly"`
}

// At returns the figure for h.
func (f Figures) At(h loop.Horizon) *float64 {
	switch h {
	case loop.Day:
		return f.Daily
	case loop.Week:
		return f.Weekly
	case loop.Month:
		return f.Monthly
	case loop.Year:
		return f.Yearly
	}
	return nil
}

// FromRates makes every horizon available.
func FromRates(r loop.Rates) Figures {
	return Figures{Daily: ptr(r.Daily), Weekly: ptr(r.Weekly), Monthly: ptr(r.Monthly), Yearly: ptr(r.Yearly)}
}

// FallbackPolicy lists, per requested horizon, the horizons to try in order.
type FallbackPolicy map[loop.Horizon][]loop.Horizon

// DefaultFallback prefers the nearest longer horizon before shorter ones.
var DefaultFallback = FallbackPolicy{
	loop.Day:   {loop.Day, loop.Week, loop.Month, loop.Year},
	loop.Week:  {loop.Week, loop.Month, loop.Year, loop.Day},
	loop.Month: {loop.Month, loop.Year, loop.Week, loop.Day},
	loop.Year:  {loop.Year, loop.Month, loop.Week, loop.Day},
}

// Pick returns the first available figure in h's preference order. NaN
// counts as unavailable. Nothing available yields 0, false.
func (p FallbackPolicy) Pick(f Figures, h loop.Horizon) (float64, bool) {
	order, ok := p[h]
	if !ok {
		order = p[loop.Week]
	}
	for _, candidate := range order {
		if v := f.At(candidate); v != nil && !math.IsNaN(*v) {
			return *v, true
		}
	}
	return 0, false
}

// Candidate is a loop before pricing. SupplyYield and BorrowYield are the
// token-level enrichment figures of each leg.
type Candidate struct {
	Protocol    loop.Protocol
	ChainID     int64
	SupplyAsset loop.AssetRef
	BorrowAsset loop.AssetRef
	SupplyApr   Figures
	BorrowApr   Figures
	SupplyYield Figures
	BorrowYield Figures
	// LiquidityUSD is nil when unknown.
	LiquidityUSD *float64
	// LTV is set when the adapter already applied the depeg tolerance.
	LTV                  *float64
	MaxLTV               float64
	LiquidationThreshold float64
	Link                 string
}

// Ranked is one priced loop as served to clients.
type Ranked struct {
	Protocol     loop.Protocol `json:"protocol"`
	ChainID      int64         `json:"chainId"`
	SupplyAsset  loop.AssetRef `json:"supplyAsset"`
	BorrowAsset  loop.AssetRef `json:"borrowAsset"`
	LiquidityUSD *float64      `json:"liquidityUSD"`
	LTV          float64       `json:"ltv"`
	Link         string        `json:"link"`
	SupplyApr    float64       `json:"supplyApr"`
	BorrowApr    float64       `json:"borrowApr"`
	YieldApr     float64       `json:"yieldApr"`
	Leverage     float64       `json:"leverage"`
}

// FromLoop converts a live adapter result. Enrichment yields are set by
// the caller.
func FromLoop(l loop.YieldLoop) Candidate {
	return Candidate{
		Protocol:             l.Protocol,
		ChainID:              l.ChainID,
		SupplyAsset:          l.SupplyAsset,
		BorrowAsset:          l.BorrowAsset,
		SupplyApr:            FromRates(l.SupplyApr),
		BorrowApr:            FromRates(l.BorrowApr),
		LiquidityUSD:         ptr(l.LiquidityUSD),
		LTV:                  ptr(l.LTV),
		MaxLTV:               l.MaxLTV,
		LiquidationThreshold: l.LiquidationThreshold,
		Link:                 l.Link,
	}
}

// FromRow converts a loops_with_yields row. Its LTV is recomputed from the
// raw figures at pricing time.
func FromRow(r store.LoopWithYields) Candidate {
	return Candidate{
		Protocol:    loop.Protocol(r.Protocol),
		ChainID:     r.ChainID,
		SupplyAsset: loop.AssetRef{Address: r.SupplyAssetAddress, Symbol: r.SupplyAssetSymbol},
		BorrowAsset: loop.AssetRef{Address: r.BorrowAssetAddress, Symbol: r.BorrowAssetSymbol},
		SupplyApr: FromRates(loop.Rates{
			Daily: r.SupplyAprDaily, Weekly: r.SupplyAprWeekly, Monthly: r.SupplyAprMonthly, Yearly: r.SupplyAprYearly,
		}),
		BorrowApr: FromRates(loop.Rates{
			Daily: r.BorrowAprDaily, Weekly: r.BorrowAprWeekly, Monthly: r.BorrowAprMonthly, Yearly: r.BorrowAprYearly,
		}),
		SupplyYield: Figures{
			Daily: r.SupplyYieldDaily, Weekly: r.SupplyYieldWeekly, Monthly: r.SupplyYieldMonthly, Yearly: r.SupplyYieldYearly,
		},
		BorrowYield: Figures{
			Daily: r.BorrowYieldDaily, Weekly: r.BorrowYieldWeekly, Monthly: r.BorrowYieldMonthly, Yearly: r.BorrowYieldYearly,
		},
		LiquidityUSD:         r.LiquidityUSD,
		MaxLTV:               r.MaxLTV,
		LiquidationThreshold: r.LLTV,
		Link:                 r.Link,
	}
}

// Price combines protocol and token rates at f.Span and computes leverage
// and yield.
func Price(c Candidate, f Filter, policy FallbackPolicy) Ranked {
	supplyBase, _ := policy.Pick(c.SupplyApr, f.Span)
	borrowBase, _ := policy.Pick(c.BorrowApr, f.Span)
	supplyToken, _ := policy.Pick(c.SupplyYield, f.Span)
	borrowToken, _ := policy.Pick(c.BorrowYield, f.Span)

	supply := loop.CombineApr(supplyBase, supplyToken)
	borrow := loop.CombineApr(borrowBase, borrowToken)

	ltv := loop.EffectiveLTV(c.MaxLTV, c.LiquidationThreshold, f.Depeg)
	if c.LTV != nil {
		ltv = *c.LTV
	}

	return Ranked{
		Protocol:     c.Protocol,
		ChainID:      c.ChainID,
		SupplyAsset:  c.SupplyAsset,
		BorrowAsset:  c.BorrowAsset,
		LiquidityUSD: c.LiquidityUSD,
		LTV:          ltv,
		Link:         c.Link,
		SupplyApr:    supply,
		BorrowApr:    borrow,
		YieldApr:     loop.LoopYield(supply, borrow, ltv),
		Leverage:     loop.Leverage(ltv),
	}
}

// Sort orders loops descending by the filter's key. Ties keep input order.
func Sort(loops []Ranked, order SortOrder) {
	key := func(r Ranked) float64 { return r.YieldApr }
	if order == SortLTV {
		key = func(r Ranked) float64 { return r.LTV }
	}
	sort.SliceStable(loops, func(i, j int) bool { return key(loops[i]) > key(loops[j]) })
}

// Rank runs selection, pricing and sorting.
func Rank(cands []Candidate, f Filter, now time.Time) []Ranked {
	selected := Select(cands, f, now)
	out := make([]Ranked, 0, len(selected))
	for _, c := range selected {
		out = append(out, Price(c, f, DefaultFallback))
	}
	Sort(out, f.Sort)
	return out
}

func ptr(v float64) *float64 { return &v }
