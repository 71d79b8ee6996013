package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/web3-frozen/yield-loops/internal/cache"
	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/loop"
	"github.com/web3-frozen/yield-loops/internal/onchain"
	"github.com/web3-frozen/yield-loops/internal/upstream"
)

const aaveRatesAPI = "https://aave-api-v2.aave.com/data/rates-history"

// aaveMarket is one Aave v3 deployment. A chain may host several.
type aaveMarket struct {
	Chain      string
	Key        string
	Provider   common.Address
	UIProvider common.Address
}

var aaveMarkets = []aaveMarket{
	{"mainnet", "mainnet", common.HexToAddress("0x2f39d218133AFaB8F2B819B1066c7E434Ad94E9e"), common.HexToAddress("0x3F78BBD206e4D3c504Eb854232EdA7e47E9Fd8FC")},
	{"mainnet", "etherfi", common.HexToAddress("0xeBa440B438Ad808101d1c451C1C5322c90BEFCdA"), common.HexToAddress("0x3F78BBD206e4D3c504Eb854232EdA7e47E9Fd8FC")},
	{"mainnet", "lido", common.HexToAddress("0xcfBf336fe147D643B9Cb705648500e101504B16d"), common.HexToAddress("0x3F78BBD206e4D3c504Eb854232EdA7e47E9Fd8FC")},
	{"arbitrum", "arbitrum", common.HexToAddress("0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb"), common.HexToAddress("0x5c5228aC8BC1528482514aF3e27E692495148717")},
	{"base", "base", common.HexToAddress("0xe20fCBdBfFC4Dd138cE8b2E6FBb6CB49777ad64D"), common.HexToAddress("0x68100bD5345eA474D93577127C11F39FF8463e93")},
	{"scroll", "scroll", common.HexToAddress("0x69850D0B276776781C063771b161bd8894BCdD04"), common.HexToAddress("0x56e6ae5a3CEB2a7e3F4dBa6B6eDf0cBA8d40c0C3")},
	{"zksync", "zksync", common.HexToAddress("0x2A3948BB219D6B2Fa83D64100006391a96bE6cb7"), common.HexToAddress("0x1F2a6dD1E9d9A1B1b8F4e1ab7Bcc3C0aE3B1fD31")},
}

// aaveReserve is the subset of AggregatedReserveData the adapter reads.
type aaveReserve struct {
	UnderlyingAsset                common.Address
	Symbol                         string
	Decimals                       *big.Int
	BaseLTVasCollateral            *big.Int
	ReserveLiquidationThreshold    *big.Int
	BorrowingEnabled               bool
	IsActive                       bool
	IsFrozen                       bool
	IsPaused                       bool
	AvailableLiquidity             *big.Int
	PriceInMarketReferenceCurrency *big.Int
}

func (r aaveReserve) usable() bool {
	return r.Symbol != "" && r.IsActive && !r.IsFrozen && !r.IsPaused
}

type aaveBaseCurrency struct {
	MarketReferenceCurrencyUnit       *big.Int
	MarketReferenceCurrencyPriceInUsd *big.Int
}

type aaveEMode struct {
	Id    uint8
	EMode struct {
		Ltv                  uint16
		LiquidationThreshold uint16
		CollateralBitmap     *big.Int
		BorrowableBitmap     *big.Int
	}
}

// allows reports whether the category covers supply as collateral and
// borrow as debt, by reserve index.
func (e aaveEMode) allows(supplyIndex, borrowIndex int) bool {
	return bitSet(e.EMode.CollateralBitmap, supplyIndex) && bitSet(e.EMode.BorrowableBitmap, borrowIndex)
}

func bitSet(bitmap *big.Int, i int) bool {
	return bitmap != nil && bitmap.Bit(i) == 1
}

// aaveRatePoint is one daily bucket of the rate-history API.
type aaveRatePoint struct {
	LiquidityRateAvg      *float64 `json:"liquidityRate_avg"`
	VariableBorrowRateAvg *float64 `json:"variableBorrowRate_avg"`
}

// aaveRates is the cached summary of a reserve's history. Missing legs are
// kept explicitly so "no history" is cached too.
type aaveRates struct {
	HasSupply bool       `json:"hasSupply"`
	HasBorrow bool       `json:"hasBorrow"`
	Supply    loop.Rates `json:"supply"`
	Borrow    loop.Rates `json:"borrow"`
}

// Aave reads reserves and e-modes from the UiPoolDataProvider of every
// market and pairs them up.
type Aave struct {
	reader   ContractReader
	client   *upstream.Client
	rates    *cache.Layered
	logger   *slog.Logger
	markets  []aaveMarket
	ratesURL string
	now      func() time.Time
}

// NewAave creates the Aave adapter. rates is the rate-history namespace.
func NewAave(reader ContractReader, client *upstream.Client, rates *cache.Layered, logger *slog.Logger) *Aave {
	return &Aave{
		reader:   reader,
		client:   client,
		rates:    rates,
		logger:   logger.With("protocol", "aave"),
		markets:  aaveMarkets,
		ratesURL: aaveRatesAPI,
		now:      time.Now,
	}
}

func (a *Aave) Protocol() loop.Protocol { return loop.Aave }

func (a *Aave) Chains() []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range a.markets {
		if !seen[m.Chain] {
			seen[m.Chain] = true
			out = append(out, m.Chain)
		}
	}
	return out
}

// Search emits one loop per usable correlated (supply, borrow) reserve pair
// across every requested market. A market that cannot be read is skipped;
// the search fails only if every market failed.
func (a *Aave) Search(ctx context.Context, requested chains.Set, depeg float64) ([]loop.YieldLoop, error) {
	var (
		results []loop.YieldLoop
		errs    []error
		tried   int
	)
	for _, m := range a.markets {
		if !requested.Has(m.Chain) {
			continue
		}
		tried++
		loops, err := a.searchMarket(ctx, m, depeg)
		if err != nil {
			a.logger.Warn("aave market failed", "chain", m.Chain, "market", m.Key, "error", err)
			errs = append(errs, err)
			continue
		}
		results = append(results, loops...)
	}
	if tried > 0 && len(errs) == tried {
		return nil, errors.Join(errs...)
	}
	return results, nil
}

func (a *Aave) searchMarket(ctx context.Context, m aaveMarket, depeg float64) ([]loop.YieldLoop, error) {
	chain, ok := chains.Get(m.Chain)
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", m.Chain)
	}

	out, err := a.reader.Call(ctx, m.Chain, m.UIProvider, onchain.AaveUiPoolDataProvider, "getReservesData", m.Provider)
	if err != nil {
		return nil, err
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("getReservesData: %d outputs", len(out))
	}
	var reserves []aaveReserve
	if err := onchain.Narrow(out[0], &reserves); err != nil {
		return nil, err
	}
	var base aaveBaseCurrency
	if err := onchain.Narrow(out[1], &base); err != nil {
		return nil, err
	}

	out, err = a.reader.Call(ctx, m.Chain, m.UIProvider, onchain.AaveUiPoolDataProvider, "getEModes", m.Provider)
	if err != nil {
		return nil, err
	}
	var emodes []aaveEMode
	if len(out) > 0 {
		if err := onchain.Narrow(out[0], &emodes); err != nil {
			return nil, err
		}
	}

	history := a.reserveRates(ctx, m, chain.ID, reserves)

	var loops []loop.YieldLoop
	for si, supply := range reserves {
		if !supply.usable() {
			continue
		}
		for bi, borrow := range reserves {
			if si == bi || !borrow.usable() || !borrow.BorrowingEnabled {
				continue
			}
			if !loop.SharedExposure(supply.Symbol, borrow.Symbol, loop.Exposures) {
				continue
			}

			borrowRates := history[bi]
			if !borrowRates.HasBorrow {
				a.logger.Debug("no borrow history", "chain", m.Chain, "market", m.Key, "symbol", borrow.Symbol)
				continue
			}
			var supplyApr loop.Rates
			if r := history[si]; r.HasSupply {
				supplyApr = r.Supply
			}

			maxLTV, threshold, ltv := aaveLTV(supply, emodes, si, bi, depeg)
			loops = append(loops, loop.YieldLoop{
				Protocol:             loop.Aave,
				ChainID:              chain.ID,
				SupplyAsset:          loop.AssetRef{Address: supply.UnderlyingAsset.Hex(), Symbol: supply.Symbol},
				BorrowAsset:          loop.AssetRef{Address: borrow.UnderlyingAsset.Hex(), Symbol: borrow.Symbol},
				SupplyApr:            supplyApr,
				BorrowApr:            borrowRates.Borrow,
				LiquidityUSD:         aaveLiquidityUSD(borrow, base),
				LTV:                  ltv,
				MaxLTV:               maxLTV,
				LiquidationThreshold: threshold,
				Link: fmt.Sprintf("https://app.aave.com/reserve-overview/?underlyingAsset=%s&marketName=proto_%s_v3",
					strings.ToLower(borrow.UnderlyingAsset.Hex()), m.Key),
			})
		}
	}
	return loops, nil
}

// aaveLTV returns the raw (maxLTV, liquidationThreshold) pair with the best
// depeg-adjusted LTV, starting from the reserve's own figures and widening
// with every e-mode valid for the pair.
func aaveLTV(supply aaveReserve, emodes []aaveEMode, si, bi int, depeg float64) (maxLTV, threshold, ltv float64) {
	maxLTV = bps(supply.BaseLTVasCollateral)
	threshold = bps(supply.ReserveLiquidationThreshold)
	ltv = loop.EffectiveLTV(maxLTV, threshold, depeg)

	for _, e := range emodes {
		if !e.allows(si, bi) {
			continue
		}
		eMax := float64(e.EMode.Ltv) / 1e4
		eThreshold := float64(e.EMode.LiquidationThreshold) / 1e4
		if v := loop.EffectiveLTV(eMax, eThreshold, depeg); v > ltv {
			maxLTV, threshold, ltv = eMax, eThreshold, v
		}
	}
	return maxLTV, threshold, ltv
}

func bps(v *big.Int) float64 {
	return loop.Float(loop.DecimalShift(v, 4))
}

// aaveLiquidityUSD prices the borrow reserve's available liquidity:
// amount × price / referenceUnit × referenceUsd / 1e8.
func aaveLiquidityUSD(r aaveReserve, base aaveBaseCurrency) float64 {
	if r.Decimals == nil || base.MarketReferenceCurrencyUnit == nil || base.MarketReferenceCurrencyUnit.Sign() == 0 {
		return 0
	}
	amount := loop.DecimalShift(r.AvailableLiquidity, int32(r.Decimals.Int64()))
	price := loop.DecimalShift(r.PriceInMarketReferenceCurrency, 0).
		Div(loop.DecimalShift(base.MarketReferenceCurrencyUnit, 0))
	refUsd := loop.DecimalShift(base.MarketReferenceCurrencyPriceInUsd, 8)
	return loop.Float(amount.Mul(price).Mul(refUsd))
}

// reserveRates loads rate history for every usable reserve concurrently.
// A failed lookup leaves the reserve without history.
func (a *Aave) reserveRates(ctx context.Context, m aaveMarket, chainID int64, reserves []aaveReserve) []aaveRates {
	out := make([]aaveRates, len(reserves))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, r := range reserves {
		if !r.usable() {
			continue
		}
		g.Go(func() error {
			rates, err := a.history(gctx, r.UnderlyingAsset, m.Provider, chainID)
			if err != nil {
				a.logger.Warn("aave rate history failed", "chain", m.Chain, "symbol", r.Symbol, "error", err)
				return nil
			}
			out[i] = rates
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *Aave) history(ctx context.Context, asset, provider common.Address, chainID int64) (aaveRates, error) {
	id := strings.ToLower(asset.Hex()) + strings.ToLower(provider.Hex()) + fmt.Sprint(chainID)
	return cache.Get(ctx, a.rates, id, func(ctx context.Context) (aaveRates, error) {
		from := a.now().Add(-30 * 24 * time.Hour).Unix()
		url := fmt.Sprintf("%s?reserveId=%s&from=%d&resolutionInHours=24", a.ratesURL, id, from)
		points, err := upstream.Fetch[[]aaveRatePoint](ctx, a.client, url)
		if err != nil {
			return aaveRates{}, err
		}
		return summarizeAaveRates(points), nil
	})
}

func summarizeAaveRates(points []aaveRatePoint) aaveRates {
	var supply, borrow []float64
	for _, p := range points {
		if p.LiquidityRateAvg != nil {
			supply = append(supply, *p.LiquidityRateAvg)
		}
		if p.VariableBorrowRateAvg != nil {
			borrow = append(borrow, *p.VariableBorrowRateAvg)
		}
	}
	return aaveRates{
		HasSupply: len(supply) > 0,
		HasBorrow: len(borrow) > 0,
		Supply:    monthlyBasedRates(supply),
		Borrow:    monthlyBasedRates(borrow),
	}
}

// monthlyBasedRates averages the trailing 1/7/30 points; the history only
// spans thirty days so the yearly figure is twelve times the monthly one.
func monthlyBasedRates(values []float64) loop.Rates {
	monthly := loop.TrailingAverage(values, 30)
	return loop.Rates{
		Daily:   loop.TrailingAverage(values, 1),
		Weekly:  loop.TrailingAverage(values, 7),
		Monthly: monthly,
		Yearly:  12 * monthly,
	}
}
