package lending

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/loop"
	"github.com/web3-frozen/yield-loops/internal/onchain"
	"github.com/web3-frozen/yield-loops/internal/upstream"
)

const compoundSummaryAPI = "https://v3-api.compound.finance/market/all-networks/all-contracts/historical/summary"

var compoundChains = []string{"mainnet", "arbitrum", "base", "linea", "mantle", "optimism", "polygon", "scroll"}

// compoundSlugs are the network suffixes used by app.compound.finance.
var compoundSlugs = map[int64]string{
	1:      "mainnet",
	10:     "op",
	137:    "polygon",
	5000:   "mantle",
	8453:   "basemainnet",
	42161:  "arb",
	59144:  "linea",
	534352: "scroll",
}

// compoundPoint is one daily row of the historical summary.
type compoundPoint struct {
	ChainID int64 `json:"chain_id"`
	Comet   struct {
		Address string `json:"address"`
	} `json:"comet"`
	BorrowApr        string `json:"borrow_apr"`
	TotalSupplyValue string `json:"total_supply_value"`
	TotalBorrowValue string `json:"total_borrow_value"`
	BaseUsdPrice     string `json:"base_usd_price"`
	Timestamp        int64  `json:"timestamp"`
}

type compoundAssetInfo struct {
	Asset                  common.Address
	BorrowCollateralFactor uint64
	LiquidationFactor      uint64
}

// Compound pairs each Comet's base asset with every collateral asset.
type Compound struct {
	reader     ContractReader
	client     *upstream.Client
	logger     *slog.Logger
	summaryURL string

	mu      sync.Mutex
	symbols map[string]string
}

// NewCompound creates the Compound v3 adapter.
func NewCompound(reader ContractReader, client *upstream.Client, logger *slog.Logger) *Compound {
	return &Compound{
		reader:     reader,
		client:     client,
		logger:     logger.With("protocol", "compound"),
		summaryURL: compoundSummaryAPI,
		symbols:    make(map[string]string),
	}
}

func (c *Compound) Protocol() loop.Protocol { return loop.Compound }

func (c *Compound) Chains() []string { return compoundChains }

// Search fails only when the bulk summary cannot be fetched. A Comet whose
// contracts cannot be read is skipped.
func (c *Compound) Search(ctx context.Context, requested chains.Set, depeg float64) ([]loop.YieldLoop, error) {
	ids, wanted := requestedIDs(requested, compoundChains)
	if len(ids) == 0 {
		return nil, nil
	}

	points, err := upstream.FetchJSON[[]compoundPoint](ctx, c.client, "", c.summaryURL)
	if err != nil {
		return nil, fmt.Errorf("compound summary: %w", err)
	}

	// Comets are grouped per chain since the same address can be deployed
	// on several networks.
	type cometKey struct {
		chainID int64
		address string
	}
	markets := make(map[cometKey][]compoundPoint)
	var order []cometKey
	for _, p := range points {
		if !wanted[p.ChainID] || p.Comet.Address == "" {
			continue
		}
		k := cometKey{p.ChainID, strings.ToLower(p.Comet.Address)}
		if _, ok := markets[k]; !ok {
			order = append(order, k)
		}
		markets[k] = append(markets[k], p)
	}

	results := make([][]loop.YieldLoop, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, k := range order {
		g.Go(func() error {
			loops, err := c.market(gctx, common.HexToAddress(k.address), markets[k], depeg)
			if err != nil {
				c.logger.Warn("compound market skipped", "chain_id", k.chainID, "comet", k.address, "error", err)
				return nil
			}
			results[i] = loops
			return nil
		})
	}
	_ = g.Wait()

	var out []loop.YieldLoop
	for _, loops := range results {
		out = append(out, loops...)
	}
	return out, nil
}

func (c *Compound) market(ctx context.Context, comet common.Address, points []compoundPoint, depeg float64) ([]loop.YieldLoop, error) {
	chainID := points[0].ChainID
	chain, ok := chains.ByID(chainID)
	if !ok {
		return nil, fmt.Errorf("unknown chain id %d", chainID)
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
	borrowApr, err := compoundBorrowRates(points)
	if err != nil {
		return nil, err
	}
	liquidity, err := compoundLiquidityUSD(points[len(points)-1])
	if err != nil {
		return nil, err
	}

	out, err := c.reader.Call(ctx, chain.Key, comet, onchain.Comet, "baseToken")
	if err != nil {
		return nil, err
	}
	var baseToken common.Address
	if err := onchain.Narrow(out[0], &baseToken); err != nil {
		return nil, err
	}
	baseSymbol, err := c.symbol(ctx, chain.Key, baseToken)
	if err != nil {
		return nil, err
	}

	out, err = c.reader.Call(ctx, chain.Key, comet, onchain.Comet, "numAssets")
	if err != nil {
		return nil, err
	}
	var numAssets uint8
	if err := onchain.Narrow(out[0], &numAssets); err != nil {
		return nil, err
	}

	link := fmt.Sprintf("https://app.compound.finance/markets/%s-%s", baseSymbol, compoundSlugs[chainID])
	loops := make([]loop.YieldLoop, 0, numAssets)
	for i := uint8(0); i < numAssets; i++ {
		out, err := c.reader.Call(ctx, chain.Key, comet, onchain.Comet, "getAssetInfo", i)
		if err != nil {
			return nil, err
		}
		var info compoundAssetInfo
		if err := onchain.Narrow(out[0], &info); err != nil {
			return nil, err
		}
		symbol, err := c.symbol(ctx, chain.Key, info.Asset)
		if err != nil {
			c.logger.Debug("collateral without symbol", "chain", chain.Key, "asset", info.Asset.Hex(), "error", err)
			continue
		}

		maxLTV := collateralFactor(info.BorrowCollateralFactor)
		threshold := collateralFactor(info.LiquidationFactor)
		loops = append(loops, loop.YieldLoop{
			Protocol:             loop.Compound,
			ChainID:              chainID,
			SupplyAsset:          loop.AssetRef{Address: info.Asset.Hex(), Symbol: symbol},
			BorrowAsset:          loop.AssetRef{Address: baseToken.Hex(), Symbol: baseSymbol},
			BorrowApr:            borrowApr,
			LiquidityUSD:         liquidity,
			LTV:                  loop.EffectiveLTV(maxLTV, threshold, depeg),
			MaxLTV:               maxLTV,
			LiquidationThreshold: threshold,
			Link:                 link,
		})
	}
	return loops, nil
}

// symbol reads an ERC20 symbol once per process; the contract cache keeps
// it across restarts.
func (c *Compound) symbol(ctx context.Context, chain string, token common.Address) (string, error) {
	key := chain + ":" + strings.ToLower(token.Hex())
	c.mu.Lock()
	s, ok := c.symbols[key]
	c.mu.Unlock()
	if ok {
		return s, nil
	}

	out, err := c.reader.Call(ctx, chain, token, onchain.ERC20, "symbol")
	if err != nil {
		return "", err
	}
	if err := onchain.Narrow(out[0], &s); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.symbols[key] = s
	c.mu.Unlock()
	return s, nil
}

// collateralFactor scales an 18-decimal factor to a fraction, truncated to
// three decimals as the Compound docs' helper does.
func collateralFactor(v uint64) float64 {
	return loop.Float(loop.DecimalShift(new(big.Int).SetUint64(v), 18).Truncate(3))
}

// compoundBorrowRates averages the trailing 1/7/30/365 borrow APRs. points
// are ordered oldest first.
func compoundBorrowRates(points []compoundPoint) (loop.Rates, error) {
	values := make([]float64, 0, len(points))
	for _, p := range points {
		v, err := parseDecimal(p.BorrowApr)
		if err != nil {
			return loop.Rates{}, fmt.Errorf("borrow_apr: %w", err)
		}
		values = append(values, v)
	}
	return loop.Rates{
		Daily:   loop.TrailingAverage(values, 1),
		Weekly:  loop.TrailingAverage(values, 7),
		Monthly: loop.TrailingAverage(values, 30),
		Yearly:  loop.TrailingAverage(values, 365),
	}, nil
}

// compoundLiquidityUSD is (supply − borrow) × base price.
func compoundLiquidityUSD(p compoundPoint) (float64, error) {
	supply, err := decimal.NewFromString(p.TotalSupplyValue)
	if err != nil {
		return 0, fmt.Errorf("total_supply_value: %w", err)
	}
	borrow, err := decimal.NewFromString(p.TotalBorrowValue)
	if err != nil {
		return 0, fmt.Errorf("total_borrow_value: %w", err)
	}
	price, err := decimal.NewFromString(p.BaseUsdPrice)
	if err != nil {
		return 0, fmt.Errorf("base_usd_price: %w", err)
	}
	return loop.Float(supply.Sub(borrow).Mul(price)), nil
}

func parseDecimal(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return loop.Float(d), nil
}
