package lending

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/loop"
	"github.com/web3-frozen/yield-loops/internal/upstream"
)

const (
	morphoAPI      = "https://blue-api.morpho.org/graphql"
	morphoPageSize = 1000
)

var morphoChains = []string{"mainnet", "base"}

var morphoAppChains = map[int64]string{
	1:    "ethereum",
	8453: "base",
}

const morphoMarketsQuery = `query ($first: Int, $skip: Int, $where: MarketFilters) {
  markets(first: $first, skip: $skip, where: $where) {
    items {
      uniqueKey
      lltv
      loanAsset { address symbol }
      collateralAsset { address symbol }
      state {
        liquidityAssetsUsd
        dailyBorrowApy
        weeklyBorrowApy
        monthlyBorrowApy
        yearlyBorrowApy
      }
      morphoBlue { chain { id } }
    }
  }
}`

type morphoAsset struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type morphoMarket struct {
	UniqueKey       string          `json:"uniqueKey"`
	Lltv            json.RawMessage `json:"lltv"`
	LoanAsset       *morphoAsset    `json:"loanAsset"`
	CollateralAsset *morphoAsset    `json:"collateralAsset"`
	State           *struct {
		LiquidityAssetsUsd json.RawMessage `json:"liquidityAssetsUsd"`
		DailyBorrowApy     *float64        `json:"dailyBorrowApy"`
		WeeklyBorrowApy    *float64        `json:"weeklyBorrowApy"`
		MonthlyBorrowApy   *float64        `json:"monthlyBorrowApy"`
		YearlyBorrowApy    *float64        `json:"yearlyBorrowApy"`
	} `json:"state"`
	MorphoBlue *struct {
		Chain *struct {
			ID int64 `json:"id"`
		} `json:"chain"`
	} `json:"morphoBlue"`
}

type morphoPage struct {
	Markets struct {
		Items []morphoMarket `json:"items"`
	} `json:"markets"`
}

// Morpho lists Morpho Blue markets from the public GraphQL API.
type Morpho struct {
	client   *upstream.Client
	logger   *slog.Logger
	endpoint string
	pageSize int
}

// NewMorpho creates the Morpho Blue adapter.
func NewMorpho(client *upstream.Client, logger *slog.Logger) *Morpho {
	return &Morpho{
		client:   client,
		logger:   logger.With("protocol", "morpho"),
		endpoint: morphoAPI,
		pageSize: morphoPageSize,
	}
}

func (m *Morpho) Protocol() loop.Protocol { return loop.Morpho }

func (m *Morpho) Chains() []string { return morphoChains }

// Search pages through the market listing until a short page and emits one
// loop per complete market.
func (m *Morpho) Search(ctx context.Context, requested chains.Set, depeg float64) ([]loop.YieldLoop, error) {
	ids, wanted := requestedIDs(requested, morphoChains)
	if len(ids) == 0 {
		return nil, nil
	}

	items, err := m.list(ctx, ids)
	if err != nil {
		return nil, err
	}

	var out []loop.YieldLoop
	for _, item := range items {
		l, err := morphoLoop(item, depeg)
		if err != nil {
			m.logger.Debug("morpho market skipped", "market", item.UniqueKey, "error", err)
			continue
		}
		if !wanted[l.ChainID] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *Morpho) list(ctx context.Context, chainIDs []int64) ([]morphoMarket, error) {
	var items []morphoMarket
	for skip := 0; ; skip += m.pageSize {
		vars := map[string]any{
			"first": m.pageSize,
			"skip":  skip,
			"where": map[string]any{"chainId_in": chainIDs},
		}
		page, err := upstream.QueryGraphQL[morphoPage](ctx, m.client, m.endpoint, morphoMarketsQuery, vars)
		if err != nil {
			return nil, fmt.Errorf("morpho markets (skip %d): %w", skip, err)
		}
		items = append(items, page.Markets.Items...)
		if len(page.Markets.Items) < m.pageSize {
			return items, nil
		}
	}
}

func morphoLoop(item morphoMarket, depeg float64) (loop.YieldLoop, error) {
	if item.CollateralAsset == nil || item.LoanAsset == nil || len(item.Lltv) == 0 ||
		item.MorphoBlue == nil || item.MorphoBlue.Chain == nil || item.State == nil {
		return loop.YieldLoop{}, fmt.Errorf("incomplete market")
	}
	lltv, err := morphoLltv(item.Lltv)
	if err != nil {
		return loop.YieldLoop{}, err
	}
	liquidity, err := morphoLiquidityUSD(item.State.LiquidityAssetsUsd)
	if err != nil {
		return loop.YieldLoop{}, err
	}
	chainID := item.MorphoBlue.Chain.ID
	s := item.State

	return loop.YieldLoop{
		Protocol:    loop.Morpho,
		ChainID:     chainID,
		SupplyAsset: loop.AssetRef{Address: item.CollateralAsset.Address, Symbol: item.CollateralAsset.Symbol},
		BorrowAsset: loop.AssetRef{Address: item.LoanAsset.Address, Symbol: item.LoanAsset.Symbol},
		BorrowApr: loop.Rates{
			Daily:   apr(s.DailyBorrowApy),
			Weekly:  apr(s.WeeklyBorrowApy),
			Monthly: apr(s.MonthlyBorrowApy),
			Yearly:  apr(s.YearlyBorrowApy),
		},
		LiquidityUSD:         liquidity,
		LTV:                  loop.EffectiveLTV(lltv, lltv, depeg),
		MaxLTV:               lltv,
		LiquidationThreshold: lltv,
		Link:                 fmt.Sprintf("https://app.morpho.org/%s/market/%s", morphoAppChains[chainID], item.UniqueKey),
	}, nil
}

func apr(apy *float64) float64 {
	if apy == nil {
		return 0
	}
	return loop.ApyToApr(*apy)
}

// morphoLltv scales an 18-decimal LLTV to a fraction: integer division by
// 1e10, then float division by 1e8.
func morphoLltv(raw json.RawMessage) (float64, error) {
	v, err := rawBigInt(raw)
	if err != nil {
		return 0, fmt.Errorf("lltv: %w", err)
	}
	v.Quo(v, big.NewInt(1e10))
	return float64(v.Int64()) / 1e8, nil
}

// morphoLiquidityUSD accepts the two shapes the API uses: a string is an
// 18-decimal fixed-point integer, a number is already in USD.
func morphoLiquidityUSD(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	if raw[0] == '"' {
		v, err := rawBigInt(raw)
		if err != nil {
			return 0, fmt.Errorf("liquidityAssetsUsd: %w", err)
		}
		return loop.Float(loop.DecimalShift(v, 18)), nil
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return 0, fmt.Errorf("liquidityAssetsUsd: %w", err)
	}
	return loop.Float(d), nil
}

// rawBigInt reads an integer that may be encoded as a JSON string or number.
func rawBigInt(raw json.RawMessage) (*big.Int, error) {
	s := string(bytes.TrimSpace(raw))
	if len(s) >= 2 && s[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not an integer: %q", s)
	}
	return v, nil
}
