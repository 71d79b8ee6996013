// Package yields looks up the underlying yield of yield-bearing tokens:
// Pendle principal and LP tokens, and liquid staking tokens tracked on
// DefiLlama.
package yields

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/web3-frozen/yield-loops/internal/loop"
	"github.com/web3-frozen/yield-loops/internal/metrics"
	"github.com/web3-frozen/yield-loops/internal/upstream"
)

const (
	pendleAPI    = "https://api-v2.pendle.finance/core"
	defiLlamaAPI = "https://yields.llama.fi"
)

// defiLlamaPools maps lower-cased token symbols to DefiLlama pool ids.
var defiLlamaPools = map[string]string{
	"wsteth":      "747c1d2a-c668-4682-b9f9-296708a3dd90",
	"cbeth":       "0f45d730-b279-4629-8e11-ccb5cc3038b4",
	"weeth":       "46bd2bdf-6d92-4066-b482-e885ee172264",
	"rseth":       "33c732f6-a78d-41da-af5b-ccd9fa5e52d5",
	"wrseth":      "33c732f6-a78d-41da-af5b-ccd9fa5e52d5",
	"meth":        "b9f2f00a-ba96-4589-a171-dde979a23d87",
	"ezeth":       "e28e32b5-e356-41d9-8dc7-a376ece56619",
	"woeth":       "423681e3-4787-40ce-ae43-e9f67c5269b3",
	"wsuperoethb": "f388573e-5c0f-4dac-9f70-116a4aabaf17",
	"oseth":       "4d01599c-69ae-41a3-bae1-5fab896f04c8",
	"reth":        "d4b3c522-6127-4b89-bedf-83641cdcd2eb",
	"susds":       "d8c4eff5-c8a9-46fc-a888-057c4c668e72",
	"susde":       "66985a81-9c51-46ca-9977-42b4fe7bc6df",
	"ethx":        "90bfb3c2-5d35-4959-a275-ba5085b08aa3",
}

// Tracked reports whether symbol has a DefiLlama pool.
func Tracked(symbol string) bool {
	_, ok := defiLlamaPools[strings.ToLower(symbol)]
	return ok
}

type pendleMarkets struct {
	Markets []struct {
		Address string `json:"address"`
		PT      string `json:"pt"`
		Details struct {
			ImpliedApy float64 `json:"impliedApy"`
		} `json:"details"`
	} `json:"markets"`
}

type pendleMarketData struct {
	AggregatedApy *float64 `json:"aggregatedApy"`
}

type defiLlamaPool struct {
	Data []struct {
		Apy        float64  `json:"apy"`
		ApyMean30d *float64 `json:"apyMean30d"`
	} `json:"data"`
}

var errNoData = errors.New("no data")

// Enricher resolves token-level APRs through the fetch cache.
type Enricher struct {
	client       *upstream.Client
	logger       *slog.Logger
	pendleURL    string
	defiLlamaURL string
}

// NewEnricher creates an Enricher.
func NewEnricher(client *upstream.Client, logger *slog.Logger) *Enricher {
	return &Enricher{
		client:       client,
		logger:       logger.With("component", "yields"),
		pendleURL:    pendleAPI,
		defiLlamaURL: defiLlamaAPI,
	}
}

// TokenApr returns the continuously-compounded APR of the token, or 0 when
// nothing is known about it. Lookup failures never surface.
func (e *Enricher) TokenApr(ctx context.Context, symbol string, chainID int64, address string) float64 {
	s := strings.ToLower(symbol)

	if strings.HasPrefix(s, "pt-") {
		if apr, ok := e.lookup("pendle_pt", symbol, func() (float64, error) {
			return e.principalToken(ctx, chainID, address)
		}); ok {
			return apr
		}
	}
	if strings.HasPrefix(s, "lp-") {
		if apr, ok := e.lookup("pendle_lp", symbol, func() (float64, error) {
			return e.liquidityToken(ctx, chainID, address)
		}); ok {
			return apr
		}
	}
	if pool, ok := defiLlamaPools[s]; ok {
		if apr, ok := e.lookup("defillama", symbol, func() (float64, error) {
			return e.defiLlama(ctx, pool)
		}); ok {
			return apr
		}
	}

	metrics.EnrichmentLookups.WithLabelValues("none", "miss").Inc()
	return 0
}

func (e *Enricher) lookup(source, symbol string, fn func() (float64, error)) (float64, bool) {
	apr, err := fn()
	switch {
	case err == nil:
		metrics.EnrichmentLookups.WithLabelValues(source, "hit").Inc()
		return apr, true
	case errors.Is(err, errNoData):
		metrics.EnrichmentLookups.WithLabelValues(source, "miss").Inc()
	default:
		metrics.EnrichmentLookups.WithLabelValues(source, "error").Inc()
		e.logger.Warn("token yield lookup failed", "source", source, "symbol", symbol, "error", err)
	}
	return 0, false
}

func (e *Enricher) principalToken(ctx context.Context, chainID int64, address string) (float64, error) {
	url := fmt.Sprintf("%s/v1/%d/markets/active", e.pendleURL, chainID)
	markets, err := upstream.FetchJSON[pendleMarkets](ctx, e.client, "", url)
	if err != nil {
		return 0, err
	}
	want := fmt.Sprintf("%d-%s", chainID, address)
	for _, m := range markets.Markets {
		if strings.EqualFold(m.PT, want) {
			return loop.ApyToApr(m.Details.ImpliedApy), nil
		}
	}
	return 0, errNoData
}

func (e *Enricher) liquidityToken(ctx context.Context, chainID int64, address string) (float64, error) {
	url := fmt.Sprintf("%s/v2/%d/markets/%s/data", e.pendleURL, chainID, address)
	data, err := upstream.FetchJSON[pendleMarketData](ctx, e.client, "", url)
	if err != nil {
		return 0, err
	}
	if data.AggregatedApy == nil {
		return 0, errNoData
	}
	return loop.ApyToApr(*data.AggregatedApy), nil
}

func (e *Enricher) defiLlama(ctx context.Context, pool string) (float64, error) {
	url := fmt.Sprintf("%s/poolsEnriched?pool=%s", e.defiLlamaURL, pool)
	res, err := upstream.FetchJSON[defiLlamaPool](ctx, e.client, "", url)
	if err != nil {
		return 0, err
	}
	if len(res.Data) == 0 || res.Data[0].ApyMean30d == nil {
		return 0, errNoData
	}
	return loop.ApyToApr(*res.Data[0].ApyMean30d / 100), nil
}
