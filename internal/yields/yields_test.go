package yields

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/web3-frozen/yield-loops/internal/cache"
	"github.com/web3-frozen/yield-loops/internal/upstream"
)

const ptAddress = "0xE00bd3Df25fb187d6ABBB620b3dfd19839947b81"

func newTestEnricher(t *testing.T, handler http.Handler) (*Enricher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	fetch, err := cache.New("fetch", cache.Options{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	graphql, err := cache.New("graphql", cache.Options{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	e := NewEnricher(upstream.NewClient(fetch, graphql), slog.Default())
	e.pendleURL = srv.URL + "/core"
	e.defiLlamaURL = srv.URL
	return e, srv
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestTokenApr(t *testing.T) {
	var llamaHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/core/v1/1/markets/active", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"markets":[
			{"address":"0x1","pt":"1-0xe00bd3df25fb187d6abbb620b3dfd19839947b81","details":{"impliedApy":0.12}},
			{"address":"0x2","pt":"1-0x0000000000000000000000000000000000000001","details":{"impliedApy":0.5}}]}`))
	})
	mux.HandleFunc("/core/v2/8453/markets/0xlp/data", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"impliedApy":0.1,"aggregatedApy":0.2}`))
	})
	mux.HandleFunc("/core/v2/1/markets/0xbroken/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/poolsEnriched", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&llamaHits, 1)
		switch r.URL.Query().Get("pool") {
		case "747c1d2a-c668-4682-b9f9-296708a3dd90":
			_, _ = w.Write([]byte(`{"data":[{"apy":3.1,"apyMean30d":3.0}]}`))
		case "66985a81-9c51-46ca-9977-42b4fe7bc6df":
			_, _ = w.Write([]byte(`{"data":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	e, srv := newTestEnricher(t, mux)
	defer srv.Close()
	ctx := context.Background()

	tests := []struct {
		name    string
		symbol  string
		chainID int64
		address string
		want    float64
	}{
		{"pendle principal token", "PT-sUSDE-27MAR2025", 1, ptAddress, math.Log(1.12)},
		{"unknown principal token", "PT-X-1JAN2030", 1, "0x9999999999999999999999999999999999999999", 0},
		{"pendle lp token", "LP-weETH-26JUN2025", 8453, "0xlp", math.Log(1.2)},
		{"lp failure is swallowed", "LP-foo-1JAN2030", 1, "0xbroken", 0},
		{"defillama registry", "wstETH", 1, "0xabc", math.Log(1.03)},
		{"registry with empty data", "sUSDe", 1, "0xabc", 0},
		{"registry with upstream error", "rETH", 1, "0xabc", 0},
		{"plain token", "WETH", 1, "0xabc", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.TokenApr(ctx, tt.symbol, tt.chainID, tt.address)
			if !approx(got, tt.want) {
				t.Errorf("TokenApr(%s) = %v, want %v", tt.symbol, got, tt.want)
			}
		})
	}

	// Registry lookups go through the fetch cache.
	before := atomic.LoadInt32(&llamaHits)
	_ = e.TokenApr(ctx, "WSTETH", 1, "0xabc")
	if atomic.LoadInt32(&llamaHits) != before {
		t.Error("second wstETH lookup should be cached")
	}
}

func TestTracked(t *testing.T) {
	if !Tracked("weETH") || !Tracked("wrsETH") {
		t.Error("weETH and wrsETH are tracked")
	}
	if Tracked("USDC") {
		t.Error("USDC is not tracked")
	}
}
