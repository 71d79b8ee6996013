package lending

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/loop"
)

var (
	testProvider = common.HexToAddress("0x2f39d218133AFaB8F2B819B1066c7E434Ad94E9e")
	testUI       = common.HexToAddress("0x3F78BBD206e4D3c504Eb854232EdA7e47E9Fd8FC")
	wethAddr     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	cbethAddr    = common.HexToAddress("0xBe9895146f7AF43049ca1c1AE358B0541Ea49704")
	usdcAddr     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	wstethAddr   = common.HexToAddress("0x7f39C581F595B53c5cb19bD0b3f8dA6c935E2Ca0")
	ghoAddr      = common.HexToAddress("0x40D16FC0246aD3160Ccc09B8D0D3A2cD28aE6C2f")
)

func reserve(addr common.Address, symbol string, ltv, threshold int64) aaveReserve {
	return aaveReserve{
		UnderlyingAsset:                addr,
		Symbol:                         symbol,
		Decimals:                       big.NewInt(18),
		BaseLTVasCollateral:            big.NewInt(ltv),
		ReserveLiquidationThreshold:    big.NewInt(threshold),
		BorrowingEnabled:               true,
		IsActive:                       true,
		AvailableLiquidity:             new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18)),
		PriceInMarketReferenceCurrency: big.NewInt(3000e8),
	}
}

func aaveFixture() ([]aaveReserve, aaveBaseCurrency) {
	weth := reserve(wethAddr, "WETH", 8050, 8300)
	cbeth := reserve(cbethAddr, "cbETH", 8000, 9000)
	usdc := reserve(usdcAddr, "USDC", 7500, 7800)
	usdc.Decimals = big.NewInt(6)
	wsteth := reserve(wstethAddr, "wstETH", 8100, 8300)
	wsteth.IsFrozen = true
	gho := reserve(ghoAddr, "GHO", 0, 0)
	gho.BorrowingEnabled = false

	base := aaveBaseCurrency{
		MarketReferenceCurrencyUnit:       big.NewInt(1e8),
		MarketReferenceCurrencyPriceInUsd: big.NewInt(1e8),
	}
	return []aaveReserve{weth, cbeth, usdc, wsteth, gho}, base
}

func ratesServer(t *testing.T, history map[common.Address]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("reserveId")
		if r.URL.Query().Get("resolutionInHours") != "24" || r.URL.Query().Get("from") == "" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		for addr, body := range history {
			if strings.HasPrefix(id, strings.ToLower(addr.Hex())) {
				if !strings.HasSuffix(id, strings.ToLower(testProvider.Hex())+"1") {
					t.Errorf("reserveId %s should end with provider and chain id", id)
				}
				_, _ = w.Write([]byte(body))
				return
			}
		}
		_, _ = w.Write([]byte(`[]`))
	}))
}

func newTestAave(t *testing.T, reader ContractReader, ratesURL string) *Aave {
	a := NewAave(reader, newTestClient(t), newTestCache(t, "rates"), testLogger())
	a.markets = []aaveMarket{{Chain: "mainnet", Key: "mainnet", Provider: testProvider, UIProvider: testUI}}
	a.ratesURL = ratesURL
	return a
}

func TestAaveSearch(t *testing.T) {
	reserves, base := aaveFixture()
	emodes := []aaveEMode{{Id: 1}}
	emodes[0].EMode.Ltv = 9300
	emodes[0].EMode.LiquidationThreshold = 9500
	emodes[0].EMode.CollateralBitmap = big.NewInt(0b11) // WETH, cbETH
	emodes[0].EMode.BorrowableBitmap = big.NewInt(0b01) // WETH

	reader := newFakeReader()
	reader.set(testUI, "getReservesData", []any{reserves, base})
	reader.set(testUI, "getEModes", []any{emodes})

	srv := ratesServer(t, map[common.Address]string{
		wethAddr:  `[{"liquidityRate_avg":0.01,"variableBorrowRate_avg":0.02},{"liquidityRate_avg":0.03,"variableBorrowRate_avg":0.04}]`,
		cbethAddr: `[{"liquidityRate_avg":0.001,"variableBorrowRate_avg":0.005}]`,
		usdcAddr:  `[{"liquidityRate_avg":0.04,"variableBorrowRate_avg":0.06}]`,
	})
	defer srv.Close()

	a := newTestAave(t, reader, srv.URL)
	loops, err := a.Search(context.Background(), chains.NewSet("mainnet"), 0.97)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(loops) != 2 {
		t.Fatalf("got %d loops, want 2: %+v", len(loops), loops)
	}

	byPair := map[string]loop.YieldLoop{}
	for _, l := range loops {
		if l.SupplyAsset.SameAs(l.BorrowAsset) {
			t.Errorf("self pair emitted: %s", l.SupplyAsset.Symbol)
		}
		byPair[l.SupplyAsset.Symbol+"/"+l.BorrowAsset.Symbol] = l
	}

	cb, ok := byPair["cbETH/WETH"]
	if !ok {
		t.Fatal("missing cbETH/WETH loop")
	}
	// e-mode 1 covers cbETH collateral against WETH debt: min(0.93, 0.97×0.95).
	if !approx(cb.LTV, 0.9215) || cb.MaxLTV != 0.93 || cb.LiquidationThreshold != 0.95 {
		t.Errorf("cbETH/WETH ltv = %v (max %v, lt %v), want e-mode 0.9215", cb.LTV, cb.MaxLTV, cb.LiquidationThreshold)
	}
	if !approx(cb.BorrowApr.Daily, 0.04) || !approx(cb.BorrowApr.Weekly, 0.03) || !approx(cb.BorrowApr.Yearly, 0.36) {
		t.Errorf("borrow apr = %+v", cb.BorrowApr)
	}
	if !approx(cb.SupplyApr.Daily, 0.001) {
		t.Errorf("supply apr = %+v", cb.SupplyApr)
	}
	if !approx(cb.LiquidityUSD, 6000) {
		t.Errorf("liquidity = %v, want 6000", cb.LiquidityUSD)
	}
	wantLink := "https://app.aave.com/reserve-overview/?underlyingAsset=" + strings.ToLower(wethAddr.Hex()) + "&marketName=proto_mainnet_v3"
	if cb.Link != wantLink {
		t.Errorf("link = %s", cb.Link)
	}
	if cb.ChainID != 1 || cb.Protocol != loop.Aave {
		t.Errorf("chain/protocol = %d/%s", cb.ChainID, cb.Protocol)
	}

	// WETH collateral against cbETH debt is outside the e-mode borrowable set.
	we, ok := byPair["WETH/cbETH"]
	if !ok {
		t.Fatal("missing WETH/cbETH loop")
	}
	if !approx(we.LTV, 0.805) {
		t.Errorf("WETH/cbETH ltv = %v, want 0.805", we.LTV)
	}
}

func TestAaveSkipsPairsWithoutBorrowHistory(t *testing.T) {
	reserves, base := aaveFixture()
	reader := newFakeReader()
	reader.set(testUI, "getReservesData", []any{reserves, base})
	reader.set(testUI, "getEModes", []any{[]aaveEMode{}})

	srv := ratesServer(t, map[common.Address]string{
		wethAddr: `[{"liquidityRate_avg":0.01,"variableBorrowRate_avg":0.02}]`,
	})
	defer srv.Close()

	loops, err := newTestAave(t, reader, srv.URL).Search(context.Background(), chains.NewSet("mainnet"), 0.97)
	if err != nil {
		t.Fatal(err)
	}
	if len(loops) != 1 {
		t.Fatalf("got %d loops, want only cbETH/WETH", len(loops))
	}
	l := loops[0]
	if l.SupplyAsset.Symbol != "cbETH" || l.BorrowAsset.Symbol != "WETH" {
		t.Errorf("unexpected pair %s/%s", l.SupplyAsset.Symbol, l.BorrowAsset.Symbol)
	}
	if l.SupplyApr != (loop.Rates{}) {
		t.Errorf("missing supply history should give zero supply apr, got %+v", l.SupplyApr)
	}
	// Scenario B: min(0.80, 0.97×0.90) = 0.80.
	if !approx(l.LTV, 0.80) || !approx(l.Leverage(), 5) {
		t.Errorf("ltv = %v leverage = %v", l.LTV, l.Leverage())
	}
}

func TestAaveSelfPairOnly(t *testing.T) {
	weth := reserve(wethAddr, "WETH", 8000, 8250)
	reader := newFakeReader()
	reader.set(testUI, "getReservesData", []any{[]aaveReserve{weth}, aaveBaseCurrency{MarketReferenceCurrencyUnit: big.NewInt(1e8)}})
	reader.set(testUI, "getEModes", []any{[]aaveEMode{}})

	srv := ratesServer(t, map[common.Address]string{
		wethAddr: `[{"liquidityRate_avg":0.01,"variableBorrowRate_avg":0.02}]`,
	})
	defer srv.Close()

	loops, err := newTestAave(t, reader, srv.URL).Search(context.Background(), chains.NewSet("mainnet"), 0.97)
	if err != nil {
		t.Fatal(err)
	}
	if len(loops) != 0 {
		t.Errorf("self pair must not produce a loop, got %+v", loops)
	}
}

func TestAaveUnrequestedChain(t *testing.T) {
	reader := newFakeReader()
	loops, err := newTestAave(t, reader, "http://unused").Search(context.Background(), chains.NewSet("base"), 0.97)
	if err != nil || len(loops) != 0 {
		t.Errorf("Search = %v, %v", loops, err)
	}
	if len(reader.calls) != 0 {
		t.Errorf("no contract reads expected, got %v", reader.calls)
	}
}

func TestAaveMarketFailure(t *testing.T) {
	reader := newFakeReader()
	reader.err = errors.New("rpc down")
	_, err := newTestAave(t, reader, "http://unused").Search(context.Background(), chains.NewSet("mainnet"), 0.97)
	if err == nil {
		t.Error("expected error when the only market fails")
	}
}

func TestAaveLTVEModeOnlyWidens(t *testing.T) {
	supply := reserve(cbethAddr, "cbETH", 8000, 9000)
	narrow := aaveEMode{Id: 2}
	narrow.EMode.Ltv = 5000
	narrow.EMode.LiquidationThreshold = 6000
	narrow.EMode.CollateralBitmap = big.NewInt(1)
	narrow.EMode.BorrowableBitmap = big.NewInt(2)

	maxLTV, threshold, ltv := aaveLTV(supply, []aaveEMode{narrow}, 0, 1, 0.97)
	if ltv != 0.8 || maxLTV != 0.8 || threshold != 0.9 {
		t.Errorf("aaveLTV = %v %v %v, want base figures", maxLTV, threshold, ltv)
	}
}

func TestSummarizeAaveRates(t *testing.T) {
	var points []aaveRatePoint
	if err := json.Unmarshal([]byte(`[{"variableBorrowRate_avg":0.05},{"variableBorrowRate_avg":0.07}]`), &points); err != nil {
		t.Fatal(err)
	}
	got := summarizeAaveRates(points)
	if got.HasSupply || !got.HasBorrow {
		t.Errorf("has supply/borrow = %v/%v", got.HasSupply, got.HasBorrow)
	}
	if !approx(got.Borrow.Daily, 0.07) || !approx(got.Borrow.Monthly, 0.06) || !approx(got.Borrow.Yearly, 0.72) {
		t.Errorf("borrow = %+v", got.Borrow)
	}
	if empty := summarizeAaveRates(nil); empty.HasBorrow || empty.HasSupply {
		t.Error("empty history should have no legs")
	}
}
