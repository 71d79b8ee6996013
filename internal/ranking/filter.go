// Package ranking filters, prices and orders yield loops. Every step is a
// pure function of its inputs so the live and database paths share it.
package ranking

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/loop"
)

// SortOrder selects the ranking key.
type SortOrder string

const (
	SortYield SortOrder = "yield"
	SortLTV   SortOrder = "ltv"
)

// DefaultChains are the chains searched when a request names none.
var DefaultChains = []string{"mainnet", "arbitrum", "base", "linea", "mantle", "optimism", "scroll", "unichain", "zksync"}

const (
	DefaultDepeg        = 0.97
	DefaultMinLiquidity = 100_000
)

// Filter is the full set of request options. A nil list does not filter on
// that dimension; an empty non-nil list matches nothing.
type Filter struct {
	Chains       []string
	Protocols    []loop.Protocol
	Exposures    []loop.Exposure
	MinLiquidity float64
	ExpiryDays   int
	Depeg        float64
	Sort         SortOrder
	Span         loop.Horizon
}

// DefaultFilter returns the options used when a request sets nothing.
func DefaultFilter() Filter {
	return Filter{
		Chains:       append([]string(nil), DefaultChains...),
		Protocols:    append([]loop.Protocol(nil), loop.Protocols...),
		Exposures:    append([]loop.Exposure(nil), loop.Exposures...),
		MinLiquidity: DefaultMinLiquidity,
		Depeg:        DefaultDepeg,
		Sort:         SortYield,
		Span:         loop.Week,
	}
}

// ChainIDs resolves the chain keys to ids. Nil stays nil.
func (f Filter) ChainIDs() []int64 {
	if f.Chains == nil {
		return nil
	}
	ids := make([]int64, 0, len(f.Chains))
	for _, key := range f.Chains {
		if c, ok := chains.Get(key); ok {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

var expiringSymbol = []*regexp.Regexp{
	regexp.MustCompile(`^PT-[^-]+-(.*)$`),
	regexp.MustCompile(`^LP-[^-]+-(.*)$`),
}

var expiryLayouts = []string{"2006-01-02", "02Jan2006", "2Jan2006", "Jan 2 2006", time.RFC3339}

// Expiry extracts the maturity embedded in a PT or LP symbol. The second
// result is false when the symbol has no maturity or it cannot be parsed.
func Expiry(symbol string) (time.Time, bool) {
	for _, re := range expiringSymbol {
		m := re.FindStringSubmatch(symbol)
		if m == nil {
			continue
		}
		raw := strings.TrimSpace(m[1])
		for _, layout := range expiryLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// Select keeps the candidates that pass every filter, in input order.
func Select(cands []Candidate, f Filter, now time.Time) []Candidate {
	var chainIDs map[int64]bool
	if f.Chains != nil {
		chainIDs = make(map[int64]bool)
		for _, id := range f.ChainIDs() {
			chainIDs[id] = true
		}
	}
	minExpiry := now.AddDate(0, 0, f.ExpiryDays)

	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if chainIDs != nil && !chainIDs[c.ChainID] {
			continue
		}
		if f.Protocols != nil && !containsProtocol(f.Protocols, c.Protocol) {
			continue
		}
		if f.Exposures != nil && !loop.SharedExposure(c.SupplyAsset.Symbol, c.BorrowAsset.Symbol, f.Exposures) {
			continue
		}
		if !meetsLiquidity(c.LiquidityUSD, f.MinLiquidity) {
			continue
		}
		if expiresBefore(c, minExpiry) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// meetsLiquidity drops unknown liquidity only when a minimum is set.
func meetsLiquidity(liq *float64, min float64) bool {
	if min == 0 {
		return true
	}
	return liq != nil && !math.IsNaN(*liq) && *liq >= min
}

func expiresBefore(c Candidate, minExpiry time.Time) bool {
	for _, symbol := range []string{c.BorrowAsset.Symbol, c.SupplyAsset.Symbol} {
		if t, ok := Expiry(symbol); ok && t.Before(minExpiry) {
			return true
		}
	}
	return false
}

func containsProtocol(list []loop.Protocol, p loop.Protocol) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}
