// Package loop defines the normalized yield-loop record shared by every
// lending adapter, plus the numeric helpers used to rank loops.
package loop

import "strings"

// Protocol identifies a lending protocol.
type Protocol string

const (
	Aave     Protocol = "aave"
	Compound Protocol = "compound"
	Morpho   Protocol = "morpho"
)

// Protocols lists every supported protocol in display order.
var Protocols = []Protocol{Aave, Compound, Morpho}

var protocolNames = map[Protocol]string{
	Aave:     "Aave",
	Compound: "Compound",
	Morpho:   "Morpho",
}

// Name returns the display name of the protocol.
func (p Protocol) Name() string {
	if n, ok := protocolNames[p]; ok {
		return n
	}
	return string(p)
}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	_, ok := protocolNames[p]
	return ok
}

// Exposure is a correlation bucket.
type Exposure string

const (
	BTC Exposure = "btc"
	ETH Exposure = "eth"
	USD Exposure = "usd"
)

// Exposures lists every correlation bucket.
var Exposures = []Exposure{BTC, ETH, USD}

// Horizon is the averaging window of a rate.
type Horizon string

const (
	Day   Horizon = "day"
	Week  Horizon = "week"
	Month Horizon = "month"
	Year  Horizon = "year"
)

// Horizons lists every horizon from shortest to longest.
var Horizons = []Horizon{Day, Week, Month, Year}

// ParseHorizon accepts the span query values ("day", "week", ...).
func ParseHorizon(s string) (Horizon, bool) {
	switch Horizon(strings.ToLower(s)) {
	case Day:
		return Day, true
	case Week:
		return Week, true
	case Month:
		return Month, true
	case Year:
		return Year, true
	}
	return "", false
}

// AssetRef points at a token contract. Identity is address plus chain; the
// symbol is display and classification metadata only.
type AssetRef struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

// SameAs compares addresses case-insensitively.
func (a AssetRef) SameAs(b AssetRef) bool {
	return strings.EqualFold(a.Address, b.Address)
}

// Rates holds a continuously-compounded rate per horizon.
type Rates struct {
	Daily   float64 `json:"daily"`
	Weekly  float64 `json:"weekly"`
	Monthly float64 `json:"monthly"`
	Yearly  float64 `json:"yearly"`
}

// At returns the rate for h. Unknown horizons return the weekly rate.
func (r Rates) At(h Horizon) float64 {
	switch h {
	case Day:
		return r.Daily
	case Month:
		return r.Monthly
	case Year:
		return r.Yearly
	default:
		return r.Weekly
	}
}

// Uniform returns Rates with the same value at every horizon.
func Uniform(v float64) Rates {
	return Rates{Daily: v, Weekly: v, Monthly: v, Yearly: v}
}

// YieldLoop is one supply/borrow pair on one market.
//
// LTV is already risk-adjusted. MaxLTV and LiquidationThreshold are the raw
// figures that produced it, kept so the LTV can be recomputed for a different
// depeg tolerance.
type YieldLoop struct {
	Protocol             Protocol `json:"protocol"`
	ChainID              int64    `json:"chainId"`
	SupplyAsset          AssetRef `json:"supplyAsset"`
	BorrowAsset          AssetRef `json:"borrowAsset"`
	SupplyApr            Rates    `json:"supplyApr"`
	BorrowApr            Rates    `json:"borrowApr"`
	LiquidityUSD         float64  `json:"liquidityUSD"`
	LTV                  float64  `json:"ltv"`
	MaxLTV               float64  `json:"maxLtv"`
	LiquidationThreshold float64  `json:"liquidationThreshold"`
	Link                 string   `json:"link"`
}

// Leverage is 1/(1-ltv).
func (l YieldLoop) Leverage() float64 { return Leverage(l.LTV) }

// YieldApr is the leveraged yield at horizon h, before token enrichment.
func (l YieldLoop) YieldApr(h Horizon) float64 {
	return LoopYield(l.SupplyApr.At(h), l.BorrowApr.At(h), l.LTV)
}
