package ranking

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/loop"
)

const maxExpiryDays = 36500

// ParseQuery reads the loop query parameters (chain, protocol, exposure,
// liquidity, depeg, expiry, span, sort) on top of base. Unknown list values
// are ignored; a list parameter that is present but has no known value
// matches nothing. Unparseable numbers and a depeg outside (0, 1] keep the
// base value; expiry is clamped to [0, 36500] days.
func ParseQuery(q url.Values, base Filter) Filter {
	f := base

	if vals, ok := q["chain"]; ok && len(vals) > 0 {
		f.Chains = validValues(vals, chains.Keys())
	}
	if vals, ok := q["protocol"]; ok && len(vals) > 0 {
		known := make([]string, len(loop.Protocols))
		for i, p := range loop.Protocols {
			known[i] = string(p)
		}
		f.Protocols = []loop.Protocol{}
		for _, v := range validValues(vals, known) {
			f.Protocols = append(f.Protocols, loop.Protocol(v))
		}
	}
	if vals, ok := q["exposure"]; ok && len(vals) > 0 {
		known := make([]string, len(loop.Exposures))
		for i, e := range loop.Exposures {
			known[i] = string(e)
		}
		f.Exposures = []loop.Exposure{}
		for _, v := range validValues(vals, known) {
			f.Exposures = append(f.Exposures, loop.Exposure(v))
		}
	}

	if v, ok := number(q.Get("liquidity")); ok {
		f.MinLiquidity = v
	}
	if v, ok := number(q.Get("depeg")); ok && loop.ValidDepeg(v) {
		f.Depeg = v
	}
	if v, ok := number(q.Get("expiry")); ok {
		f.ExpiryDays = int(math.Max(0, math.Min(v, maxExpiryDays)))
	}
	if h, ok := loop.ParseHorizon(q.Get("span")); ok {
		f.Span = h
	}
	if strings.EqualFold(q.Get("sort"), string(SortLTV)) {
		f.Sort = SortLTV
	} else if q.Has("sort") {
		f.Sort = SortYield
	}
	return f
}

// validValues keeps the known values that were requested, in known order.
func validValues(requested, known []string) []string {
	want := make(map[string]bool, len(requested))
	for _, r := range requested {
		want[strings.ToLower(strings.TrimSpace(r))] = true
	}
	out := []string{}
	for _, k := range known {
		if want[k] {
			out = append(out, k)
		}
	}
	return out
}

func number(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
