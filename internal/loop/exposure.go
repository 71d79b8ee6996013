package loop

import "strings"

// IsCorrelated reports whether symbol belongs to the exposure bucket.
func IsCorrelated(symbol string, e Exposure) bool {
	s := strings.ToLower(symbol)
	switch e {
	case BTC:
		return strings.Contains(s, "btc")
	case ETH:
		return strings.Contains(s, "eth")
	case USD:
		return strings.Contains(s, "usd") || strings.Contains(s, "usr") || strings.Contains(s, "rlp")
	}
	return false
}

// SharedExposure reports whether both symbols fall in at least one of the
// given buckets together.
func SharedExposure(a, b string, exposures []Exposure) bool {
	for _, e := range exposures {
		if IsCorrelated(a, e) && IsCorrelated(b, e) {
			return true
		}
	}
	return false
}

// ParseExposure accepts "btc", "eth" or "usd" in any case.
func ParseExposure(s string) (Exposure, bool) {
	e := Exposure(strings.ToLower(s))
	for _, known := range Exposures {
		if e == known {
			return e, true
		}
	}
	return "", false
}
