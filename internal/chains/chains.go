// Package chains is the static registry of supported networks.
package chains

import (
	"sort"
	"strings"
)

// Info describes one network. Values are fixed at process start.
type Info struct {
	Key          string   `json:"key"`
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	RPCEndpoints []string `json:"-"`
}

var registry = map[string]Info{
	"arbitrum": {Key: "arbitrum", ID: 42161, Name: "Arbitrum", RPCEndpoints: []string{
		"https://arb1.arbitrum.io/rpc", "https://arbitrum-one-rpc.publicnode.com"}},
	"base": {Key: "base", ID: 8453, Name: "Base", RPCEndpoints: []string{
		"https://mainnet.base.org", "https://base-rpc.publicnode.com"}},
	"bsc": {Key: "bsc", ID: 56, Name: "BNB Smart Chain", RPCEndpoints: []string{
		"https://bsc-dataseed.bnbchain.org", "https://bsc-rpc.publicnode.com"}},
	"linea": {Key: "linea", ID: 59144, Name: "Linea", RPCEndpoints: []string{
		"https://rpc.linea.build", "https://linea-rpc.publicnode.com"}},
	"mainnet": {Key: "mainnet", ID: 1, Name: "Ethereum", RPCEndpoints: []string{
		"https://ethereum-rpc.publicnode.com", "https://eth.merkle.io"}},
	"mantle": {Key: "mantle", ID: 5000, Name: "Mantle", RPCEndpoints: []string{
		"https://rpc.mantle.xyz", "https://mantle-rpc.publicnode.com"}},
	"optimism": {Key: "optimism", ID: 10, Name: "Optimism", RPCEndpoints: []string{
		"https://mainnet.optimism.io", "https://optimism-rpc.publicnode.com"}},
	"polygon": {Key: "polygon", ID: 137, Name: "Polygon", RPCEndpoints: []string{
		"https://polygon-rpc.com", "https://polygon-bor-rpc.publicnode.com"}},
	"scroll": {Key: "scroll", ID: 534352, Name: "Scroll", RPCEndpoints: []string{
		"https://rpc.scroll.io", "https://scroll-rpc.publicnode.com"}},
	"unichain": {Key: "unichain", ID: 130, Name: "Unichain", RPCEndpoints: []string{
		"https://mainnet.unichain.org", "https://unichain-rpc.publicnode.com"}},
	"zksync": {Key: "zksync", ID: 324, Name: "ZKsync Era", RPCEndpoints: []string{
		"https://mainnet.era.zksync.io", "https://zksync-era-rpc.publicnode.com"}},
}

var byID = func() map[int64]string {
	m := make(map[int64]string, len(registry))
	for key, c := range registry {
		m[c.ID] = key
	}
	return m
}()

// Get looks up a chain by key ("mainnet", "base", ...).
func Get(key string) (Info, bool) {
	c, ok := registry[strings.ToLower(key)]
	return c, ok
}

// ByID looks up a chain by numeric id.
func ByID(id int64) (Info, bool) {
	key, ok := byID[id]
	if !ok {
		return Info{}, false
	}
	return registry[key], true
}

// Keys returns every registered chain key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns every chain, sorted by key.
func All() []Info {
	out := make([]Info, 0, len(registry))
	for _, k := range Keys() {
		out = append(out, registry[k])
	}
	return out
}

// FilterIDs keeps the requested chain keys that appear in supported and
// returns their ids in supported order.
func FilterIDs(requested, supported []string) []int64 {
	want := make(map[string]bool, len(requested))
	for _, r := range requested {
		want[strings.ToLower(r)] = true
	}
	var ids []int64
	for _, s := range supported {
		if !want[s] {
			continue
		}
		if c, ok := registry[s]; ok {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Set is a set of chain keys.
type Set map[string]bool

// NewSet builds a Set from keys, ignoring unknown chains.
func NewSet(keys ...string) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		k = strings.ToLower(k)
		if _, ok := registry[k]; ok {
			s[k] = true
		}
	}
	return s
}

// Has reports whether key is in the set.
func (s Set) Has(key string) bool { return s[key] }

// Keys returns the set members, sorted.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
