package handler

import (
	"net/http"

	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/loop"
)

// Chains serves the chain registry.
func Chains() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, chains.All())
	}
}

type protocolInfo struct {
	Key  loop.Protocol `json:"key"`
	Name string        `json:"name"`
}

// Protocols serves the protocols with a registered adapter.
func Protocols(protocols []loop.Protocol) http.HandlerFunc {
	out := make([]protocolInfo, len(protocols))
	for i, p := range protocols {
		out[i] = protocolInfo{Key: p, Name: p.Name()}
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, out)
	}
}
