// Package lending turns protocol-specific market data into normalized
// yield loops. Each adapter skips malformed markets on its own and only
// fails when its primary listing cannot be read.
package lending

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/web3-frozen/yield-loops/internal/chains"
	"github.com/web3-frozen/yield-loops/internal/loop"
)

// Adapter searches one protocol.
type Adapter interface {
	Protocol() loop.Protocol
	// Chains lists the chain keys the protocol is deployed on.
	Chains() []string
	Search(ctx context.Context, requested chains.Set, depeg float64) ([]loop.YieldLoop, error)
}

// ContractReader performs a cached view call and returns unpacked outputs.
// *onchain.Reader satisfies it.
type ContractReader interface {
	Call(ctx context.Context, chain string, contract common.Address, parsed *abi.ABI, method string, args ...any) ([]any, error)
}

// requestedIDs returns the ids of the supported chains that were requested,
// in supported order, plus the same ids as a lookup set.
func requestedIDs(requested chains.Set, supported []string) ([]int64, map[int64]bool) {
	ids := chains.FilterIDs(requested.Keys(), supported)
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	return ids, wanted
}
