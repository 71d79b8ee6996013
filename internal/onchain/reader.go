// Package onchain performs cached read-only contract calls over JSON-RPC.
package onchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/web3-frozen/yield-loops/internal/cache"
	"github.com/web3-frozen/yield-loops/internal/chains"
)

// Caller is the subset of ethclient.Client the reader uses.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialFunc opens a Caller for one RPC endpoint.
type DialFunc func(ctx context.Context, url string) (Caller, error)

func dialEthclient(ctx context.Context, url string) (Caller, error) {
	return ethclient.DialContext(ctx, url)
}

// Reader issues eth_call against the chain registry's endpoints, trying them
// in order until one answers. Raw return data is cached per call.
type Reader struct {
	cache     *cache.Layered
	logger    *slog.Logger
	overrides map[string][]string
	dial      DialFunc

	mu      sync.Mutex
	callers map[string]Caller
}

// Option customizes a Reader.
type Option func(*Reader)

// WithEndpoints replaces the registry endpoints of the given chains.
func WithEndpoints(overrides map[string][]string) Option {
	return func(r *Reader) {
		for chain, urls := range overrides {
			if len(urls) > 0 {
				r.overrides[strings.ToLower(chain)] = urls
			}
		}
	}
}

// WithDialer replaces ethclient dialing.
func WithDialer(dial DialFunc) Option {
	return func(r *Reader) { r.dial = dial }
}

// NewReader builds a Reader caching into the contract namespace c.
func NewReader(c *cache.Layered, logger *slog.Logger, opts ...Option) *Reader {
	r := &Reader{
		cache:     c,
		logger:    logger,
		overrides: make(map[string][]string),
		dial:      dialEthclient,
		callers:   make(map[string]Caller),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Endpoints returns the RPC urls used for chain.
func (r *Reader) Endpoints(chain string) []string {
	if urls, ok := r.overrides[strings.ToLower(chain)]; ok {
		return urls
	}
	info, ok := chains.Get(chain)
	if !ok {
		return nil
	}
	return info.RPCEndpoints
}

// Close releases every dialed client.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, c := range r.callers {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(r.callers, url)
	}
}

// Call packs method(args) from parsed, executes it against contract on
// chain and returns the unpacked outputs.
func (r *Reader) Call(ctx context.Context, chain string, contract common.Address, parsed *abi.ABI, method string, args ...any) ([]any, error) {
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	key := fmt.Sprintf("%s:%s:%s:%s", strings.ToLower(chain), strings.ToLower(contract.Hex()), method, hexutil.Encode(input))
	raw, err := cache.Get(ctx, r.cache, key, func(ctx context.Context) (hexutil.Bytes, error) {
		return r.call(ctx, chain, ethereum.CallMsg{To: &contract, Data: input})
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s.%s: %w", chain, contract.Hex(), method, err)
	}

	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (r *Reader) call(ctx context.Context, chain string, msg ethereum.CallMsg) (hexutil.Bytes, error) {
	endpoints := r.Endpoints(chain)
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no rpc endpoints for chain %q", chain)
	}

	var errs []error
	for _, url := range endpoints {
		c, err := r.caller(ctx, url)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out, err := c.CallContract(ctx, msg, nil)
		if err != nil {
			r.logger.Debug("rpc call failed, trying next endpoint", "chain", chain, "endpoint", url, "error", err)
			errs = append(errs, err)
			continue
		}
		if len(out) == 0 {
			errs = append(errs, fmt.Errorf("%s: empty return data", url))
			continue
		}
		return out, nil
	}
	return nil, errors.Join(errs...)
}

func (r *Reader) caller(ctx context.Context, url string) (Caller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.callers[url]; ok {
		return c, nil
	}
	c, err := r.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	r.callers[url] = c
	return c, nil
}
