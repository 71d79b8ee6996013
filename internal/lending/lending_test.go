package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/web3-frozen/yield-loops/internal/cache"
	"github.com/web3-frozen/yield-loops/internal/upstream"
)

// fakeReader answers contract calls from a table keyed by
// "<lower contract>:<method>[:<first arg>]".
type fakeReader struct {
	mu      sync.Mutex
	answers map[string][]any
	err     error
	calls   map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{answers: make(map[string][]any), calls: make(map[string]int)}
}

func readerKey(contract common.Address, method string, args ...any) string {
	key := strings.ToLower(contract.Hex()) + ":" + method
	if len(args) > 0 {
		if _, isAddr := args[0].(common.Address); !isAddr {
			key += fmt.Sprintf(":%v", args[0])
		}
	}
	return key
}

func (f *fakeReader) set(contract common.Address, method string, out []any, args ...any) {
	f.answers[readerKey(contract, method, args...)] = out
}

func (f *fakeReader) Call(_ context.Context, _ string, contract common.Address, _ *abi.ABI, method string, args ...any) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := readerKey(contract, method, args...)
	f.calls[key]++
	if f.err != nil {
		return nil, f.err
	}
	out, ok := f.answers[key]
	if !ok {
		return nil, errors.New("no answer for " + key)
	}
	return out, nil
}

func newTestClient(t *testing.T) *upstream.Client {
	t.Helper()
	return upstream.NewClient(newTestCache(t, "fetch"), newTestCache(t, "graphql"))
}

func newTestCache(t *testing.T, name string) *cache.Layered {
	t.Helper()
	c, err := cache.New(name, cache.Options{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testLogger() *slog.Logger { return slog.Default() }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }
