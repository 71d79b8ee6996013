// Package upstream fetches JSON and GraphQL documents through the layered
// cache, decoding each response into the caller's typed schema.
package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/web3-frozen/yield-loops/internal/cache"
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.URL, e.Code)
}

// Client performs cached HTTP requests. The fetch and graphql namespaces are
// kept apart so their entries never collide.
type Client struct {
	http    *http.Client
	fetch   *cache.Layered
	graphql *cache.Layered
}

// NewClient builds a Client over the two cache namespaces.
func NewClient(fetch, graphql *cache.Layered) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		fetch:   fetch,
		graphql: graphql,
	}
}

// FetchJSON GETs url and decodes it into T. key names the cache entry; an
// empty key uses the url, which suits urls without volatile parameters.
func FetchJSON[T any](ctx context.Context, c *Client, key, url string) (T, error) {
	if key == "" {
		key = url
	}
	return cache.Get(ctx, c.fetch, key, func(ctx context.Context) (T, error) {
		return Fetch[T](ctx, c, url)
	})
}

// Fetch GETs url and decodes it into T without caching. Callers that keep
// their own namespace (rate histories) wrap it in cache.Get themselves.
func Fetch[T any](ctx context.Context, c *Client, url string) (T, error) {
	var out T
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("Accept", "application/json")
	if err := c.do(req, &out); err != nil {
		return out, err
	}
	return out, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse[T any] struct {
	Data   *T `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// QueryGraphQL POSTs query with variables to endpoint and decodes the data
// field into T. A response carrying errors and no data fails.
func QueryGraphQL[T any](ctx context.Context, c *Client, endpoint, query string, variables map[string]any) (T, error) {
	var zero T
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return zero, fmt.Errorf("encode graphql request: %w", err)
	}
	sum := sha256.Sum256(body)
	key := endpoint + ":" + hex.EncodeToString(sum[:])

	return cache.Get(ctx, c.graphql, key, func(ctx context.Context) (T, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return zero, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		var resp graphqlResponse[T]
		if err := c.do(req, &resp); err != nil {
			return zero, err
		}
		if len(resp.Errors) > 0 && resp.Data == nil {
			msgs := make([]string, 0, len(resp.Errors))
			for _, e := range resp.Errors {
				msgs = append(msgs, e.Message)
			}
			return zero, fmt.Errorf("graphql %s: %s", endpoint, strings.Join(msgs, "; "))
		}
		if resp.Data == nil {
			return zero, errors.New("graphql " + endpoint + ": empty data")
		}
		return *resp.Data, nil
	})
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}
