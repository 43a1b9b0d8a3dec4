// Package upstream talks to the Ethereum JSON-RPC provider and the NFT
// metadata service on behalf of the relay handlers. All outbound calls share
// a bounded timeout and run through a circuit breaker so a degraded provider
// does not pile up in-flight requests.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/ethgate/ethgate/internal/config"
)

const (
	// requestTimeout bounds every outbound provider call.
	requestTimeout = 10 * time.Second

	// breakerMinRequests is the request volume required before the breaker
	// considers tripping.
	breakerMinRequests = 5

	// breakerCooldown is how long the breaker stays open before probing.
	breakerCooldown = 30 * time.Second

	jsonRPCVersion = "2.0"
)

var (
	// ErrNotFound indicates the provider answered but the requested object
	// does not exist (unknown transaction hash, unknown NFT).
	ErrNotFound = errors.New("upstream: not found")

	// ErrUnavailable indicates the provider could not be reached, timed out,
	// or the circuit breaker is open.
	ErrUnavailable = errors.New("upstream: unavailable")
)

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("upstream: rpc error %d: %s", e.Code, e.Message)
}

// Client issues Ethereum JSON-RPC calls and NFT metadata lookups.
type Client struct {
	rpcURL     string
	nftBaseURL string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewClient constructs a Client from upstream config. The RPC URL template
// is expanded with the provider API key here so the key never travels
// through the handlers.
func NewClient(cfg config.UpstreamConfig) *Client {
	return &Client{
		rpcURL:     fmt.Sprintf(cfg.RPCURL, cfg.APIKey),
		nftBaseURL: cfg.NFTMetadata,
		httpClient: &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "upstream",
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= breakerMinRequests && failureRatio >= 0.5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(log.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("upstream: circuit breaker state change")
			},
		}),
	}
}

// TransactionByHash fetches transaction details via eth_getTransactionByHash.
// Returns ErrNotFound when the hash is unknown to the provider.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	result, err := c.rpcCall(ctx, "eth_getTransactionByHash", []any{hash})
	if err != nil {
		return nil, err
	}
	if isNullResult(result) {
		return nil, ErrNotFound
	}
	return result, nil
}

// GasPrice fetches the current gas price via eth_gasPrice. The result is the
// provider's hex-encoded wei quantity.
func (c *Client) GasPrice(ctx context.Context) (string, error) {
	result, err := c.rpcCall(ctx, "eth_gasPrice", []any{})
	if err != nil {
		return "", err
	}
	var price string
	if err := json.Unmarshal(result, &price); err != nil {
		return "", fmt.Errorf("upstream: decode gas price: %w", err)
	}
	return price, nil
}

// Call executes a read-only contract call via eth_call against the latest
// block and returns the raw result.
func (c *Client) Call(ctx context.Context, to, data string) (json.RawMessage, error) {
	params := []any{map[string]string{"to": to, "data": data}, "latest"}
	return c.rpcCall(ctx, "eth_call", params)
}

// NFTMetadata fetches the metadata document for a single NFT asset.
func (c *Client) NFTMetadata(ctx context.Context, address, tokenID string) (json.RawMessage, error) {
	assetURL := fmt.Sprintf("%s/%s/%s", c.nftBaseURL, url.PathEscape(address), url.PathEscape(tokenID))
	body, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// rpcCall posts a JSON-RPC request and returns the result field. RPC-level
// errors come back as *rpcError so callers can distinguish them from
// transport failures.
func (c *Client) rpcCall(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	body, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("upstream: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// do runs one HTTP exchange through the circuit breaker and returns the
// response body. Non-2xx statuses count as breaker failures.
func (c *Client) do(ctx context.Context, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("upstream: build request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upstream: %w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, fmt.Errorf("upstream: read response: %w", err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			log.WithField("status", resp.StatusCode).Error("upstream: provider error")
			return nil, fmt.Errorf("upstream: %w: status %d", ErrUnavailable, resp.StatusCode)
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("upstream: %w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	return out.([]byte), nil
}

// isNullResult reports whether a JSON-RPC result is absent or JSON null,
// which providers return for unknown transaction hashes.
func isNullResult(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
