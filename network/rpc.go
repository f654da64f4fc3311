package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// rpcCodeNotFound is returned by bitcoind-style nodes for unknown
// transactions ("No such mempool or blockchain transaction").
const rpcCodeNotFound = -5

// RPCClient is a JSON-RPC 1.0 client for a BSV node. The chain methods in
// rpc_blockchain.go are built on Call.
type RPCClient struct {
	url    string
	user   string
	pass   string
	client *http.Client
	log    *zap.Logger
	nextID atomic.Int64
}

// RPCOption customizes an RPCClient.
type RPCOption func(*RPCClient)

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.Logger) RPCOption {
	return func(c *RPCClient) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHTTPClient replaces the default pooled HTTP client.
func WithHTTPClient(hc *http.Client) RPCOption {
	return func(c *RPCClient) {
		if hc != nil {
			c.client = hc
		}
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRPCClient creates a JSON-RPC client. Basic auth is used when User is set.
func NewRPCClient(cfg RPCConfig, opts ...RPCOption) *RPCClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &RPCClient{
		url:  cfg.URL,
		user: cfg.User,
		pass: cfg.Password,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes a JSON-RPC method and decodes the result into result, which
// may be nil to discard it.
//
// Transport failures wrap ErrConnectionFailed, HTTP 401/403 wrap
// ErrAuthFailed, undecodable bodies wrap ErrInvalidResponse and the node's
// "not found" error code wraps ErrTxNotFound.
func (c *RPCClient) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	reqBody := rpcRequest{
		JSONRPC: "1.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("network: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("network: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.Debug("rpc call",
		zap.String("method", method),
		zap.Int64("id", reqBody.ID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: HTTP %d", ErrAuthFailed, resp.StatusCode)
	}

	var rpcResp rpcResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&rpcResp)

	// Nodes answer RPC-level errors with HTTP 500 and a JSON body.
	if decodeErr == nil && rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcCodeNotFound {
			return fmt.Errorf("%w: rpc error %d: %s", ErrTxNotFound, rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return fmt.Errorf("network: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrConnectionFailed, resp.StatusCode)
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: decode response: %w", ErrInvalidResponse, decodeErr)
	}
	if rpcResp.ID != reqBody.ID {
		return fmt.Errorf("%w: response ID mismatch: expected %d, got %d",
			ErrInvalidResponse, reqBody.ID, rpcResp.ID)
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%w: unmarshal result: %w", ErrInvalidResponse, err)
		}
	}
	return nil
}
