// Package chain wraps the node RPC surface the scanner consumes:
// bytecode fetch, read-only calls with state overrides, trace-capable
// simulation, and the block/log accessors the discovery watcher needs.
// Transport failures are retried with exponential backoff and endpoint
// rotation; they never surface as hard failures to the pipeline.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"evmrecon/pkg/logger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/op/go-logging"
)

// CallMsg is a read-only call request.
type CallMsg struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

func (m CallMsg) toArg() map[string]interface{} {
	arg := map[string]interface{}{
		"to":   m.To,
		"data": hexutil.Bytes(m.Data),
	}
	if m.From != (common.Address{}) {
		arg["from"] = m.From
	}
	if m.Value != nil && m.Value.Sign() > 0 {
		arg["value"] = hexutil.EncodeBig(m.Value)
	}
	return arg
}

// Client is an endpoint-rotating RPC client pair. All methods are safe
// for concurrent use.
type Client struct {
	log *logging.Logger

	endpoints []string

	mu  sync.Mutex
	idx int
	rpc *rpc.Client
	eth *ethclient.Client

	maxAttempts int
	baseBackoff time.Duration
	callTimeout time.Duration

	traceOnce      sync.Once
	traceSupported bool
}

// Dial connects to the first reachable endpoint in the list.
func Dial(endpoints []string, logLevel string) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no RPC endpoints configured")
	}

	c := &Client{
		log:         logger.NewLogger(logLevel, "Chain"),
		endpoints:   endpoints,
		maxAttempts: 2 * len(endpoints),
		baseBackoff: 500 * time.Millisecond,
		callTimeout: 15 * time.Second,
	}

	var lastErr error
	for i, url := range endpoints {
		rc, err := rpc.Dial(url)
		if err != nil {
			lastErr = err
			continue
		}
		c.idx = i
		c.rpc = rc
		c.eth = ethclient.NewClient(rc)
		return c, nil
	}
	return nil, fmt.Errorf("failed to connect to any RPC endpoint: %w", lastErr)
}

func (c *Client) current() (*rpc.Client, *ethclient.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpc, c.eth
}

// rotate moves to the next endpoint. A failed dial keeps the current
// connection so the caller can still back off and retry.
func (c *Client) rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.endpoints) < 2 {
		return
	}
	next := (c.idx + 1) % len(c.endpoints)
	rc, err := rpc.Dial(c.endpoints[next])
	if err != nil {
		c.log.Warningf("endpoint rotation to %s failed: %v", c.endpoints[next], err)
		return
	}
	if c.rpc != nil {
		c.rpc.Close()
	}
	c.idx = next
	c.rpc = rc
	c.eth = ethclient.NewClient(rc)
	c.log.Infof("rotated to RPC endpoint #%d", next)
}

// retryable classifies transport-level failures. Call reverts and other
// execution errors are not retried.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "too many requests", "rate limit",
		"timeout", "deadline exceeded",
		"connection refused", "connection reset", "broken pipe", "eof",
		"no such host", "bad gateway", "service unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// do runs fn with retry, backoff and endpoint rotation on transport
// errors.
func (c *Client) do(ctx context.Context, fn func(rc *rpc.Client, ec *ethclient.Client) error) error {
	backoff := c.baseBackoff
	var err error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		rc, ec := c.current()
		err = fn(rc, ec)
		if err == nil || !retryable(err) {
			return err
		}

		c.log.Debugf("transport error (attempt %d/%d): %v", attempt+1, c.maxAttempts, err)
		c.rotate()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
	return err
}

// Code fetches the deployed bytecode at addr; empty code is not an
// error.
func (c *Client) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := c.do(ctx, func(_ *rpc.Client, ec *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var err error
		code, err = ec.CodeAt(callCtx, addr, nil)
		return err
	})
	return code, err
}

// CodeBatch fetches bytecode for a batch of addresses in one JSON-RPC
// batch request. Addresses whose element failed map to nil code.
func (c *Client) CodeBatch(ctx context.Context, addrs []common.Address) (map[common.Address][]byte, error) {
	out := make(map[common.Address][]byte, len(addrs))
	if len(addrs) == 0 {
		return out, nil
	}

	results := make([]hexutil.Bytes, len(addrs))
	batch := make([]rpc.BatchElem, len(addrs))
	for i, addr := range addrs {
		batch[i] = rpc.BatchElem{
			Method: "eth_getCode",
			Args:   []interface{}{addr, "latest"},
			Result: &results[i],
		}
	}

	err := c.do(ctx, func(rc *rpc.Client, _ *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		return rc.BatchCallContext(callCtx, batch)
	})
	if err != nil {
		return nil, fmt.Errorf("batch code fetch failed: %w", err)
	}

	for i, addr := range addrs {
		if batch[i].Error != nil {
			out[addr] = nil
			continue
		}
		out[addr] = results[i]
	}
	return out, nil
}

// Call executes a plain read-only call.
func (c *Client) Call(ctx context.Context, msg CallMsg) ([]byte, error) {
	return c.CallWithOverride(ctx, msg, nil)
}

// CallWithOverride executes a read-only call with an optional state
// override.
func (c *Client) CallWithOverride(ctx context.Context, msg CallMsg, override StateOverride) ([]byte, error) {
	var out hexutil.Bytes
	err := c.do(ctx, func(rc *rpc.Client, _ *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		if override == nil {
			return rc.CallContext(callCtx, &out, "eth_call", msg.toArg(), "latest")
		}
		return rc.CallContext(callCtx, &out, "eth_call", msg.toArg(), "latest", override)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TraceCallWithOverride simulates msg through debug_traceCall with the
// callTracer, returning the full frame tree including emitted logs.
func (c *Client) TraceCallWithOverride(ctx context.Context, msg CallMsg, override StateOverride) (*CallFrame, error) {
	opts := map[string]interface{}{
		"tracer": "callTracer",
		"tracerConfig": map[string]interface{}{
			"onlyTopCall": false,
			"withLog":     true,
		},
	}
	if override != nil {
		// Both spellings circulate across client implementations.
		opts["stateOverrides"] = override
		opts["stateOverride"] = override
	}

	var frame CallFrame
	err := c.do(ctx, func(rc *rpc.Client, _ *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		return rc.CallContext(callCtx, &frame, "debug_traceCall", msg.toArg(), "latest", opts)
	})
	if err != nil {
		return nil, fmt.Errorf("debug_traceCall failed: %w", err)
	}
	return &frame, nil
}

// SupportsTrace probes once per process whether the backend exposes
// debug_traceCall, and caches the answer. Public providers frequently
// do not ship the debug namespace.
func (c *Client) SupportsTrace(ctx context.Context) bool {
	c.traceOnce.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		rc, _ := c.current()
		var raw interface{}
		err := rc.CallContext(probeCtx, &raw, "debug_traceCall",
			map[string]interface{}{"to": common.Address{}, "data": "0x"},
			"latest",
			map[string]interface{}{"tracer": "callTracer"},
		)
		c.traceSupported = err == nil
		if !c.traceSupported {
			c.log.Warningf("debug_traceCall unavailable, deep probes degrade to candidate-only: %v", err)
		}
	})
	return c.traceSupported
}

// BlockNumber returns the current chain head number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, func(_ *rpc.Client, ec *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var err error
		n, err = ec.BlockNumber(callCtx)
		return err
	})
	return n, err
}

// BlockByNumber fetches a full block including transactions.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	var block *types.Block
	err := c.do(ctx, func(_ *rpc.Client, ec *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var err error
		block, err = ec.BlockByNumber(callCtx, new(big.Int).SetUint64(number))
		return err
	})
	return block, err
}

// TransactionReceipt fetches a receipt; used to resolve deployment
// addresses for creation transactions.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var rec *types.Receipt
	err := c.do(ctx, func(_ *rpc.Client, ec *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var err error
		rec, err = ec.TransactionReceipt(callCtx, hash)
		return err
	})
	return rec, err
}

// FilterLogs runs an eth_getLogs query.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, func(_ *rpc.Client, ec *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var err error
		logs, err = ec.FilterLogs(callCtx, q)
		return err
	})
	return logs, err
}

// BalanceAt returns the native balance of addr at the latest block.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.do(ctx, func(_ *rpc.Client, ec *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var err error
		bal, err = ec.BalanceAt(callCtx, addr, nil)
		return err
	})
	return bal, err
}

// Close tears down the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
	}
}
