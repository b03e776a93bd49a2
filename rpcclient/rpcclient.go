// Package rpcclient is the bundler's outbound JSON-RPC client to the
// Ethereum node: async request/response over JSON-RPC, submitting
// named methods with positional parameters and returning either a
// result or a structured {code, message, data?} error, per spec.md §2
// and §6. It wraps github.com/ethereum/go-ethereum/rpc.Client the way
// the pack's own Go ERC-4337 bundlers do (rpc.Client.CallContext),
// rather than hand-rolling a JSON-RPC transport.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Error mirrors the {code, message, data} JSON-RPC error object, per
// spec.md §2.
type Error struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AsError extracts an *Error from an arbitrary error returned by the
// underlying rpc.Client, if the node responded with a JSON-RPC error
// object rather than a transport failure.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		data, _ := json.Marshal(de.ErrorData())
		out := &Error{Message: de.Error(), Data: data}
		var ce rpc.Error
		if errors.As(err, &ce) {
			out.Code = ce.ErrorCode()
		}
		return out, true
	}
	return nil, false
}

// Client is a thin, context-aware wrapper over the node's JSON-RPC
// endpoint, exposing exactly the methods spec.md §6 names.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the given Ethereum node URL (http(s)://, ws(s)://,
// or a local IPC path).
func Dial(ctx context.Context, nodeURL string) (*Client, error) {
	c, err := rpc.DialContext(ctx, nodeURL)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", nodeURL, err)
	}
	return &Client{rpc: c}, nil
}

// New wraps an already-constructed go-ethereum rpc.Client, primarily
// for tests that supply a fake in-process handler via rpc.DialInProc.
func New(c *rpc.Client) *Client { return &Client{rpc: c} }

// Close releases the underlying connection.
func (c *Client) Close() { c.rpc.Close() }

// Call issues an arbitrary JSON-RPC method with positional params and
// decodes the result into result (a pointer), per spec.md §2's "submits
// named methods with positional parameters" contract.
func (c *Client) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	if err := c.rpc.CallContext(ctx, result, method, params...); err != nil {
		return fmt.Errorf("rpcclient: %s: %w", method, err)
	}
	return nil
}

// CallMsg mirrors the eth_call / debug_traceCall "transaction-ish"
// object: from/to/data plus the optional gas fields simulateValidation
// needs (gasLimit/gasPrice) when run in traced mode, per spec.md §4.1.
type CallMsg struct {
	From     common.Address  `json:"from,omitempty"`
	To       *common.Address `json:"to,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
}

// EthCall performs eth_call at the given block tag (typically
// "latest"), returning the raw result bytes on success. Per spec.md
// §4.1, a simulateValidation eth_call is *expected* to revert; the
// caller (validation package) is responsible for treating a non-error
// result as a hard invariant violation.
func (c *Client) EthCall(ctx context.Context, msg CallMsg, blockTag string) (hexutil.Bytes, error) {
	var out hexutil.Bytes
	err := c.Call(ctx, &out, "eth_call", msg, blockTag)
	return out, err
}

// TraceCall performs debug_traceCall with the given tracer source, per
// spec.md §4.1/§6. The result is returned as raw JSON so the tracer
// package can decode it into a DebugTraceCallData without rpcclient
// needing to know that schema.
func (c *Client) TraceCall(ctx context.Context, msg CallMsg, blockTag string, tracerSource string) (json.RawMessage, error) {
	var out json.RawMessage
	opts := map[string]string{"tracer": tracerSource}
	err := c.Call(ctx, &out, "debug_traceCall", msg, blockTag, opts)
	return out, err
}

// GasPrice returns eth_gasPrice.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := c.Call(ctx, &out, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return (*big.Int)(&out), nil
}

// MaxPriorityFeePerGas returns eth_maxPriorityFeePerGas.
func (c *Client) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := c.Call(ctx, &out, "eth_maxPriorityFeePerGas"); err != nil {
		return nil, err
	}
	return (*big.Int)(&out), nil
}

// TransactionCount returns eth_getTransactionCount(addr, blockTag).
func (c *Client) TransactionCount(ctx context.Context, addr common.Address, blockTag string) (uint64, error) {
	var out hexutil.Uint64
	if err := c.Call(ctx, &out, "eth_getTransactionCount", addr, blockTag); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

// EstimateGas returns eth_estimateGas for the given call.
func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var out hexutil.Uint64
	if err := c.Call(ctx, &out, "eth_estimateGas", msg); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

// SendRawTransaction submits eth_sendRawTransaction and returns the
// transaction hash.
func (c *Client) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	var out common.Hash
	if err := c.Call(ctx, &out, "eth_sendRawTransaction", hexutil.Encode(rawTx)); err != nil {
		return common.Hash{}, err
	}
	return out, nil
}

// SendRawTransactionConditional submits
// eth_sendRawTransactionConditional with the given options payload
// (opaque to rpcclient; see spec.md §6 GLOSSARY "Conditional send").
func (c *Client) SendRawTransactionConditional(ctx context.Context, rawTx []byte, conditions interface{}) (common.Hash, error) {
	var out common.Hash
	if err := c.Call(ctx, &out, "eth_sendRawTransactionConditional", hexutil.Encode(rawTx), conditions); err != nil {
		return common.Hash{}, err
	}
	return out, nil
}
