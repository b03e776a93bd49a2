// Package abicodec encodes and decodes the EVM call data and revert
// payloads the bundler core exchanges with the EntryPoint contract. It
// wraps github.com/ethereum/go-ethereum/accounts/abi the way the rest of
// the pack's Go ERC-4337 bundlers do, rather than hand-rolling ABI
// encoding.
package abicodec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/eth2030/bundler/userop"
)

// Selectors for the EntryPoint ABI surface used by the core, per
// spec.md §6. handleOps/simulateValidation/validatePaymasterUserOp are
// fixed by spec.md; FailedOp's is derived from its signature rather
// than hardcoded, since spec.md leaves the literal unspecified ("a
// configured constant").
const (
	HandleOpsSelector          = "0x1fad948c"
	SimulateValidationSelector = "0xee219423"
	ValidatePaymasterSelector  = "0xf465c77e"
)

// FailedOpSelector is keccak256("FailedOp(uint256,string)")[:4].
var FailedOpSelector = hexutil.Encode(crypto.Keccak256([]byte("FailedOp(uint256,string)"))[:4])

var userOpComponents = []abi.ArgumentMarshaling{
	{Name: "sender", Type: "address"},
	{Name: "nonce", Type: "uint256"},
	{Name: "initCode", Type: "bytes"},
	{Name: "callData", Type: "bytes"},
	{Name: "callGasLimit", Type: "uint256"},
	{Name: "verificationGasLimit", Type: "uint256"},
	{Name: "preVerificationGas", Type: "uint256"},
	{Name: "maxFeePerGas", Type: "uint256"},
	{Name: "maxPriorityFeePerGas", Type: "uint256"},
	{Name: "paymasterAndData", Type: "bytes"},
	{Name: "signature", Type: "bytes"},
}

var stakeInfoComponents = []abi.ArgumentMarshaling{
	{Name: "stake", Type: "uint256"},
	{Name: "unstakeDelaySec", Type: "uint256"},
}

// Codec holds the compiled ABI argument lists used across encode/decode
// calls. Building these once in New avoids re-parsing type strings on
// every UserOperation.
type Codec struct {
	userOpTuple        abi.Type
	userOpArray        abi.Type
	addressTy          abi.Type
	validationResultTy abi.Type
	failedOpArgs       abi.Arguments
}

// New builds a Codec. It only fails if the embedded ABI type strings
// are malformed, which would be a programming error, not a runtime
// condition.
func New() (*Codec, error) {
	userOpTuple, err := abi.NewType("tuple", "", userOpComponents)
	if err != nil {
		return nil, fmt.Errorf("abicodec: build UserOp tuple type: %w", err)
	}
	userOpArray, err := abi.NewType("tuple[]", "", userOpComponents)
	if err != nil {
		return nil, fmt.Errorf("abicodec: build UserOp array type: %w", err)
	}
	addressTy, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, fmt.Errorf("abicodec: build address type: %w", err)
	}

	returnInfoComponents := []abi.ArgumentMarshaling{
		{Name: "preOpGas", Type: "uint256"},
		{Name: "prefund", Type: "uint256"},
		{Name: "sigFailed", Type: "bool"},
		{Name: "validAfter", Type: "uint64"},
		{Name: "validUntil", Type: "uint64"},
		{Name: "paymasterContext", Type: "bytes"},
	}
	validationResultTy, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "returnInfo", Type: "tuple", Components: returnInfoComponents},
		{Name: "senderInfo", Type: "tuple", Components: stakeInfoComponents},
		{Name: "factoryInfo", Type: "tuple", Components: stakeInfoComponents},
		{Name: "paymasterInfo", Type: "tuple", Components: stakeInfoComponents},
	})
	if err != nil {
		return nil, fmt.Errorf("abicodec: build ValidationResult type: %w", err)
	}

	uint256Ty, _ := abi.NewType("uint256", "", nil)
	stringTy, _ := abi.NewType("string", "", nil)
	failedOpArgs := abi.Arguments{
		{Type: uint256Ty},
		{Type: stringTy},
	}

	return &Codec{
		userOpTuple:        userOpTuple,
		userOpArray:        userOpArray,
		addressTy:          addressTy,
		validationResultTy: validationResultTy,
		failedOpArgs:       failedOpArgs,
	}, nil
}

// EncodeSimulateValidation ABI-encodes simulateValidation(UserOp),
// selector 0xee219423, per spec.md §4.1.
func (c *Codec) EncodeSimulateValidation(op *userop.UserOperation) ([]byte, error) {
	args := abi.Arguments{{Type: c.userOpTuple}}
	packed, err := args.Pack(op.ToABITuple())
	if err != nil {
		return nil, fmt.Errorf("abicodec: pack simulateValidation args: %w", err)
	}
	return withSelector(SimulateValidationSelector, packed), nil
}

// EncodeHandleOps ABI-encodes handleOps(UserOp[], address beneficiary),
// selector 0x1fad948c, per spec.md §4.2/§6.
func (c *Codec) EncodeHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	tuples := make([]userop.ABITuple, len(ops))
	for i, op := range ops {
		tuples[i] = op.ToABITuple()
	}
	args := abi.Arguments{{Type: c.userOpArray}, {Type: c.addressTy}}
	packed, err := args.Pack(tuples, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("abicodec: pack handleOps args: %w", err)
	}
	return withSelector(HandleOpsSelector, packed), nil
}

// EncodeAddresses ABI-encodes an address[] argument, used to invoke the
// BundlerHelper code-hash revert call per spec.md §4.1/§6.
func (c *Codec) EncodeAddresses(addrs []common.Address) ([]byte, error) {
	arrTy, err := abi.NewType("address[]", "", nil)
	if err != nil {
		return nil, fmt.Errorf("abicodec: build address[] type: %w", err)
	}
	args := abi.Arguments{{Type: arrTy}}
	return args.Pack(addrs)
}

// ValidationResult is the decoded revert body of simulateValidation on
// success, per spec.md §4.1.
type ValidationResult struct {
	ReturnInfo    userop.ReturnInfo
	SenderInfo    userop.StakeInfo
	FactoryInfo   userop.StakeInfo
	PaymasterInfo userop.StakeInfo
}

// IsSenderStaked reports whether the sender stake info clears the
// staked threshold, per spec.md §3.
func (v ValidationResult) IsSenderStaked() bool { return v.SenderInfo.IsStaked() }

// abi component structs used only to receive UnpackIntoInterface
// results; field names must match the Name given in the ArgumentMarshaling
// components above (capitalized).
type abiReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       uint64
	ValidUntil       uint64
	PaymasterContext []byte
}

type abiStakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type abiValidationResult struct {
	ReturnInfo    abiReturnInfo
	SenderInfo    abiStakeInfo
	FactoryInfo   abiStakeInfo
	PaymasterInfo abiStakeInfo
}

// EncodeValidationResult ABI-encodes a ValidationResult the way the
// EntryPoint's revert body carries it, primarily used by tests that
// need to synthesize a traced simulateValidation response.
func (c *Codec) EncodeValidationResult(v ValidationResult) ([]byte, error) {
	args := abi.Arguments{{Type: c.validationResultTy}}
	in := abiValidationResult{
		ReturnInfo: abiReturnInfo{
			PreOpGas:         v.ReturnInfo.PreOpGas,
			Prefund:          v.ReturnInfo.Prefund,
			SigFailed:        v.ReturnInfo.SigFailed,
			ValidAfter:       v.ReturnInfo.ValidAfter,
			ValidUntil:       v.ReturnInfo.ValidUntil,
			PaymasterContext: nil,
		},
		SenderInfo:    abiStakeInfo{Stake: v.SenderInfo.Stake, UnstakeDelaySec: v.SenderInfo.UnstakeDelaySec},
		FactoryInfo:   abiStakeInfo{Stake: v.FactoryInfo.Stake, UnstakeDelaySec: v.FactoryInfo.UnstakeDelaySec},
		PaymasterInfo: abiStakeInfo{Stake: v.PaymasterInfo.Stake, UnstakeDelaySec: v.PaymasterInfo.UnstakeDelaySec},
	}
	return args.Pack(in)
}

// DecodeValidationResult decodes the revert body of a successful
// simulateValidation call (the selector must already have been stripped
// and confirmed not to be FailedOp). Per spec.md §4.1, a decode failure
// here means the caller should attempt a FailedOp decode instead.
func (c *Codec) DecodeValidationResult(data []byte) (ValidationResult, error) {
	args := abi.Arguments{{Type: c.validationResultTy}}
	var out abiValidationResult
	if err := args.UnpackIntoInterface(&out, data); err != nil {
		return ValidationResult{}, fmt.Errorf("abicodec: decode ValidationResult: %w", err)
	}
	return ValidationResult{
		ReturnInfo: userop.ReturnInfo{
			PreOpGas:   out.ReturnInfo.PreOpGas,
			Prefund:    out.ReturnInfo.Prefund,
			SigFailed:  out.ReturnInfo.SigFailed,
			ValidAfter: out.ReturnInfo.ValidAfter,
			ValidUntil: out.ReturnInfo.ValidUntil,
		},
		SenderInfo:    userop.StakeInfo{Stake: out.SenderInfo.Stake, UnstakeDelaySec: out.SenderInfo.UnstakeDelaySec},
		FactoryInfo:   userop.StakeInfo{Stake: out.FactoryInfo.Stake, UnstakeDelaySec: out.FactoryInfo.UnstakeDelaySec},
		PaymasterInfo: userop.StakeInfo{Stake: out.PaymasterInfo.Stake, UnstakeDelaySec: out.PaymasterInfo.UnstakeDelaySec},
	}, nil
}

// EncodeFailedOp ABI-encodes FailedOp(uint256 opIndex, string reason)'s
// argument body (without the selector), primarily for tests.
func (c *Codec) EncodeFailedOp(opIndex *big.Int, reason string) ([]byte, error) {
	return c.failedOpArgs.Pack(opIndex, reason)
}

// DecodeFailedOp decodes FailedOp(uint256 opIndex, string reason), per
// spec.md §6/GLOSSARY.
func (c *Codec) DecodeFailedOp(data []byte) (opIndex *big.Int, reason string, err error) {
	vals, err := c.failedOpArgs.Unpack(data)
	if err != nil {
		return nil, "", fmt.Errorf("abicodec: decode FailedOp: %w", err)
	}
	if len(vals) != 2 {
		return nil, "", fmt.Errorf("abicodec: decode FailedOp: expected 2 values, got %d", len(vals))
	}
	idx, ok := vals[0].(*big.Int)
	if !ok {
		return nil, "", fmt.Errorf("abicodec: decode FailedOp: opIndex has unexpected type %T", vals[0])
	}
	r, ok := vals[1].(string)
	if !ok {
		return nil, "", fmt.Errorf("abicodec: decode FailedOp: reason has unexpected type %T", vals[1])
	}
	return idx, r, nil
}

// IsFailedOpSelector reports whether the given 4-byte hex selector
// (e.g. from a revert payload) is FailedOp's.
func IsFailedOpSelector(selector string) bool {
	return selector == FailedOpSelector
}

func withSelector(selector string, packed []byte) []byte {
	sel := common.FromHex(selector)
	out := make([]byte, 0, len(sel)+len(packed))
	out = append(out, sel...)
	out = append(out, packed...)
	return out
}
