// Package pvg estimates the preVerificationGas a UserOperation must
// carry to reimburse the bundler for costs the EVM itself never
// charges the account for: calldata bytes, the flat per-transaction
// base cost, and a per-UserOperation share of the batch's fixed
// handleOps overhead, per spec.md §3/§4.2 GLOSSARY "preVerificationGas".
//
// The gas schedule constants mirror the node's own intrinsic-gas
// accounting (TxGas/TxDataZeroGas/TxDataNonZeroGas), so a
// bundle transaction that pays back exactly what this package computes
// never runs at a loss on calldata alone.
package pvg

import (
	"math/big"

	"github.com/eth2030/bundler/userop"
)

const (
	// TxGas is the flat base cost of any transaction, independent of its
	// calldata or anything it does, per the node's intrinsic gas schedule.
	TxGas uint64 = 21000
	// TxDataZeroGas is the per-byte cost of a zero calldata byte.
	TxDataZeroGas uint64 = 4
	// TxDataNonZeroGas is the per-byte cost of a non-zero calldata byte.
	TxDataNonZeroGas uint64 = 16

	// FixedGasOverhead is the portion of handleOps' own bookkeeping
	// (loop setup, the final balance settlement) amortized per bundle
	// rather than per UserOperation.
	FixedGasOverhead uint64 = 21000
	// PerUserOpGasOverhead is handleOps' fixed per-UserOperation
	// accounting cost (the validation call gas stipend's non-execution
	// share), independent of what the sender does.
	PerUserOpGasOverhead uint64 = 18300
	// PerUserOpWordGasOverhead is the marginal cost handleOps pays per
	// 32-byte word of a UserOperation's ABI-encoded calldata/signature.
	PerUserOpWordGasOverhead uint64 = 4
)

// Calculator computes preVerificationGas for a single UserOperation
// given how many UserOperations will share the same bundle.
type Calculator struct {
	fixedGasOverhead         uint64
	perUserOpGasOverhead     uint64
	perUserOpWordGasOverhead uint64
}

// New builds a Calculator using the default gas schedule above. A
// zero-valued Calculator is not usable; use New or DefaultCalculator.
func New() *Calculator {
	return &Calculator{
		fixedGasOverhead:         FixedGasOverhead,
		perUserOpGasOverhead:     PerUserOpGasOverhead,
		perUserOpWordGasOverhead: PerUserOpWordGasOverhead,
	}
}

// Calldata returns the calldata gas of a single UserOperation: the
// per-byte cost of the raw bytes of its InitCode, CallData,
// PaymasterAndData and Signature fields. TxGas is not included.
func Calldata(op *userop.UserOperation) uint64 {
	var gas uint64
	for _, field := range [][]byte{op.InitCode, op.CallData, op.PaymasterAndData, op.Signature} {
		for _, b := range field {
			if b == 0 {
				gas += TxDataZeroGas
			} else {
				gas += TxDataNonZeroGas
			}
		}
	}
	return gas
}

// Estimate returns the preVerificationGas to assign a UserOperation
// that will be bundled alongside batchSize-1 others, per spec.md §3.
//
// batchSize must be >= 1; a batchSize of 1 is the worst case (the
// UserOperation pays its own full share of the fixed overhead) and is
// the conservative default when the eventual bundle size is unknown.
func (c *Calculator) Estimate(op *userop.UserOperation, batchSize int) *big.Int {
	if batchSize < 1 {
		batchSize = 1
	}
	calldataGas := Calldata(op)
	words := uint64((opEncodedLength(op) + 31) / 32)

	total := calldataGas +
		c.fixedGasOverhead/uint64(batchSize) +
		c.perUserOpGasOverhead +
		words*c.perUserOpWordGasOverhead

	return new(big.Int).SetUint64(total)
}

// opEncodedLength approximates the ABI-encoded byte length of the
// dynamic fields driving the per-word overhead; it need not be exact,
// only monotonic in the bytes the caller actually pays for.
func opEncodedLength(op *userop.UserOperation) int {
	return len(op.InitCode) + len(op.CallData) + len(op.PaymasterAndData) + len(op.Signature)
}
