// Package userop defines the ERC-4337 UserOperation tuple and the data
// derived from it during validation. A UserOperation is owned by the
// mempool; the validation manager borrows it and mutates only CodeHash
// and AssociatedAddresses once simulation has run.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UserOperation is the ERC-4337 pseudo-transaction submitted to an
// EntryPoint. Field order matches the Solidity tuple
// (address,uint256,bytes,bytes,uint256,uint256,uint256,uint256,uint256,bytes,bytes)
// so ToABITuple can hand it straight to the ABI codec.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData    []byte
	Signature            []byte

	// Populated by the validation manager once simulation succeeds.
	CodeHash            common.Hash
	AssociatedAddresses []common.Address
}

// FactoryAddress returns the first 20 bytes of InitCode, or nil when
// InitCode is shorter than an address (including when it is empty).
func (op *UserOperation) FactoryAddress() *common.Address {
	return addressPrefix(op.InitCode)
}

// PaymasterAddress returns the first 20 bytes of PaymasterAndData, or
// nil when no paymaster is attached.
func (op *UserOperation) PaymasterAddress() *common.Address {
	return addressPrefix(op.PaymasterAndData)
}

func addressPrefix(data []byte) *common.Address {
	if len(data) <= 2 || len(data) < common.AddressLength {
		return nil
	}
	addr := common.BytesToAddress(data[:common.AddressLength])
	return &addr
}

// ABITuple is the (address,uint256,bytes,bytes,uint256,uint256,uint256,
// uint256,uint256,bytes,bytes) representation expected by the ABI codec
// for both handleOps and simulateValidation.
type ABITuple struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// ToABITuple converts the UserOperation into the struct shape the ABI
// codec packs/unpacks, one-to-one with the Solidity tuple fields.
func (op *UserOperation) ToABITuple() ABITuple {
	return ABITuple{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// ReturnInfo is the first element of the ValidationResult revert tuple.
type ReturnInfo struct {
	PreOpGas   *big.Int
	Prefund    *big.Int
	SigFailed  bool
	ValidAfter uint64
	ValidUntil uint64
}

// StakeInfo describes an entity's stake posture as returned by
// simulateValidation.
type StakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

// IsStaked reports whether the entity is staked per spec.md §3: stake
// and unstake delay must both exceed 1.
func (s StakeInfo) IsStaked() bool {
	return s.Stake != nil && s.UnstakeDelaySec != nil &&
		s.Stake.Cmp(big.NewInt(1)) > 0 && s.UnstakeDelaySec.Cmp(big.NewInt(1)) > 0
}
