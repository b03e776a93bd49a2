// Package bundle implements the Bundle Manager: it drains validated
// UserOperations from the Mempool, ABI-encodes them into a single
// handleOps transaction, signs and submits it, and on a FailedOp
// revert evicts the offending entity and re-submits the remaining
// batch, per spec.md §4.2.
package bundle

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/bundler/abicodec"
	"github.com/eth2030/bundler/mempool"
	"github.com/eth2030/bundler/reputation"
	"github.com/eth2030/bundler/rpcclient"
	"github.com/eth2030/bundler/userop"
)

// RPC is the narrow slice of rpcclient.Client the Bundle Manager needs,
// accepted as an interface so tests can supply a fake transport.
type RPC interface {
	EstimateGas(ctx context.Context, msg rpcclient.CallMsg) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error)
	TransactionCount(ctx context.Context, addr common.Address, blockTag string) (uint64, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error)
	SendRawTransactionConditional(ctx context.Context, rawTx []byte, conditions interface{}) (common.Hash, error)
}

// Config configures a Manager.
type Config struct {
	EntryPoint                      common.Address
	BundlerAddress                  common.Address
	PrivateKey                      *ecdsa.PrivateKey
	ChainID                         *big.Int
	IsLegacyMode                    bool
	IsSendRawTransactionConditional bool

	// MaxBundleSize bounds how many UserOperations SendNextBundle draws
	// from the mempool per handleOps call. Zero means unbounded.
	MaxBundleSize int
}

// Manager is the Bundle Manager, per spec.md §2/§4.2.
type Manager struct {
	rpc   RPC
	codec *abicodec.Codec
	pool  *mempool.Pool
	rep   *reputation.Store
	cfg   Config
}

// New builds a Manager.
func New(rpc RPC, codec *abicodec.Codec, pool *mempool.Pool, rep *reputation.Store, cfg Config) *Manager {
	return &Manager{rpc: rpc, codec: codec, pool: pool, rep: rep, cfg: cfg}
}

// SendNextBundle takes up to MaxBundleSize UserOperations (all of them
// when MaxBundleSize is zero) from the Mempool and submits them as one
// handleOps transaction, per spec.md §4.2. It is a no-op if the mempool
// is empty.
func (m *Manager) SendNextBundle(ctx context.Context) error {
	ops, err := m.pool.GetUserOperationsToBundle(ctx, m.cfg.MaxBundleSize)
	if err != nil {
		return fmt.Errorf("bundle: fetch ops to bundle: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}
	return m.SendBundle(ctx, ops)
}

// SendBundle ABI-encodes, signs, and submits a handleOps transaction
// for the given UserOperations. On a FailedOp revert it bans the
// offending entity, drops that op, and recursively re-submits the
// remaining ops, per spec.md §4.2 step 6.
func (m *Manager) SendBundle(ctx context.Context, ops []*userop.UserOperation) error {
	if len(ops) == 0 {
		return nil
	}

	callData, err := m.codec.EncodeHandleOps(ops, m.cfg.BundlerAddress)
	if err != nil {
		return fmt.Errorf("bundle: encode handleOps: %w", err)
	}

	var gasEstimate uint64
	var basePlusTip *big.Int
	var tip *big.Int
	var nonce uint64

	g, gctx := errgroup.WithContext(ctx)
	to := m.cfg.EntryPoint
	g.Go(func() error {
		v, err := m.rpc.EstimateGas(gctx, rpcclient.CallMsg{From: m.cfg.BundlerAddress, To: &to, Data: callData})
		gasEstimate = v
		return err
	})
	g.Go(func() error {
		v, err := m.rpc.GasPrice(gctx)
		basePlusTip = v
		return err
	})
	g.Go(func() error {
		v, err := m.rpc.TransactionCount(gctx, m.cfg.BundlerAddress, "latest")
		nonce = v
		return err
	})
	if !m.cfg.IsLegacyMode {
		g.Go(func() error {
			v, err := m.rpc.MaxPriorityFeePerGas(gctx)
			tip = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("bundle: fetch tx parameters: %w", err)
	}
	if m.cfg.IsLegacyMode {
		tip = new(big.Int)
	}

	signedTx, err := m.buildAndSignTx(callData, gasEstimate, basePlusTip, tip, nonce)
	if err != nil {
		return fmt.Errorf("bundle: sign transaction: %w", err)
	}
	rawTx, err := signedTx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("bundle: encode transaction: %w", err)
	}

	var sendErr error
	if m.cfg.IsSendRawTransactionConditional {
		_, sendErr = m.rpc.SendRawTransactionConditional(ctx, rawTx, nil)
	} else {
		_, sendErr = m.rpc.SendRawTransaction(ctx, rawTx)
	}

	if sendErr != nil {
		return m.handleSendFailure(ctx, ops, sendErr)
	}

	for _, op := range ops {
		m.updateIncludedStatus(op)
	}
	return nil
}

// handleSendFailure decodes a FailedOp revert (if that's what failed),
// bans the offending entity per the ERC-4337 AA1=factory/AA2=sender/
// AA3=paymaster convention, drops that op, and re-submits the rest.
// Per spec.md §9's design note, the offending entity's error reason is
// inspected only after its selector has been confirmed to be
// FailedOp's, unlike the source, which references the selector before
// it has been computed.
func (m *Manager) handleSendFailure(ctx context.Context, ops []*userop.UserOperation, sendErr error) error {
	rpcErr, ok := rpcclient.AsError(sendErr)
	if !ok {
		return fmt.Errorf("bundle: send failed, dropping all user operations: %w", sendErr)
	}

	var raw hexutil.Bytes
	if err := json.Unmarshal(rpcErr.Data, &raw); err != nil || len(raw) < 4 {
		return fmt.Errorf("bundle: send failed, dropping all user operations: %w", sendErr)
	}

	selector := hexutil.Encode(raw[:4])
	if !abicodec.IsFailedOpSelector(selector) {
		return fmt.Errorf("bundle: send failed, dropping all user operations: %w", sendErr)
	}

	idx, reason, decErr := m.codec.DecodeFailedOp(raw[4:])
	if decErr != nil {
		return fmt.Errorf("bundle: send failed, dropping all user operations: %w", sendErr)
	}
	if !idx.IsInt64() || idx.Int64() < 0 || idx.Int64() >= int64(len(ops)) {
		return fmt.Errorf("bundle: FailedOp opIndex %s out of range for %d ops", idx, len(ops))
	}
	failed := ops[idx.Int64()]

	switch {
	case strings.Contains(reason, "AA1") && failed.FactoryAddress() != nil:
		m.rep.Ban(*failed.FactoryAddress())
	case strings.Contains(reason, "AA2"):
		m.rep.Ban(failed.Sender)
	case strings.Contains(reason, "AA3") && failed.PaymasterAddress() != nil:
		m.rep.Ban(*failed.PaymasterAddress())
	}

	remaining := make([]*userop.UserOperation, 0, len(ops)-1)
	remaining = append(remaining, ops[:idx.Int64()]...)
	remaining = append(remaining, ops[idx.Int64()+1:]...)

	if len(remaining) == 0 {
		return nil
	}
	return m.SendBundle(ctx, remaining)
}

func (m *Manager) updateIncludedStatus(op *userop.UserOperation) {
	m.rep.UpdateIncluded(op.Sender)
	if f := op.FactoryAddress(); f != nil {
		m.rep.UpdateIncluded(*f)
	}
	if p := op.PaymasterAddress(); p != nil {
		m.rep.UpdateIncluded(*p)
	}
}

func (m *Manager) buildAndSignTx(callData []byte, gas uint64, basePlusTip, tip *big.Int, nonce uint64) (*types.Transaction, error) {
	var tx *types.Transaction
	if m.cfg.IsLegacyMode {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &m.cfg.EntryPoint,
			Gas:      gas,
			GasPrice: basePlusTip,
			Data:     callData,
		})
	} else {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   m.cfg.ChainID,
			Nonce:     nonce,
			To:        &m.cfg.EntryPoint,
			Gas:       gas,
			GasFeeCap: basePlusTip,
			GasTipCap: tip,
			Data:      callData,
		})
	}

	var signer types.Signer
	if m.cfg.IsLegacyMode {
		signer = types.NewEIP155Signer(m.cfg.ChainID)
	} else {
		signer = types.NewLondonSigner(m.cfg.ChainID)
	}
	return types.SignTx(tx, signer, m.cfg.PrivateKey)
}
