package bundle

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/eth2030/bundler/abicodec"
	"github.com/eth2030/bundler/mempool"
	"github.com/eth2030/bundler/reputation"
	"github.com/eth2030/bundler/rpcclient"
	"github.com/eth2030/bundler/userop"
)

type fakeError struct {
	data json.RawMessage
}

func (e *fakeError) Error() string { return "execution reverted" }

// ErrorCode and ErrorData make fakeError satisfy go-ethereum's rpc.Error
// and rpc.DataError so rpcclient.AsError recognizes it.
func (e *fakeError) ErrorCode() int          { return 3 }
func (e *fakeError) ErrorData() interface{} { var v interface{}; json.Unmarshal(e.data, &v); return v }

type fakeBundleRPC struct {
	gas         uint64
	gasPrice    *big.Int
	priorityFee *big.Int
	nonce       uint64
	sendErr     error
	sent        [][]byte
}

func (f *fakeBundleRPC) EstimateGas(ctx context.Context, msg rpcclient.CallMsg) (uint64, error) {
	return f.gas, nil
}
func (f *fakeBundleRPC) GasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeBundleRPC) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	return f.priorityFee, nil
}
func (f *fakeBundleRPC) TransactionCount(ctx context.Context, addr common.Address, blockTag string) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeBundleRPC) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	f.sent = append(f.sent, rawTx)
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil // only fail once per test unless explicitly re-armed
		return common.Hash{}, err
	}
	return common.Hash{}, nil
}
func (f *fakeBundleRPC) SendRawTransactionConditional(ctx context.Context, rawTx []byte, conditions interface{}) (common.Hash, error) {
	return f.SendRawTransaction(ctx, rawTx)
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA("4646464646464646464646464646464646464646464646464646464646464646"[:64])
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	return key
}

func testOp(t *testing.T, sender string, nonce int64) *userop.UserOperation {
	t.Helper()
	return &userop.UserOperation{
		Sender:               common.HexToAddress(sender),
		Nonce:                big.NewInt(nonce),
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		Signature:            []byte{0x01},
	}
}

func newManager(t *testing.T, rpc RPC) (*Manager, *mempool.Pool, *reputation.Store) {
	t.Helper()
	codec, err := abicodec.New()
	if err != nil {
		t.Fatalf("abicodec.New: %v", err)
	}
	pool := mempool.New()
	rep := reputation.New()
	cfg := Config{
		EntryPoint:     common.HexToAddress("0x9999999999999999999999999999999999999999"),
		BundlerAddress: common.HexToAddress("0x8888888888888888888888888888888888888888"),
		PrivateKey:     testKey(t),
		ChainID:        big.NewInt(1337),
	}
	return New(rpc, codec, pool, rep, cfg), pool, rep
}

func TestSendBundleHappyPathUpdatesReputation(t *testing.T) {
	rpc := &fakeBundleRPC{gas: 21000, gasPrice: big.NewInt(1_000_000_000), priorityFee: big.NewInt(1_000_000_000), nonce: 0}
	m, _, rep := newManager(t, rpc)
	op := testOp(t, "0x1111111111111111111111111111111111111111", 0)

	if err := m.SendBundle(context.Background(), []*userop.UserOperation{op}); err != nil {
		t.Fatalf("SendBundle: %v", err)
	}
	if len(rpc.sent) != 1 {
		t.Fatalf("expected 1 submitted tx, got %d", len(rpc.sent))
	}
	snap := rep.Snapshot(op.Sender)
	if snap.OpsIncluded != 1 {
		t.Fatalf("expected sender's included count to be 1, got %d", snap.OpsIncluded)
	}
}

func TestSendNextBundleNoopOnEmptyPool(t *testing.T) {
	rpc := &fakeBundleRPC{gas: 21000, gasPrice: big.NewInt(1_000_000_000), priorityFee: big.NewInt(1_000_000_000)}
	m, _, _ := newManager(t, rpc)
	if err := m.SendNextBundle(context.Background()); err != nil {
		t.Fatalf("SendNextBundle: %v", err)
	}
	if len(rpc.sent) != 0 {
		t.Fatalf("expected no tx submitted for an empty pool")
	}
}

func TestSendBundleEvictsFailedOpAndResubmits(t *testing.T) {
	codec, _ := abicodec.New()
	failBody, err := codec.EncodeFailedOp(big.NewInt(0), "AA21 didn't pay prefund")
	if err != nil {
		t.Fatalf("EncodeFailedOp: %v", err)
	}
	failData := append(common.FromHex(abicodec.FailedOpSelector), failBody...)

	rpc := &fakeBundleRPC{
		gas: 21000, gasPrice: big.NewInt(1_000_000_000), priorityFee: big.NewInt(1_000_000_000),
		sendErr: &fakeError{data: mustJSON(t, hexEncode(failData))},
	}
	m, _, rep := newManager(t, rpc)

	opA := testOp(t, "0x2222222222222222222222222222222222222222", 0) // will be evicted (opIndex 0)
	opB := testOp(t, "0x3333333333333333333333333333333333333333", 0)

	if err := m.SendBundle(context.Background(), []*userop.UserOperation{opA, opB}); err != nil {
		t.Fatalf("SendBundle: %v", err)
	}
	if len(rpc.sent) != 2 {
		t.Fatalf("expected 2 submissions (1 failed + 1 retry), got %d", len(rpc.sent))
	}
	snapB := rep.Snapshot(opB.Sender)
	if snapB.OpsIncluded != 1 {
		t.Fatalf("expected retried op's sender to be marked included, got %+v", snapB)
	}
	snapA := rep.Snapshot(opA.Sender)
	if !snapA.Banned {
		t.Fatalf("expected evicted op's sender to be banned, got %+v", snapA)
	}
}

func hexEncode(b []byte) string { return "0x" + common.Bytes2Hex(b) }

func mustJSON(t *testing.T, s string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
