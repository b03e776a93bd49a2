package validation

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/eth2030/bundler/abicodec"
	"github.com/eth2030/bundler/pvg"
	"github.com/eth2030/bundler/rpcclient"
	"github.com/eth2030/bundler/userop"
)

type fakeRPC struct {
	gasPrice     *big.Int
	priorityFee  *big.Int
	traceResult  json.RawMessage
	traceErr     error
	ethCallErr   error
	ethCallData  hexutil.Bytes
}

func (f *fakeRPC) TraceCall(ctx context.Context, msg rpcclient.CallMsg, blockTag, tracerSource string) (json.RawMessage, error) {
	return f.traceResult, f.traceErr
}
func (f *fakeRPC) EthCall(ctx context.Context, msg rpcclient.CallMsg, blockTag string) (hexutil.Bytes, error) {
	return f.ethCallData, f.ethCallErr
}
func (f *fakeRPC) GasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeRPC) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	return f.priorityFee, nil
}

func validOp(t *testing.T, calc *pvg.Calculator) *userop.UserOperation {
	t.Helper()
	op := &userop.UserOperation{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                big.NewInt(0),
		CallData:             []byte{0xde, 0xad, 0xbe, 0xef},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(200000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		Signature:            []byte{0x01},
	}
	op.PreVerificationGas = calc.Estimate(op, 1)
	return op
}

func traceJSONWithRevert(t *testing.T, revertHex string) json.RawMessage {
	t.Helper()
	raw := map[string]interface{}{
		"numberLevels": []interface{}{
			map[string]interface{}{"access": map[string]interface{}{}, "opcodes": map[string]interface{}{}, "contractSize": map[string]interface{}{}},
			map[string]interface{}{"access": map[string]interface{}{}, "opcodes": map[string]interface{}{"PUSH1": 5}, "contractSize": map[string]interface{}{}},
			map[string]interface{}{"access": map[string]interface{}{}, "opcodes": map[string]interface{}{}, "contractSize": map[string]interface{}{}},
		},
		"keccak": []string{},
		"logs":   []interface{}{},
		"calls":  []interface{}{},
		"debug": []interface{}{
			map[string]interface{}{"REVERT": revertHex},
			map[string]interface{}{},
		},
	}
	b, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestValidateHappyPath(t *testing.T) {
	codec, err := abicodec.New()
	if err != nil {
		t.Fatalf("abicodec.New: %v", err)
	}
	calc := pvg.New()
	op := validOp(t, calc)

	vr := abicodec.ValidationResult{
		ReturnInfo: userop.ReturnInfo{
			PreOpGas:   big.NewInt(50000),
			Prefund:    big.NewInt(1000),
			SigFailed:  false,
			ValidAfter: 0,
			ValidUntil: 4102444800, // year 2100
		},
		SenderInfo:    userop.StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		FactoryInfo:   userop.StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		PaymasterInfo: userop.StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
	}
	body, err := codec.EncodeValidationResult(vr)
	if err != nil {
		t.Fatalf("EncodeValidationResult: %v", err)
	}
	revertHex := abicodec.SimulateValidationSelector + common.Bytes2Hex(body)

	rpc := &fakeRPC{
		gasPrice:    big.NewInt(1_000_000_000),
		priorityFee: big.NewInt(1_000_000_000),
		traceResult: traceJSONWithRevert(t, revertHex),
	}

	m := New(rpc, codec, calc, Config{
		EntryPoint:     common.HexToAddress("0x9999999999999999999999999999999999999999"),
		BundlerAddress: common.HexToAddress("0x8888888888888888888888888888888888888888"),
	})

	result, err := m.Validate(context.Background(), op)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.ReturnInfo.PreOpGas.Cmp(big.NewInt(50000)) != 0 {
		t.Fatalf("unexpected PreOpGas: %v", result.ReturnInfo.PreOpGas)
	}
	if result.IsSenderStaked {
		t.Fatalf("expected sender not staked")
	}
}

func TestValidateRejectsFailedOp(t *testing.T) {
	codec, err := abicodec.New()
	if err != nil {
		t.Fatalf("abicodec.New: %v", err)
	}
	calc := pvg.New()
	op := validOp(t, calc)

	body, err := codec.EncodeFailedOp(big.NewInt(0), "AA23 reverted: bad sig")
	if err != nil {
		t.Fatalf("EncodeFailedOp: %v", err)
	}
	revertHex := abicodec.FailedOpSelector + common.Bytes2Hex(body)

	rpc := &fakeRPC{
		gasPrice:    big.NewInt(1_000_000_000),
		priorityFee: big.NewInt(1_000_000_000),
		traceResult: traceJSONWithRevert(t, revertHex),
	}
	m := New(rpc, codec, calc, Config{
		EntryPoint:     common.HexToAddress("0x9999999999999999999999999999999999999999"),
		BundlerAddress: common.HexToAddress("0x8888888888888888888888888888888888888888"),
	})

	_, err = m.Validate(context.Background(), op)
	if err == nil {
		t.Fatalf("expected error")
	}
	vErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if vErr.OpIndex == nil || vErr.OpIndex.Cmp(big.NewInt(0)) != 0 {
		t.Fatalf("expected OpIndex 0, got %v", vErr.OpIndex)
	}
}

func TestValidateRejectsLowMaxFeePerGas(t *testing.T) {
	codec, _ := abicodec.New()
	calc := pvg.New()
	op := validOp(t, calc)
	op.MaxFeePerGas = big.NewInt(1) // far below fake gas price

	rpc := &fakeRPC{gasPrice: big.NewInt(1_000_000_000), priorityFee: big.NewInt(1_000_000_000)}
	m := New(rpc, codec, calc, Config{
		EntryPoint:     common.HexToAddress("0x9999999999999999999999999999999999999999"),
		BundlerAddress: common.HexToAddress("0x8888888888888888888888888888888888888888"),
	})

	_, err := m.Validate(context.Background(), op)
	if err == nil {
		t.Fatalf("expected error")
	}
	vErr, ok := err.(*Error)
	if !ok || vErr.Kind != KindSimulateValidation {
		t.Fatalf("expected KindSimulateValidation, got %v", err)
	}
}

func TestValidateRejectsLowPreVerificationGas(t *testing.T) {
	codec, _ := abicodec.New()
	calc := pvg.New()
	op := validOp(t, calc)
	op.PreVerificationGas = big.NewInt(1)

	rpc := &fakeRPC{gasPrice: big.NewInt(1_000_000_000), priorityFee: big.NewInt(1_000_000_000)}
	m := New(rpc, codec, calc, Config{})

	_, err := m.Validate(context.Background(), op)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyBannedOpcodesRejectsBannedOpcode(t *testing.T) {
	m := New(&fakeRPC{}, nil, nil, Config{})
	err := m.verifyBannedOpcodes(map[string]int{"TIMESTAMP": 1}, "account", false)
	if err == nil {
		t.Fatalf("expected error for banned opcode")
	}
}

func TestVerifyBannedOpcodesAllowsSingleFactoryCreate2(t *testing.T) {
	m := New(&fakeRPC{}, nil, nil, Config{})
	if err := m.verifyBannedOpcodes(map[string]int{"CREATE2": 1}, "factory", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyBannedOpcodesRejectsCreate2FromNonFactory(t *testing.T) {
	m := New(&fakeRPC{}, nil, nil, Config{})
	if err := m.verifyBannedOpcodes(map[string]int{"CREATE2": 1}, "account", false); err == nil {
		t.Fatalf("expected error for non-factory CREATE2")
	}
}

func TestVerifySigAndPreOpGasAndTimestampRejectsSigFailed(t *testing.T) {
	m := New(&fakeRPC{}, nil, nil, Config{})
	op := &userop.UserOperation{VerificationGasLimit: big.NewInt(0), PreVerificationGas: big.NewInt(0)}
	err := m.verifySigAndPreOpGasAndTimestamp(op, userop.ReturnInfo{SigFailed: true})
	vErr, ok := err.(*Error)
	if !ok || vErr.Kind != KindInvalidSignature {
		t.Fatalf("expected KindInvalidSignature, got %v", err)
	}
}

func TestVerifySigAndPreOpGasAndTimestampRejectsExpired(t *testing.T) {
	m := New(&fakeRPC{}, nil, nil, Config{})
	op := &userop.UserOperation{VerificationGasLimit: big.NewInt(1000000), PreVerificationGas: big.NewInt(1000000)}
	validUntil := uint64(time.Now().Unix()) - 1
	err := m.verifySigAndPreOpGasAndTimestamp(op, userop.ReturnInfo{PreOpGas: big.NewInt(1), ValidUntil: validUntil})
	vErr, ok := err.(*Error)
	if !ok || vErr.Kind != KindExpiresShortly {
		t.Fatalf("expected KindExpiresShortly, got %v", err)
	}
}
