// Package validation implements the Validation Manager: it drives
// EntryPoint.simulateValidation through a traced debug call, decodes
// its ValidationResult/FailedOp revert, and enforces the ERC-4337
// opcode and storage-access rules against the trace, per spec.md §4.1.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/bundler/abicodec"
	"github.com/eth2030/bundler/pvg"
	"github.com/eth2030/bundler/rpcclient"
	"github.com/eth2030/bundler/tracer"
	"github.com/eth2030/bundler/userop"
)

// Kind classifies a validation failure the way spec.md §7 mirrors the
// source's ValidationExceptionCode enum.
type Kind int

const (
	KindSimulateValidation Kind = iota
	KindOpcodeValidation
	KindInvalidSignature
	KindInvalidFields
	KindExpiresShortly
)

func (k Kind) String() string {
	switch k {
	case KindSimulateValidation:
		return "SimulateValidation"
	case KindOpcodeValidation:
		return "OpcodeValidation"
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindInvalidFields:
		return "InvalidFields"
	case KindExpiresShortly:
		return "ExpiresShortly"
	default:
		return "Unknown"
	}
}

// Error is the typed error the Validation Manager returns for every
// rejection path. Kind classifies the rejection; OpIndex is set when
// the rejection comes from a decoded FailedOp revert.
type Error struct {
	Kind    Kind
	Message string
	OpIndex *big.Int // set only when decoded from a FailedOp revert
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrExpectedRevert is returned when the unsafe-mode eth_call of
// simulateValidation returns a result instead of reverting, a hard
// invariant violation rather than a UserOperation rejection, per
// spec.md §4.1/§9. In traced mode a trace without a top-level REVERT
// is reported as a trace-decoding error instead.
var ErrExpectedRevert = fmt.Errorf("validation: simulateValidation was expected to revert but returned a result")

// RPC is the narrow slice of rpcclient.Client the Validation Manager
// needs, accepted as an interface so tests can supply a fake transport
// per spec.md §8.
type RPC interface {
	TraceCall(ctx context.Context, msg rpcclient.CallMsg, blockTag string, tracerSource string) (json.RawMessage, error)
	EthCall(ctx context.Context, msg rpcclient.CallMsg, blockTag string) (hexutil.Bytes, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error)
}

// Config configures a Manager.
type Config struct {
	EntryPoint                  common.Address
	BundlerAddress              common.Address
	BundlerHelperCode           []byte // EVM init code for the BundlerHelper code-hash snapshot call
	IsUnsafe                    bool   // skip tracing; decode simulateValidation's plain eth_call revert
	IsLegacyMode                bool   // skip the eth_maxPriorityFeePerGas fetch, use eth_gasPrice for both checks
	WhitelistEntityStorageAccess []common.Address
}

// Manager is the Validation Manager, per spec.md §2/§4.1.
type Manager struct {
	rpc   RPC
	codec *abicodec.Codec
	pvg   *pvg.Calculator

	entryPoint        common.Address
	bundlerAddress    common.Address
	bundlerHelperCode []byte
	isUnsafe          bool
	isLegacyMode      bool

	bannedOpcodes mapset.Set[string]
	whitelist     mapset.Set[common.Address]
}

// New builds a Manager.
func New(rpc RPC, codec *abicodec.Codec, calc *pvg.Calculator, cfg Config) *Manager {
	whitelist := mapset.NewThreadUnsafeSet[common.Address]()
	for _, a := range cfg.WhitelistEntityStorageAccess {
		whitelist.Add(a)
	}
	return &Manager{
		rpc:               rpc,
		codec:             codec,
		pvg:               calc,
		entryPoint:        cfg.EntryPoint,
		bundlerAddress:    cfg.BundlerAddress,
		bundlerHelperCode: cfg.BundlerHelperCode,
		isUnsafe:          cfg.IsUnsafe,
		isLegacyMode:      cfg.IsLegacyMode,
		bannedOpcodes:     defaultBannedOpcodes(),
		whitelist:         whitelist,
	}
}

// defaultBannedOpcodes is the ERC-4337 banned-opcode list; CREATE2 is
// deliberately absent since it is permitted once, factory-only, and
// checked separately in verifyBannedOpcodes.
func defaultBannedOpcodes() mapset.Set[string] {
	return mapset.NewThreadUnsafeSet(
		"GAS", "NUMBER", "TIMESTAMP", "COINBASE", "DIFFICULTY", "BASEFEE",
		"GASLIMIT", "GASPRICE", "SELFBALANCE", "BALANCE", "ORIGIN",
		"BLOCKHASH", "CREATE", "SELFDESTRUCT", "RANDOM", "PREVRANDAO",
	)
}

// Result is everything the Bundle Manager needs from a successful
// validation, per spec.md §3.
type Result struct {
	ReturnInfo     userop.ReturnInfo
	SenderStake    userop.StakeInfo
	FactoryStake   userop.StakeInfo
	PaymasterStake userop.StakeInfo
	IsSenderStaked bool
}

// Validate runs the full validation pipeline against a single
// UserOperation, per spec.md §4.1's six ordered steps. It may mutate
// op.CodeHash/op.AssociatedAddresses on success, per spec.md §5's
// lifecycle note.
func (m *Manager) Validate(ctx context.Context, op *userop.UserOperation) (*Result, error) {
	if err := m.verifyPreVerificationGas(op); err != nil {
		return nil, err
	}

	gasPrice, err := m.verifyGasFeesAndGetPrice(ctx, op)
	if err != nil {
		return nil, err
	}

	var selector string
	var body []byte
	var trace *tracer.DebugTraceCallData

	if m.isUnsafe {
		selector, body, err = m.simulateValidationWithoutTracing(ctx, op)
	} else {
		trace, err = m.simulateValidationWithTracing(ctx, op, gasPrice)
		if err == nil {
			selector, body, err = trace.TopLevelRevert()
		}
	}
	if err != nil {
		return nil, err
	}

	if abicodec.IsFailedOpSelector(selector) {
		idx, reason, decErr := m.codec.DecodeFailedOp(body)
		if decErr != nil {
			return nil, newError(KindSimulateValidation, "revert reason: %s", decErr)
		}
		return nil, &Error{Kind: KindSimulateValidation, Message: "revert reason: " + reason, OpIndex: idx}
	}

	vr, err := m.codec.DecodeValidationResult(body)
	if err != nil {
		return nil, newError(KindSimulateValidation, "decode ValidationResult: %s", err)
	}

	if err := m.verifySigAndPreOpGasAndTimestamp(op, vr.ReturnInfo); err != nil {
		return nil, err
	}

	if !m.isUnsafe {
		if err := m.validateTraceResults(ctx, op, vr, trace); err != nil {
			return nil, err
		}
	}

	return &Result{
		ReturnInfo:     vr.ReturnInfo,
		SenderStake:    vr.SenderInfo,
		FactoryStake:   vr.FactoryInfo,
		PaymasterStake: vr.PaymasterInfo,
		IsSenderStaked: vr.IsSenderStaked(),
	}, nil
}

func (m *Manager) verifyPreVerificationGas(op *userop.UserOperation) error {
	min := m.pvg.Estimate(op, 1)
	if op.PreVerificationGas == nil || op.PreVerificationGas.Cmp(min) < 0 {
		return newError(KindSimulateValidation, "preVerificationGas is too low, should be at least %s", min)
	}
	return nil
}

// verifyGasFeesAndGetPrice fetches the node's current fee suggestions
// in parallel (per spec.md §5's errgroup fan-out model) and returns the
// gas price to use for the traced simulateValidation call.
func (m *Manager) verifyGasFeesAndGetPrice(ctx context.Context, op *userop.UserOperation) (*big.Int, error) {
	var basePlusTip, tip *big.Int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := m.rpc.GasPrice(gctx)
		basePlusTip = v
		return err
	})
	if !m.isLegacyMode {
		g.Go(func() error {
			v, err := m.rpc.MaxPriorityFeePerGas(gctx)
			tip = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("validation: fetch gas fees: %w", err)
	}
	if m.isLegacyMode {
		tip = basePlusTip
	}

	if op.MaxFeePerGas == nil || op.MaxFeePerGas.Cmp(basePlusTip) < 0 {
		return nil, newError(KindSimulateValidation, "maxFeePerGas is too low, should be at least %s", basePlusTip)
	}
	if op.MaxPriorityFeePerGas == nil || op.MaxPriorityFeePerGas.Cmp(tip) < 0 {
		return nil, newError(KindSimulateValidation, "maxPriorityFeePerGas is too low, should be at least %s", tip)
	}
	return basePlusTip, nil
}

func (m *Manager) simulateValidationWithoutTracing(ctx context.Context, op *userop.UserOperation) (selector string, body []byte, err error) {
	data, err := m.codec.EncodeSimulateValidation(op)
	if err != nil {
		return "", nil, fmt.Errorf("validation: encode simulateValidation: %w", err)
	}
	to := m.entryPoint
	msg := rpcclient.CallMsg{From: m.bundlerAddress, To: &to, Data: data}
	result, callErr := m.rpc.EthCall(ctx, msg, "latest")
	if callErr == nil {
		return "", nil, ErrExpectedRevert
	}
	rpcErr, ok := rpcclient.AsError(callErr)
	if !ok || len(rpcErr.Data) < 4 {
		return "", nil, newError(KindSimulateValidation, "%s", callErr)
	}
	var raw hexutil.Bytes
	if err := json.Unmarshal(rpcErr.Data, &raw); err != nil || len(raw) < 4 {
		return "", nil, newError(KindSimulateValidation, "malformed revert data")
	}
	return hexutil.Encode(raw[:4]), raw[4:], nil
}

func (m *Manager) simulateValidationWithTracing(ctx context.Context, op *userop.UserOperation, gasPrice *big.Int) (*tracer.DebugTraceCallData, error) {
	data, err := m.codec.EncodeSimulateValidation(op)
	if err != nil {
		return nil, fmt.Errorf("validation: encode simulateValidation: %w", err)
	}
	to := m.entryPoint
	gas := hexutil.Uint64(0)
	msg := rpcclient.CallMsg{
		From:     m.bundlerAddress,
		To:       &to,
		Data:     data,
		Gas:      &gas,
		GasPrice: (*hexutil.Big)(gasPrice),
	}
	raw, err := m.rpc.TraceCall(ctx, msg, "latest", tracer.CollectorSource)
	if err != nil {
		return nil, newError(KindSimulateValidation, "%s - try reducing maxFeePerGas or contact the bundler maintainer if the bundler account is not sufficiently funded", err)
	}
	data2, err := tracer.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("validation: parse trace: %w", err)
	}
	return data2, nil
}

// verifySigAndPreOpGasAndTimestamp checks ReturnInfo against the
// UserOperation's declared gas and the current time. Unlike the
// source, which compares against time.time()/1000 (a seconds value
// mistakenly divided by 1000 a second time), this uses whole-second
// Unix time throughout, per spec.md §9's design note.
func (m *Manager) verifySigAndPreOpGasAndTimestamp(op *userop.UserOperation, ret userop.ReturnInfo) error {
	if ret.SigFailed {
		return newError(KindInvalidSignature, "invalid UserOperation signature or paymaster signature")
	}

	declared := new(big.Int).Add(op.VerificationGasLimit, op.PreVerificationGas)
	if declared.Cmp(ret.PreOpGas) < 0 {
		return newError(KindSimulateValidation, "verification gas + preverification gas is too low, should be at least %s", ret.PreOpGas)
	}

	now := uint64(time.Now().Unix())
	if ret.ValidAfter > now-30 {
		return newError(KindInvalidFields, "UserOperation is not valid yet")
	}
	if ret.ValidUntil < now+30 {
		return newError(KindExpiresShortly, "UserOperation will expire shortly or has expired")
	}
	return nil
}

// validateTraceResults enforces the banned-opcode and storage-access
// rules against the trace, and records the operation's final code-hash
// snapshot, per spec.md §4.1.
func (m *Manager) validateTraceResults(ctx context.Context, op *userop.UserOperation, vr abicodec.ValidationResult, trace *tracer.DebugTraceCallData) error {
	factoryData := trace.Level(tracer.RoleFactory)
	accountData := trace.Level(tracer.RoleAccount)
	paymasterData := trace.Level(tracer.RolePaymaster)

	if err := m.checkBannedOpcodes(factoryData.Opcodes, accountData.Opcodes, paymasterData.Opcodes); err != nil {
		return err
	}

	sender := op.Sender
	factory := op.FactoryAddress()
	paymaster := op.PaymasterAddress()
	isInitCode := len(op.InitCode) > 0

	entities := []common.Address{sender}
	if factory != nil {
		entities = append(entities, *factory)
	}
	if paymaster != nil {
		entities = append(entities, *paymaster)
	}
	associatedSlots := tracer.AssociatedSlots(trace.Keccak, entities)

	if err := m.validateEntityStorageAccess(sender, "sender", associatedSlots, vr.SenderInfo, sender, accountData.Access, isInitCode); err != nil {
		return err
	}

	var associatedAddresses []common.Address
	associatedAddresses = append(associatedAddresses, addressKeys(accountData.ContractSize)...)

	if factory != nil {
		if err := m.validateEntityStorageAccess(*factory, "factory", associatedSlots, vr.FactoryInfo, sender, factoryData.Access, isInitCode); err != nil {
			return err
		}
		associatedAddresses = append(associatedAddresses, addressKeys(factoryData.ContractSize)...)
	}

	if paymaster != nil {
		if err := m.validateEntityStorageAccess(*paymaster, "paymaster", associatedSlots, vr.PaymasterInfo, sender, paymasterData.Access, isInitCode); err != nil {
			return err
		}
		associatedAddresses = append(associatedAddresses, addressKeys(paymasterData.ContractSize)...)

		if call, ok := tracer.FindCall(trace.Calls, *paymaster, abicodec.ValidatePaymasterSelector); ok {
			if len(call.Data) > 96 && !vr.PaymasterInfo.IsStaked() {
				return newError(KindOpcodeValidation, "unstaked paymaster must not return a context")
			}
		}
	}

	if len(associatedAddresses) > 0 {
		hash, err := m.getAddressesCodeHash(ctx, associatedAddresses)
		if err != nil {
			return fmt.Errorf("validation: code hash: %w", err)
		}
		op.CodeHash = hash
		op.AssociatedAddresses = associatedAddresses
	}

	return nil
}

func addressKeys(m map[common.Address]int) []common.Address {
	out := make([]common.Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	return out
}

// checkBannedOpcodes runs the three entity checks concurrently, per
// spec.md §5's errgroup fan-out model (mirroring the source's
// asyncio.gather over the same three checks).
func (m *Manager) checkBannedOpcodes(factoryOps, accountOps, paymasterOps map[string]int) error {
	var g errgroup.Group
	g.Go(func() error { return m.verifyBannedOpcodes(factoryOps, "factory", true) })
	g.Go(func() error { return m.verifyBannedOpcodes(accountOps, "account", false) })
	g.Go(func() error { return m.verifyBannedOpcodes(paymasterOps, "paymaster", false) })
	return g.Wait()
}

func (m *Manager) verifyBannedOpcodes(opcodes map[string]int, source string, isFactory bool) error {
	var found []string
	for op := range opcodes {
		if m.bannedOpcodes.Contains(op) {
			found = append(found, op)
		}
	}
	if len(found) > 0 {
		return newError(KindOpcodeValidation, "%s uses banned opcode(s): %v", source, found)
	}

	if count, ok := opcodes["CREATE2"]; ok {
		if count > 1 || (count == 1 && !isFactory) {
			return newError(KindOpcodeValidation, "%s uses banned opcode: CREATE2", source)
		}
	}
	return nil
}

// validateEntityStorageAccess enforces spec.md §4.1's storage-access
// rule: any entity may freely touch the sender's and the EntryPoint's
// storage. On any other contract, a slot associated with the sender is
// allowed (for the factory while initCode runs, only if the factory is
// staked); a slot associated with the entity, or any slot of the
// entity's own contract, requires the entity to be staked; every other
// slot is forbidden whether or not the entity is staked.
func (m *Manager) validateEntityStorageAccess(
	entity common.Address,
	title string,
	associatedSlotsPerEntity map[common.Address]mapset.Set[common.Hash],
	stake userop.StakeInfo,
	sender common.Address,
	access map[common.Address]*tracer.AccessSet,
	isInitCode bool,
) error {
	if m.whitelist.Contains(entity) {
		return nil
	}
	isStaked := stake.IsStaked()

	for contract, accessSet := range access {
		if contract == sender || contract == m.entryPoint {
			continue
		}

		for slot := range accessSet.Touched().Iter() {
			requireStake := false

			switch {
			case associatedSlotsPerEntity[sender] != nil && tracer.IsSlotAssociated(slot, sender, associatedSlotsPerEntity[sender]):
				if isInitCode && title == "factory" {
					requireStake = true
				}
			case associatedSlotsPerEntity[entity] != nil && tracer.IsSlotAssociated(slot, entity, associatedSlotsPerEntity[entity]):
				requireStake = true
			case contract == entity:
				requireStake = true
			default:
				return newError(KindOpcodeValidation, "%s: %s banned access to slot %s at contract %s", title, entity, slot, contract)
			}

			if requireStake && !isStaked {
				return newError(KindOpcodeValidation, "%s: %s insufficient stake to access slot %s at contract %s", title, entity, slot, contract)
			}
		}
	}
	return nil
}

// getAddressesCodeHash invokes the BundlerHelper contract's
// constructor-revert code-hash snapshot, per spec.md §6.
func (m *Manager) getAddressesCodeHash(ctx context.Context, addrs []common.Address) (common.Hash, error) {
	encoded, err := m.codec.EncodeAddresses(addrs)
	if err != nil {
		return common.Hash{}, err
	}
	data := append(append([]byte{}, m.bundlerHelperCode...), encoded...)
	msg := rpcclient.CallMsg{From: m.bundlerAddress, Data: data}

	_, err = m.rpc.EthCall(ctx, msg, "latest")
	if err == nil {
		return common.Hash{}, fmt.Errorf("validation: BundlerHelper call should revert")
	}
	rpcErr, ok := rpcclient.AsError(err)
	if !ok {
		return common.Hash{}, err
	}
	var raw hexutil.Bytes
	if jsonErr := json.Unmarshal(rpcErr.Data, &raw); jsonErr != nil || len(raw) == 0 {
		return common.Hash{}, fmt.Errorf("validation: malformed BundlerHelper revert data")
	}
	return common.BytesToHash(raw), nil
}
