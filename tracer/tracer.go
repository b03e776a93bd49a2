// Package tracer consumes the raw result of debug_traceCall invoked
// with the embedded BundlerCollectorTracer.js program and produces a
// structured DebugTraceCallData: per-entity access/opcode maps, keccak
// preimages, a flattened call list, and the raw step log, per spec.md
// §3/§4.3.
//
// The call list is flattened with an explicit stack of frame records
// rather than the source's shared mutable "top" variable, per spec.md
// §9's design note: each RETURN/REVERT step pops a frame and emits an
// immutable Call; any other step pushes one.
package tracer

import (
	"bytes"
	"encoding/json"
	_ "embed"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	mapset "github.com/deckarep/golang-set/v2"
)

// CollectorSource is the JavaScript tracer program shipped with this
// binary and passed as the "tracer" option to debug_traceCall, per
// spec.md §6: "an opaque string resource loaded at startup." Schema
// changes here require matching changes to this package's raw-JSON
// structs; ProbeSchema asserts compatibility at startup per spec.md §9.
//
//go:embed BundlerCollectorTracer.js
var CollectorSource string

// Role identifies which of the three simulateValidation call frames a
// DebugEntityData belongs to. Using a named enum rather than the wire
// format's bare numberLevels[0..2] ordinal keeps the rest of the
// package from re-deriving the factory/account/paymaster mapping, per
// spec.md §9's design note.
type Role int

const (
	RoleFactory Role = iota
	RoleAccount
	RolePaymaster
	roleCount
)

func (r Role) String() string {
	switch r {
	case RoleFactory:
		return "factory"
	case RoleAccount:
		return "account"
	case RolePaymaster:
		return "paymaster"
	default:
		return "unknown"
	}
}

// AccessSet is the set of storage slots read and/or written on a given
// contract during one entity's validation frame.
type AccessSet struct {
	Reads  mapset.Set[common.Hash]
	Writes mapset.Set[common.Hash]
}

// Touched returns the union of reads and writes, per spec.md §4.1's
// "reads ∪ writes" storage-access rule.
func (a *AccessSet) Touched() mapset.Set[common.Hash] {
	return a.Reads.Union(a.Writes)
}

// DebugEntityData is the per-role slice of a traced simulateValidation
// call: which contract storage was touched, which opcodes ran (and how
// often), and the bytecode size of every contract the frame observed,
// per spec.md §3.
type DebugEntityData struct {
	Access       map[common.Address]*AccessSet
	Opcodes      map[string]int
	ContractSize map[common.Address]int
}

// ReturnType tags how a flattened Call frame concluded.
type ReturnType int

const (
	ReturnTypeReturn ReturnType = iota
	ReturnTypeRevert
)

// Call is one flattened stack frame from the traced simulateValidation
// execution, per spec.md §3.
type Call struct {
	Type       string
	From       common.Address
	To         common.Address
	Method     string // 4-byte selector, hex-encoded; "validateUserOp" for a synthesized top frame
	Value      *big.Int
	Gas        uint64
	GasUsed    uint64
	Data       []byte
	ReturnType ReturnType
}

// DebugTraceCallData is the fully structured result of a traced
// simulateValidation call, per spec.md §3.
type DebugTraceCallData struct {
	Levels [roleCount]DebugEntityData
	Keccak [][]byte // preimages observed during the trace
	Calls  []Call   // flattened call list
	Logs   []json.RawMessage
	Debug  []json.RawMessage // raw step list; penultimate entry carries the top-level REVERT
}

// Level returns the DebugEntityData for the given role.
func (d *DebugTraceCallData) Level(r Role) DebugEntityData { return d.Levels[r] }

// ---- raw wire format -------------------------------------------------

type rawAccess struct {
	Reads  []string `json:"reads"`
	Writes []string `json:"writes"`
}

type rawLevel struct {
	Access       map[string]rawAccess `json:"access"`
	Opcodes      map[string]int       `json:"opcodes"`
	ContractSize map[string]int       `json:"contractSize"`
}

type rawCall struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	To      string `json:"to"`
	Method  string `json:"method"`
	Value   string `json:"value"`
	Gas     string `json:"gas"`
	Data    string `json:"data"`
	GasUsed string `json:"gasUsed"`
}

type rawTrace struct {
	NumberLevels []rawLevel        `json:"numberLevels"`
	Keccak       []string          `json:"keccak"`
	Logs         []json.RawMessage `json:"logs"`
	Calls        []rawCall         `json:"calls"`
	Debug        []json.RawMessage `json:"debug"`
}

// ProbeSchema asserts that a raw debug_traceCall result carries the
// top-level fields this package depends on, per spec.md §9's call to
// "assert[] a schema-probe field" at startup rather than fail deep
// inside validation on an incompatible tracer build.
func ProbeSchema(raw json.RawMessage) error {
	var probe struct {
		NumberLevels []json.RawMessage `json:"numberLevels"`
		Keccak       []json.RawMessage `json:"keccak"`
		Calls        []json.RawMessage `json:"calls"`
		Logs         []json.RawMessage `json:"logs"`
		Debug        []json.RawMessage `json:"debug"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("tracer: schema probe: %w", err)
	}
	if len(probe.NumberLevels) != int(roleCount) {
		return fmt.Errorf("tracer: schema probe: numberLevels has %d entries, want %d", len(probe.NumberLevels), roleCount)
	}
	if probe.Keccak == nil || probe.Calls == nil || probe.Logs == nil || probe.Debug == nil {
		return fmt.Errorf("tracer: schema probe: missing keccak/calls/logs/debug")
	}
	return nil
}

// Parse decodes the raw debug_traceCall result into a
// DebugTraceCallData, per spec.md §4.3's contract: numberLevels[0..2]
// correspond strictly to factory/account/paymaster.
func Parse(raw json.RawMessage) (*DebugTraceCallData, error) {
	var rt rawTrace
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, fmt.Errorf("tracer: decode trace: %w", err)
	}
	if len(rt.NumberLevels) != int(roleCount) {
		return nil, fmt.Errorf("tracer: expected %d numberLevels, got %d", roleCount, len(rt.NumberLevels))
	}
	if len(rt.Debug) < 2 {
		return nil, fmt.Errorf("tracer: debug step list has %d entries, want >= 2", len(rt.Debug))
	}

	data := &DebugTraceCallData{
		Logs:  rt.Logs,
		Debug: rt.Debug,
	}
	for i, lvl := range rt.NumberLevels {
		data.Levels[i] = convertLevel(lvl)
	}
	for _, preimageHex := range rt.Keccak {
		data.Keccak = append(data.Keccak, common.FromHex(preimageHex))
	}
	data.Calls = flattenCalls(rt.Calls)
	return data, nil
}

func convertLevel(lvl rawLevel) DebugEntityData {
	access := make(map[common.Address]*AccessSet, len(lvl.Access))
	for addrHex, ra := range lvl.Access {
		set := &AccessSet{Reads: mapset.NewThreadUnsafeSet[common.Hash](), Writes: mapset.NewThreadUnsafeSet[common.Hash]()}
		for _, s := range ra.Reads {
			set.Reads.Add(common.HexToHash(s))
		}
		for _, s := range ra.Writes {
			set.Writes.Add(common.HexToHash(s))
		}
		access[common.HexToAddress(addrHex)] = set
	}

	contractSize := make(map[common.Address]int, len(lvl.ContractSize))
	for addrHex, size := range lvl.ContractSize {
		contractSize[common.HexToAddress(addrHex)] = size
	}

	return DebugEntityData{
		Access:       access,
		Opcodes:      lvl.Opcodes,
		ContractSize: contractSize,
	}
}

// frame is a pushed-but-not-yet-resolved call, per spec.md §9's
// explicit stack-of-frames design note.
type frame struct {
	typ    string
	from   common.Address
	to     common.Address
	method string
	gas    uint64
}

// ValidateUserOpSelector is the synthesized method label used for a
// RETURN/REVERT step observed with an empty frame stack, matching the
// source's "no enclosing CALL was traced" fallback (the outermost
// validateUserOp execution itself).
const ValidateUserOpSelector = "validateUserOp"

func flattenCalls(raw []rawCall) []Call {
	var stack []frame
	calls := make([]Call, 0, len(raw))

	for _, rc := range raw {
		if rc.Type == "RETURN" || rc.Type == "REVERT" {
			var top frame
			if len(stack) == 0 {
				top = frame{typ: "top", method: ValidateUserOpSelector}
			} else {
				top = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}

			rtype := ReturnTypeReturn
			if rc.Type == "REVERT" {
				rtype = ReturnTypeRevert
			}
			calls = append(calls, Call{
				Type:       top.typ,
				From:       top.from,
				To:         top.to,
				Method:     top.method,
				Gas:        top.gas,
				GasUsed:    parseUintOrZero(rc.GasUsed),
				Data:       common.FromHex(rc.Data),
				ReturnType: rtype,
			})
			continue
		}

		stack = append(stack, frame{
			typ:    rc.Type,
			from:   common.HexToAddress(rc.From),
			to:     common.HexToAddress(rc.To),
			method: strings.ToLower(rc.Method),
			gas:    parseUintOrZero(rc.Gas),
		})
	}

	return calls
}

func parseUintOrZero(s string) uint64 {
	if s == "" {
		return 0
	}
	v, err := hexutil.DecodeUint64(s)
	if err == nil {
		return v
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// FindCall returns the first flattened Call placed on contract to with
// the given method selector, used to locate the paymaster's
// validatePaymasterUserOp frame per spec.md §4.1.
func FindCall(calls []Call, to common.Address, method string) (Call, bool) {
	method = strings.ToLower(method)
	for _, c := range calls {
		if c.To == to && c.Method == method {
			return c, true
		}
	}
	return Call{}, false
}

// TopLevelRevert extracts the selector and body of the top-level
// simulateValidation REVERT, per spec.md §3's invariant that Debug's
// penultimate entry carries it.
func (d *DebugTraceCallData) TopLevelRevert() (selector string, body []byte, err error) {
	if len(d.Debug) < 2 {
		return "", nil, fmt.Errorf("tracer: debug step list too short: %d entries", len(d.Debug))
	}
	var step map[string]json.RawMessage
	if err := json.Unmarshal(d.Debug[len(d.Debug)-2], &step); err != nil {
		return "", nil, fmt.Errorf("tracer: decode penultimate step: %w", err)
	}
	raw, ok := step["REVERT"]
	if !ok {
		return "", nil, fmt.Errorf("tracer: penultimate step carries no REVERT field")
	}
	var revertHex string
	if err := json.Unmarshal(raw, &revertHex); err != nil {
		return "", nil, fmt.Errorf("tracer: decode REVERT field: %w", err)
	}
	data := common.FromHex(revertHex)
	if len(data) < 4 {
		return "", nil, fmt.Errorf("tracer: REVERT payload too short: %d bytes", len(data))
	}
	return hexutil.Encode(data[:4]), data[4:], nil
}

// AssociatedSlots walks the trace's keccak preimage list and, for every
// preimage whose bytes contain a given entity's 32-byte left-padded
// address, records keccak256(preimage) as a slot associated with that
// entity, per spec.md §3/GLOSSARY.
func AssociatedSlots(keccakPreimages [][]byte, entities []common.Address) map[common.Address]mapset.Set[common.Hash] {
	out := make(map[common.Address]mapset.Set[common.Hash], len(entities))
	for _, e := range entities {
		out[e] = mapset.NewThreadUnsafeSet[common.Hash]()
	}
	for _, preimage := range keccakPreimages {
		for _, e := range entities {
			padded := make([]byte, 32)
			copy(padded[12:], e.Bytes())
			if bytes.Contains(preimage, padded) {
				out[e].Add(crypto.Keccak256Hash(preimage))
			}
		}
	}
	return out
}

// IsSlotAssociated reports whether slot is the entity's own padded
// address, or lies within [k, k+17] of some keccak output k derived
// from a preimage containing the entity's padded address, per spec.md
// §3/§4.1/§8 and GLOSSARY "Associated slot".
func IsSlotAssociated(slot common.Hash, entity common.Address, associated mapset.Set[common.Hash]) bool {
	padded := make([]byte, 32)
	copy(padded[12:], entity.Bytes())
	if bytes.Equal(slot.Bytes(), padded) {
		return true
	}

	slotInt := new(big.Int).SetBytes(slot.Bytes())
	upper := new(big.Int)
	for k := range associated.Iter() {
		kInt := new(big.Int).SetBytes(k.Bytes())
		upper.Add(kInt, big.NewInt(18))
		if slotInt.Cmp(kInt) >= 0 && slotInt.Cmp(upper) < 0 {
			return true
		}
	}
	return false
}
