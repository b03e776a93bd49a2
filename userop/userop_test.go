package userop

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestFactoryAddress(t *testing.T) {
	tests := []struct {
		name     string
		initCode []byte
		want     *common.Address
	}{
		{"empty", nil, nil},
		{"placeholder 0x", []byte{0x00}, nil},
		{"too short", []byte{0x01, 0x02}, nil},
		{"full address", append(common.HexToAddress("0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa").Bytes(), 0x01, 0x02), addr("0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &UserOperation{InitCode: tt.initCode}
			got := op.FactoryAddress()
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("FactoryAddress() = %v, want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Fatalf("FactoryAddress() = %v, want %v", *got, *tt.want)
			}
		})
	}
}

func TestPaymasterAddress(t *testing.T) {
	op := &UserOperation{PaymasterAndData: nil}
	if op.PaymasterAddress() != nil {
		t.Fatalf("expected nil paymaster address for empty data")
	}
}

func TestStakeInfoIsStaked(t *testing.T) {
	tests := []struct {
		name  string
		stake StakeInfo
		want  bool
	}{
		{"zero", StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)}, false},
		{"stake only", StakeInfo{Stake: big.NewInt(100), UnstakeDelaySec: big.NewInt(1)}, false},
		{"both above threshold", StakeInfo{Stake: big.NewInt(100), UnstakeDelaySec: big.NewInt(100)}, true},
		{"exactly 1", StakeInfo{Stake: big.NewInt(1), UnstakeDelaySec: big.NewInt(100)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stake.IsStaked(); got != tt.want {
				t.Fatalf("IsStaked() = %v, want %v", got, tt.want)
			}
		})
	}
}

func addr(hex string) *common.Address {
	a := common.HexToAddress(hex)
	return &a
}
