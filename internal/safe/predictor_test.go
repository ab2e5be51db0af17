package safe

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry([]MasterCopy{
		{
			Version:      V1_1_1,
			Address:      common.HexToAddress("0x34CfAC646f301356fAa8B21e94227e3583Fe3F5F"),
			Factory:      common.HexToAddress("0x76E2cFc1F5Fa8F6a5b3fC4c8F4788F0116861F9B"),
			CreationCode: common.FromHex("0x608060405234801561001057600080fd5b50"),
		},
		{
			Version:      V1_0_0,
			Address:      common.HexToAddress("0xb6029EA3B2c51D09a50B53CA8012FeEB05bDa35A"),
			Factory:      common.HexToAddress("0x12302fE9c02ff50939BaAaaf415fc226C078613C"),
			CreationCode: common.FromHex("0x6080604052600080fdfe"),
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	return reg
}

func testSpec() WalletSpec {
	return WalletSpec{
		Owners: []common.Address{
			common.HexToAddress("0x1111111111111111111111111111111111111111"),
			common.HexToAddress("0x2222222222222222222222222222222222222222"),
		},
		Threshold: 2,
		SaltNonce: big.NewInt(7),
		Version:   V1_1_1,
	}
}

func TestPredictDeterministic(t *testing.T) {
	p := NewPredictor(testRegistry(t))

	first, err := p.Predict(testSpec())
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	if first == (common.Address{}) {
		t.Fatal("predicted zero address")
	}
	for i := 0; i < 10; i++ {
		again, err := p.Predict(testSpec())
		if err != nil {
			t.Fatalf("Predict error: %v", err)
		}
		if again != first {
			t.Fatalf("prediction not stable: %s then %s", first.Hex(), again.Hex())
		}
	}
}

func TestPredictSensitiveToEveryField(t *testing.T) {
	p := NewPredictor(testRegistry(t))
	base, err := p.Predict(testSpec())
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}

	variants := map[string]WalletSpec{}

	s := testSpec()
	s.Owners = []common.Address{s.Owners[1], s.Owners[0]}
	variants["owner order"] = s

	s = testSpec()
	s.Owners = append(s.Owners, common.HexToAddress("0x3333333333333333333333333333333333333333"))
	variants["extra owner"] = s

	s = testSpec()
	s.Threshold = 1
	variants["threshold"] = s

	s = testSpec()
	s.SaltNonce = big.NewInt(8)
	variants["salt nonce"] = s

	s = testSpec()
	s.Version = V1_0_0
	variants["version"] = s

	for name, spec := range variants {
		addr, err := p.Predict(spec)
		if err != nil {
			t.Fatalf("%s: Predict error: %v", name, err)
		}
		if addr == base {
			t.Errorf("%s: changing the field did not change the address", name)
		}
	}
}

func TestPredictUnsupportedVersion(t *testing.T) {
	p := NewPredictor(testRegistry(t))
	s := testSpec()
	s.Version = Version("2.0.0")
	if _, err := p.Predict(s); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestSpecValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*WalletSpec)
		ok     bool
	}{
		{"valid", func(*WalletSpec) {}, true},
		{"no owners", func(s *WalletSpec) { s.Owners = nil }, false},
		{"zero threshold", func(s *WalletSpec) { s.Threshold = 0 }, false},
		{"threshold above owners", func(s *WalletSpec) { s.Threshold = 3 }, false},
		{"duplicate owner", func(s *WalletSpec) { s.Owners[1] = s.Owners[0] }, false},
		{"nil salt nonce", func(s *WalletSpec) { s.SaltNonce = nil }, false},
		{"negative salt nonce", func(s *WalletSpec) { s.SaltNonce = big.NewInt(-1) }, false},
	}
	for _, tc := range cases {
		spec := testSpec()
		tc.mutate(&spec)
		err := spec.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
