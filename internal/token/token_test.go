package token

import (
	"errors"
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		tok  Type
		in   string
		want string
	}{
		{USDC, "100", "100000000"},
		{USDC, "1.5", "1500000"},
		{USDC, "0.000001", "1"},
		{USDT, "30", "30000000"},
		{IDRX, "50", "5000"},
		{IDRX, "0.25", "25"},
		{USDC, "0", "0"},
	}
	for _, tt := range tests {
		got, err := Parse(tt.tok, tt.in)
		if err != nil {
			t.Errorf("Parse(%s, %q): %v", tt.tok, tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("Parse(%s, %q) = %s, want %s", tt.tok, tt.in, got, tt.want)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		tok  Type
		in   string
		want error
	}{
		{USDC, "-1", ErrInvalidAmount},
		{IDRX, "1.005", ErrInvalidAmount},
		{USDC, "abc", ErrInvalidAmount},
		{Type("DAI"), "1", ErrUnknownToken},
	}
	for _, tt := range tests {
		if _, err := Parse(tt.tok, tt.in); !errors.Is(err, tt.want) {
			t.Errorf("Parse(%s, %q) error = %v, want %v", tt.tok, tt.in, err, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		tok  Type
		in   *big.Int
		want string
	}{
		{USDC, big.NewInt(70_000_000), "70.000000"},
		{USDT, big.NewInt(1), "0.000001"},
		{IDRX, big.NewInt(5000), "50.00"},
		{IDRX, nil, "0.00"},
	}
	for _, tt := range tests {
		if got := Format(tt.tok, tt.in); got != tt.want {
			t.Errorf("Format(%s, %v) = %q, want %q", tt.tok, tt.in, got, tt.want)
		}
	}
}

func TestParseType(t *testing.T) {
	tok, err := ParseType("usdc")
	if err != nil || tok != USDC {
		t.Errorf("ParseType(usdc) = %q, %v; want USDC", tok, err)
	}
	if _, err := ParseType("btc"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("ParseType(btc) error = %v, want ErrUnknownToken", err)
	}
}

func TestParseBaseUnits(t *testing.T) {
	const big30 = "123456789012345678901234567890"
	v, err := ParseBaseUnits(big30)
	if err != nil || v.String() != big30 {
		t.Errorf("ParseBaseUnits(%s) = %v, %v", big30, v, err)
	}
	for _, in := range []string{"-5", "1.5"} {
		if _, err := ParseBaseUnits(in); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParseBaseUnits(%q) error = %v, want ErrInvalidAmount", in, err)
		}
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(map[Type]string{
		USDC: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		IDRX: "",
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if tok, ok := r.Lookup("0x036cbd53842c5426634e7929541ec2318f3dcf7e"); !ok || tok != USDC {
		t.Errorf("Lookup = %q, %v; want USDC, true", tok, ok)
	}
	if _, ok := r.Address(IDRX); ok {
		t.Error("IDRX has no configured contract, Address should report false")
	}
	if _, err := NewRegistry(map[Type]string{"DAI": "0x01"}); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("NewRegistry(DAI) error = %v, want ErrUnknownToken", err)
	}
}
