package tool

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestArgsJSONKeepsKinds(t *testing.T) {
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	args := Args{String("0x1"), Number(2.5), Bool(true), BigInt(huge)}

	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `["0x1",2.5,true,{"bigint":"123456789012345678901234567890"}]` {
		t.Fatalf("unexpected encoding %s", raw)
	}

	var decoded Args
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded[3].Kind() != KindBigInt {
		t.Fatalf("bigint decoded as %s", decoded[3].Kind())
	}
	got, _ := decoded[3].AsBigInt()
	if got.Cmp(huge) != 0 {
		t.Fatalf("bigint value changed: %s", got)
	}
}

func TestValueRejectsNull(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte("null"), &v); err == nil {
		t.Fatalf("expected error for null")
	}
	if err := json.Unmarshal([]byte(`{"bigint":"12x"}`), &v); err == nil {
		t.Fatalf("expected error for malformed bigint")
	}
}

func TestBigIntIsCopied(t *testing.T) {
	n := big.NewInt(10)
	v := BigInt(n)
	n.SetInt64(99)
	got, _ := v.AsBigInt()
	if got.Int64() != 10 {
		t.Fatalf("value should not alias the caller's big.Int")
	}
	got.SetInt64(5)
	again, _ := v.AsBigInt()
	if again.Int64() != 10 {
		t.Fatalf("AsBigInt should return a copy")
	}
}

func TestArgsAccessors(t *testing.T) {
	args := Args{String("wallet"), Number(1)}
	if args.StringAt(0) != "wallet" || args.StringAt(1) != "" || args.StringAt(5) != "" {
		t.Fatalf("unexpected StringAt results")
	}
	if n, ok := Number(42).AsBigInt(); !ok || n.Int64() != 42 {
		t.Fatalf("integral number should convert to bigint")
	}
	if _, ok := Number(1.5).AsBigInt(); ok {
		t.Fatalf("fractional number must not convert to bigint")
	}
}
