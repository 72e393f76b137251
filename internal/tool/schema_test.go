package tool

import (
	"math/big"
	"strings"
	"testing"
)

func TestSchemaValidatesPositionalArgs(t *testing.T) {
	schema, err := CompileSchema([]Parameter{
		{Name: "address", Type: "address", Required: true},
		{Name: "amount", Type: "bigint", Required: true},
		{Name: "memo", Type: "string"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if err := schema.Validate(Args{String("0xAbC123"), BigInt(big.NewInt(7))}); err != nil {
		t.Fatalf("expected valid args, got %v", err)
	}
	if err := schema.Validate(Args{String("0xabc"), String("100"), String("hi")}); err != nil {
		t.Fatalf("decimal string should satisfy bigint: %v", err)
	}

	err = schema.Validate(Args{String("not-an-address")})
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	if !strings.Contains(err.Error(), "amount") {
		t.Fatalf("missing required parameter should be reported: %v", err)
	}

	if err := schema.Validate(Args{String("0x1"), Number(1), String("m"), Bool(true)}); err == nil {
		t.Fatalf("extra positional argument should be rejected")
	}
}

func TestSchemaValidatorFunc(t *testing.T) {
	validate, err := SchemaValidator([]Parameter{{Name: "flag", Type: "boolean", Required: true}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !validate(Args{Bool(false)}) {
		t.Fatalf("boolean argument should pass")
	}
	if validate(Args{String("false")}) {
		t.Fatalf("string must not satisfy boolean")
	}
	if validate(nil) {
		t.Fatalf("missing required argument must fail")
	}
}
