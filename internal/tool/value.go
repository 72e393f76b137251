package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
)

// Kind 标识参数值的具体类型。
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
	KindBigInt
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindBigInt:
		return "bigint"
	default:
		return "invalid"
	}
}

// Value 是工具参数的封闭联合类型：字符串、数字、布尔或大整数。
//
// JSON 编码时前三者使用原生表示，大整数编码为 {"bigint":"<十进制>"}，
// 以免在解码时退化为浮点数。
type Value struct {
	kind Kind
	str  string
	num  float64
	flag bool
	big  *big.Int
}

func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value      { return Value{kind: KindBool, flag: b} }

// BigInt 复制 n，nil 视为 0。
func BigInt(n *big.Int) Value {
	v := new(big.Int)
	if n != nil {
		v.Set(n)
	}
	return Value{kind: KindBigInt, big: v}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) AsString() (string, bool)  { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.flag, v.kind == KindBool }

// AsBigInt 返回副本。数字类型的整数值也会被接受。
func (v Value) AsBigInt() (*big.Int, bool) {
	switch v.kind {
	case KindBigInt:
		return new(big.Int).Set(v.big), true
	case KindNumber:
		f := big.NewFloat(v.num)
		if !f.IsInt() {
			return nil, false
		}
		n, _ := f.Int(nil)
		return n, true
	case KindString:
		n, ok := new(big.Int).SetString(v.str, 0)
		return n, ok
	default:
		return nil, false
	}
}

// Interface 返回 Go 原生值：string、float64、bool 或 *big.Int。
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.flag
	case KindBigInt:
		return new(big.Int).Set(v.big)
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.flag)
	case KindBigInt:
		return v.big.String()
	default:
		return "<invalid>"
	}
}

type bigIntEnvelope struct {
	BigInt string `json:"bigint"`
}

// MarshalJSON 实现 json.Marshaler。
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.flag)
	case KindBigInt:
		return json.Marshal(bigIntEnvelope{BigInt: v.big.String()})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("tool value cannot be null")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '{':
		var env bigIntEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		n, ok := new(big.Int).SetString(env.BigInt, 10)
		if !ok {
			return fmt.Errorf("invalid bigint literal %q", env.BigInt)
		}
		*v = Value{kind: KindBigInt, big: n}
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported tool value %s", string(data))
		}
		*v = Number(n)
	}
	return nil
}

// Args 是按参数声明顺序排列的实参列表。
type Args []Value

// At 返回第 i 个实参，越界时返回 false。
func (a Args) At(i int) (Value, bool) {
	if i < 0 || i >= len(a) {
		return Value{}, false
	}
	return a[i], true
}

// StringAt 返回第 i 个字符串实参；缺失或类型不符时返回空串。
func (a Args) StringAt(i int) string {
	v, ok := a.At(i)
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

// Clone 返回浅拷贝。
func (a Args) Clone() Args {
	if a == nil {
		return nil
	}
	out := make(Args, len(a))
	copy(out, a)
	return out
}
