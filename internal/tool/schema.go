package tool

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	xerrors "ChainSage/internal/errors"
)

// ArgsSchema 根据参数声明把位置实参校验为 JSON 对象。
type ArgsSchema struct {
	params []Parameter
	schema *gojsonschema.Schema
}

// CompileSchema 将参数声明编译为 JSON Schema。
//
// 支持的类型：string、number、integer、boolean、bigint、address；其他类型不做类型约束。
func CompileSchema(params []Parameter) (*ArgsSchema, error) {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for _, p := range params {
		if p.Name == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "parameter name is required")
		}
		prop := map[string]any{}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		switch strings.ToLower(p.Type) {
		case "string":
			prop["type"] = "string"
		case "number":
			prop["type"] = "number"
		case "integer":
			prop["type"] = "integer"
		case "boolean", "bool":
			prop["type"] = "boolean"
		case "bigint":
			prop["type"] = []string{"string", "integer"}
			prop["pattern"] = "^-?[0-9]+$"
		case "address":
			prop["type"] = "string"
			prop["pattern"] = "^0x[0-9a-fA-F]+$"
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "compile parameter schema")
	}
	return &ArgsSchema{params: params, schema: schema}, nil
}

// Validate 校验实参，返回的错误列出全部不符合项。
func (s *ArgsSchema) Validate(args Args) error {
	doc := make(map[string]any, len(args))
	for i, v := range args {
		name := fmt.Sprintf("arg%d", i)
		if i < len(s.params) {
			name = s.params[i].Name
		}
		switch v.Kind() {
		case KindBigInt:
			doc[name] = v.String()
		default:
			doc[name] = v.Interface()
		}
	}

	result, err := s.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "validate arguments")
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return xerrors.New(xerrors.CodeInvalidArgument, strings.Join(msgs, "; "))
}

// SchemaValidator 返回可直接赋给 Tool.Validate 的校验函数。
func SchemaValidator(params []Parameter) (func(Args) bool, error) {
	s, err := CompileSchema(params)
	if err != nil {
		return nil, err
	}
	return func(args Args) bool { return s.Validate(args) == nil }, nil
}
