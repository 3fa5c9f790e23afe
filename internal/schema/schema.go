// Package schema 将期望形状编译为 JSON Schema，用于解析后的载荷校验与提示词中的输出约束。
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pagesmith/pkg/contract"
)

// Document 返回形状对应的 JSON Schema 文档。
// 对象根的声明字段均为 required；对象数组元素的字段不强制。
func Document(s contract.Shape) map[string]any {
	if s.Root == contract.RootArray {
		items := map[string]any{"type": "string"}
		if len(s.Fields) > 0 {
			items = objectDoc(s.Fields, false)
		}
		return map[string]any{"type": "array", "items": items}
	}
	return objectDoc(s.Fields, true)
}

func objectDoc(fields []contract.Field, required bool) map[string]any {
	doc := map[string]any{"type": "object"}
	if len(fields) == 0 {
		return doc
	}
	props := make(map[string]any, len(fields))
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
		switch f.Kind {
		case contract.FieldStringArray:
			props[f.Name] = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
		case contract.FieldObjectArray:
			props[f.Name] = map[string]any{"type": "array", "items": objectDoc(f.Fields, false)}
		default:
			props[f.Name] = map[string]any{"type": "string"}
		}
	}
	doc["properties"] = props
	if required {
		doc["required"] = names
	}
	return doc
}

// JSON 返回形状的 JSON Schema 文本（提示词 json_schema 消息使用）。
func JSON(s contract.Shape) string {
	b, _ := json.Marshal(Document(s))
	return string(b)
}

var cache sync.Map // schema JSON → *jsonschema.Schema

// Compile 编译（并缓存）形状的 JSON Schema。
func Compile(s contract.Shape) (*jsonschema.Schema, error) {
	key := JSON(s)
	if v, ok := cache.Load(key); ok {
		return v.(*jsonschema.Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("shape.json", bytes.NewReader([]byte(key))); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err := compiler.Compile("shape.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	cache.Store(key, sch)
	return sch, nil
}

// Validate 校验 encoding/json 解码后的载荷是否符合形状。
func Validate(s contract.Shape, v any) error {
	sch, err := Compile(s)
	if err != nil {
		return err
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("payload does not match shape: %v: %w", err, contract.ErrResponseInvalid)
	}
	return nil
}
