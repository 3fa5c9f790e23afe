package contract

import (
	"encoding/json"
	"fmt"
)

// ResultKind: ParsedResult 的变体标签。
type ResultKind int

const (
	// KindStructured: 找到平衡结构且按目标形状解析成功。
	KindStructured ResultKind = iota
	// KindRecovered: 结构不完整，经逐字段修复得到的载荷。
	KindRecovered
	// KindUnparsable: 无可用结构，仅保留原文。
	KindUnparsable
)

func (k ResultKind) String() string {
	switch k {
	case KindStructured:
		return "structured"
	case KindRecovered:
		return "recovered"
	default:
		return "unparsable"
	}
}

// ParsedResult: 结构化解析的唯一产物，三选一，永不缺席。
// Payload 为 encoding/json 解码形态（map[string]any 或 []any）；
// Unparsable 时 Payload 为 nil，Raw 保留原文。
type ParsedResult struct {
	Kind            ResultKind
	Payload         any
	RecoveredFields []string
	Raw             string
}

func Structured(payload any) ParsedResult {
	return ParsedResult{Kind: KindStructured, Payload: payload}
}

func Recovered(payload any, fields []string) ParsedResult {
	return ParsedResult{Kind: KindRecovered, Payload: payload, RecoveredFields: fields}
}

func Unparsable(raw string) ParsedResult {
	return ParsedResult{Kind: KindUnparsable, Raw: raw}
}

// OK 报告是否带有结构化载荷。
func (r ParsedResult) OK() bool { return r.Kind != KindUnparsable }

// Decode 将载荷重新编码后解入 dst（通常为带 json tag 的结构体）。
func (r ParsedResult) Decode(dst any) error {
	if !r.OK() {
		return fmt.Errorf("decode %s result: %w", r.Kind, ErrResponseInvalid)
	}
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, ErrResponseInvalid)
	}
	return nil
}
