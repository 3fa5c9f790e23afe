package pipeline

import (
	"pagesmith/pkg/contract"
)

// MergeLocal 在 reduce 调用失败时就地归并各块结果：
//   - 字符串字段取首个非空值；
//   - 数组字段与数组根按块顺序拼接。
//
// 没有任何可用块结果时返回 Unparsable(raw)。结果总是 Recovered，字段列表为实际取得值的字段。
func MergeLocal(results []contract.ParsedResult, shape contract.Shape, raw string) contract.ParsedResult {
	var usable []contract.ParsedResult
	for _, r := range results {
		if r.OK() {
			usable = append(usable, r)
		}
	}
	if len(usable) == 0 {
		return contract.Unparsable(raw)
	}
	if shape.Root == contract.RootArray {
		items := []any{}
		for _, r := range usable {
			if arr, ok := r.Payload.([]any); ok {
				items = append(items, arr...)
			}
		}
		return contract.Recovered(items, []string{"items"})
	}

	out := make(map[string]any, len(shape.Fields))
	var got []string
	for _, f := range shape.Fields {
		switch f.Kind {
		case contract.FieldString:
			v := ""
			for _, r := range usable {
				if s, _ := field(r, f.Name).(string); s != "" {
					v = s
					break
				}
			}
			out[f.Name] = v
			if v != "" {
				got = append(got, f.Name)
			}
		default:
			arr := []any{}
			for _, r := range usable {
				if a, ok := field(r, f.Name).([]any); ok {
					arr = append(arr, a...)
				}
			}
			out[f.Name] = arr
			if len(arr) > 0 {
				got = append(got, f.Name)
			}
		}
	}
	return contract.Recovered(out, got)
}

func field(r contract.ParsedResult, name string) any {
	m, ok := r.Payload.(map[string]any)
	if !ok {
		return nil
	}
	return m[name]
}
