// Package parse 从模型的自由文本回复中提取结构化载荷。
//
// 流程：剥离外层代码围栏 → 定位根起始字符 → 平衡扫描 → 按形状解码并校验；
// 结构不完整（或平衡但非法）时交给 repair 逐字段恢复；
// 字符串数组在完全没有可用括号时依次尝试逐行策略。
// 任何输入都只会得到 Structured / Recovered / Unparsable 之一，不会 panic。
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"pagesmith/internal/repair"
	"pagesmith/internal/scan"
	"pagesmith/internal/schema"
	"pagesmith/pkg/contract"
)

// 字符串数组的恢复策略名（写入 Recovered 的字段列表，便于诊断）。
const (
	StrategyDirect    = "direct"
	StrategyBracketed = "bracketed"
	StrategyNumbered  = "numbered"
	StrategyLines     = "lines"
)

// Parse 解析一次完整回复。
func Parse(raw string, shape contract.Shape) contract.ParsedResult {
	return parse(raw, shape, false)
}

// ParseEnvelope 按回复的结束状态解析：截断的回复在逐行策略中丢弃最后一行（通常不完整）。
func ParseEnvelope(env contract.ResponseEnvelope, shape contract.Shape) contract.ParsedResult {
	return parse(env.RawText, shape, env.Finish == contract.FinishTruncated)
}

func parse(raw string, shape contract.Shape, truncated bool) (res contract.ParsedResult) {
	defer func() {
		if r := recover(); r != nil {
			res = contract.Unparsable(raw)
		}
	}()
	text := StripFence(raw)
	open, close := shape.Open(), shape.Close()
	if at := strings.IndexByte(text, open); at >= 0 {
		if end, ok := scan.Balanced(text, at, open, close); ok {
			if v, err := decode(text[at:end+1], shape); err == nil {
				return contract.Structured(v)
			}
		}
		payload, rep := repair.Repair(text[at:], shape)
		if len(rep.Recovered) > 0 {
			return contract.Recovered(payload, rep.Recovered)
		}
		// 有根括号却解不出：逐行策略会把残缺的 JSON 片段当作译文
		return contract.Unparsable(raw)
	}
	if shape.IsStringList() {
		if items, strategy, ok := list(text, shape.Items, truncated); ok {
			if strategy == StrategyDirect || strategy == StrategyBracketed {
				return contract.Structured(toAny(items))
			}
			return contract.Recovered(toAny(items), []string{strategy})
		}
	}
	return contract.Unparsable(raw)
}

func decode(s string, shape contract.Shape) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	if err := schema.Validate(shape, v); err != nil {
		return nil, err
	}
	return v, nil
}

// StripFence 若文本整体被一个代码围栏包裹（``` 后可跟语言标记），返回围栏内文本；
// 缺少结尾围栏（截断）时同样剥离开头一行。否则原样返回。
func StripFence(raw string) string {
	t := strings.TrimSpace(raw)
	if !strings.HasPrefix(t, "```") {
		return raw
	}
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return strings.Trim(t, "`")
	}
	body := t[nl+1:]
	if strings.HasSuffix(body, "```") {
		body = body[:len(body)-3]
	}
	return body
}

// List 依次尝试：整体解析 → 首个括号子串 → 编号行 → 原始非空行，
// 返回第一个产出条数不少于 expected 的策略结果（expected<=0 时要求非空）。
func List(raw string, expected int) ([]string, string, bool) {
	return list(StripFence(raw), expected, false)
}

func list(text string, expected int, truncated bool) ([]string, string, bool) {
	enough := func(items []string) bool {
		if expected <= 0 {
			return len(items) > 0
		}
		return len(items) >= expected
	}
	if items, ok := stringArray(strings.TrimSpace(text)); ok && enough(items) {
		return items, StrategyDirect, true
	}
	if at := strings.IndexByte(text, '['); at >= 0 {
		if end, ok := scan.Balanced(text, at, '[', ']'); ok {
			if items, ok := stringArray(text[at : end+1]); ok && enough(items) {
				return items, StrategyBracketed, true
			}
		}
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if truncated && len(lines) > 1 {
		lines = lines[:len(lines)-1]
	}
	if items := numbered(lines); enough(items) {
		return items, StrategyNumbered, true
	}
	if items := plain(lines); enough(items) {
		return items, StrategyLines, true
	}
	return nil, "", false
}

func stringArray(s string) ([]string, bool) {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, false
	}
	return out, true
}

var numberedRx = regexp.MustCompile(`^\s*\d+[.)]\s+(.*)$`)

func numbered(lines []string) []string {
	var out []string
	for _, ln := range lines {
		m := numberedRx.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		if s := cleanItem(m[1]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func plain(lines []string) []string {
	var out []string
	for _, ln := range lines {
		s := strings.TrimSpace(ln)
		if s == "" || strings.HasPrefix(s, "```") {
			continue
		}
		out = append(out, s)
	}
	return out
}

// cleanItem 去掉条目两端的 markdown 强调符与引号。
func cleanItem(s string) string {
	s = strings.TrimSpace(s)
	for {
		t := strings.Trim(s, "*_`")
		t = trimPair(t, `"`, `"`)
		t = trimPair(t, "“", "”")
		t = trimPair(t, "'", "'")
		t = strings.TrimSpace(t)
		if t == s {
			return s
		}
		s = t
	}
}

func trimPair(s, l, r string) string {
	if len(s) >= len(l)+len(r) && strings.HasPrefix(s, l) && strings.HasSuffix(s, r) {
		return s[len(l) : len(s)-len(r)]
	}
	return s
}

func toAny(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

// Texts 从结果中取出字符串数组载荷；载荷不是字符串数组时返回 false。
func Texts(r contract.ParsedResult) ([]string, bool) {
	arr, ok := r.Payload.([]any)
	if !ok || !r.OK() {
		return nil, false
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}
