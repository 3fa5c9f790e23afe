// Package repair 在结构被截断时逐字段尽力恢复载荷。
// 返回值总是结构完整的：未能恢复的字段取类型对应的空值（"" 或 []）。
package repair

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"pagesmith/internal/scan"
	"pagesmith/pkg/contract"
)

// ItemsField 为数组根载荷在 Report 中使用的名字。
const ItemsField = "items"

// Report 记录哪些字段被实际恢复、哪些取了缺省值（诊断用）。
type Report struct {
	Recovered []string
	Defaulted []string
}

// Repair 对以根起始字符开头的残缺文本做逐字段恢复。
//   - 对象根：返回 map[string]any，每个声明字段都存在；
//   - 数组根：返回 []any（字符串或对象），至少为空数组。
func Repair(partial string, shape contract.Shape) (any, Report) {
	if shape.Root == contract.RootArray {
		return repairArray(partial, shape)
	}
	return repairObject(partial, shape)
}

func repairObject(partial string, shape contract.Shape) (map[string]any, Report) {
	var rep Report
	out := make(map[string]any, len(shape.Fields))
	top := partial
	if strings.HasPrefix(partial, "{") {
		top = scan.TopLevel(partial)
	}
	for _, f := range shape.Fields {
		var (
			v  any
			ok bool
		)
		switch f.Kind {
		case contract.FieldStringArray:
			v, ok = stringArrayField(partial, top, f.Name)
		case contract.FieldObjectArray:
			v, ok = objectArrayField(partial, top, f.Name)
		default:
			v, ok = stringField(partial, top, f.Name)
		}
		if ok {
			rep.Recovered = append(rep.Recovered, f.Name)
		} else {
			rep.Defaulted = append(rep.Defaulted, f.Name)
		}
		out[f.Name] = v
	}
	return out, rep
}

func repairArray(partial string, shape contract.Shape) ([]any, Report) {
	var rep Report
	items := []any{}
	if shape.IsStringList() {
		for _, lit := range scan.Strings(partial) {
			items = append(items, Unescape(lit[1:len(lit)-1]))
		}
	} else {
		items = decodeObjects(scan.Objects(partial))
	}
	if len(items) > 0 {
		rep.Recovered = []string{ItemsField}
	} else {
		rep.Defaulted = []string{ItemsField}
	}
	return items, rep
}

var (
	fieldRx   sync.Map // name → *regexp.Regexp（字符串字段）
	scalarRx  sync.Map // name → *regexp.Regexp（裸数值/布尔）
	openArrRx sync.Map // name → *regexp.Regexp（数组起始）
)

func compiled(m *sync.Map, name, pattern string) *regexp.Regexp {
	if v, ok := m.Load(name); ok {
		return v.(*regexp.Regexp)
	}
	rx := regexp.MustCompile(pattern)
	m.Store(name, rx)
	return rx
}

// stringField: 容错匹配 "name": "..."，输入结束同样视为字段结束。
func stringField(partial, top, name string) (string, bool) {
	q := regexp.QuoteMeta(name)
	rx := compiled(&fieldRx, name, `"`+q+`"\s*:\s*"((?:[^"\\]|\\.)*)(?:"|\\?$)`)
	if loc := rx.FindStringSubmatchIndex(top); loc != nil {
		return Unescape(partial[loc[2]:loc[3]]), true
	}
	// 模型偶尔以裸数值回答字符串字段（例如价格）
	rx = compiled(&scalarRx, name, `"`+q+`"\s*:\s*(-?\d[\d.eE+\-]*|true|false)`)
	if loc := rx.FindStringSubmatchIndex(top); loc != nil {
		return partial[loc[2]:loc[3]], true
	}
	return "", false
}

// arrayStart 返回字段数组 '[' 的下标。
func arrayStart(top, name string) int {
	rx := compiled(&openArrRx, name, `"`+regexp.QuoteMeta(name)+`"\s*:\s*\[`)
	loc := rx.FindStringIndex(top)
	if loc == nil {
		return -1
	}
	return loc[1] - 1
}

func stringArrayField(partial, top, name string) ([]any, bool) {
	out := []any{}
	at := arrayStart(top, name)
	if at < 0 {
		return out, false
	}
	seg := partial[at:]
	if end, ok := scan.Balanced(partial, at, '[', ']'); ok {
		seg = partial[at : end+1]
		var ss []string
		if json.Unmarshal([]byte(seg), &ss) == nil {
			for _, s := range ss {
				out = append(out, s)
			}
			return out, true
		}
	}
	for _, lit := range scan.Strings(seg) {
		out = append(out, Unescape(lit[1:len(lit)-1]))
	}
	return out, len(out) > 0
}

func objectArrayField(partial, top, name string) ([]any, bool) {
	at := arrayStart(top, name)
	if at < 0 {
		return []any{}, false
	}
	seg := partial[at:]
	if end, ok := scan.Balanced(partial, at, '[', ']'); ok {
		seg = partial[at : end+1]
	}
	out := decodeObjects(scan.Objects(seg))
	return out, len(out) > 0
}

// decodeObjects 逐个解析对象，失败的直接丢弃。
func decodeObjects(objs []string) []any {
	out := []any{}
	for _, o := range objs {
		var m map[string]any
		if err := json.Unmarshal([]byte(o), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

var literal = strings.NewReplacer(`\"`, `"`, `\n`, "\n", `\t`, "\t", `\r`, "\r", `\/`, "/", `\\`, `\`)

// Unescape 尽力还原 JSON 字符串内容（不含外层引号）：
// 先按 JSON 解码，再按 Go 字面量解码，最后退化为常见转义的字面替换。
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var out string
	if json.Unmarshal([]byte(`"`+s+`"`), &out) == nil {
		return out
	}
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return literal.Replace(strings.TrimSuffix(s, `\`))
}
