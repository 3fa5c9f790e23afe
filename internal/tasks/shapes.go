package tasks

import (
	"strconv"
	"strings"

	"pagesmith/pkg/contract"
)

// 任务名（日志、模板与 CLI 子命令共用）。
const (
	NameSummarize = "summarize"
	NameSearch    = "search"
	NameTimeline  = "timeline"
	NameTranslate = "translate"
)

var entityFields = []contract.Field{
	{Name: "title", Kind: contract.FieldString},
	{Name: "price", Kind: contract.FieldString},
	{Name: "date", Kind: contract.FieldString},
	{Name: "description", Kind: contract.FieldString},
	{Name: "url", Kind: contract.FieldString},
	{Name: "source_name", Kind: contract.FieldString},
}

// SummaryShape: {title, summary, key_points[]}
var SummaryShape = contract.Shape{Root: contract.RootObject, Fields: []contract.Field{
	{Name: "title", Kind: contract.FieldString},
	{Name: "summary", Kind: contract.FieldString},
	{Name: "key_points", Kind: contract.FieldStringArray},
}}

// ProductsShape: {products[]}
var ProductsShape = contract.Shape{Root: contract.RootObject, Fields: []contract.Field{
	{Name: "products", Kind: contract.FieldObjectArray, Fields: entityFields},
}}

// TimelineShape: {events[]}
var TimelineShape = contract.Shape{Root: contract.RootObject, Fields: []contract.Field{
	{Name: "events", Kind: contract.FieldObjectArray, Fields: entityFields},
}}

// Summary: 摘要任务的类型化结果。
type Summary struct {
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// summaryOf 由解析结果得到摘要；无结构时以原文作为摘要正文。
func summaryOf(r contract.ParsedResult) Summary {
	var s Summary
	if err := r.Decode(&s); err != nil {
		return Summary{Summary: strings.TrimSpace(r.Raw), KeyPoints: []string{}}
	}
	if s.KeyPoints == nil {
		s.KeyPoints = []string{}
	}
	return s
}

// entitiesOf 取出 field 下的对象数组并标注类别；无结构或字段缺失时返回空。
func entitiesOf(r contract.ParsedResult, field string, kind contract.EntityKind) []contract.Entity {
	m, ok := r.Payload.(map[string]any)
	if !ok {
		return nil
	}
	items, ok := m[field].([]any)
	if !ok {
		return nil
	}
	out := make([]contract.Entity, 0, len(items))
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		e := contract.Entity{
			Kind:        kind,
			Title:       str(obj, "title"),
			Price:       str(obj, "price"),
			Date:        str(obj, "date"),
			Description: str(obj, "description"),
			URL:         str(obj, "url"),
			SourceName:  str(obj, "source_name"),
		}
		if e.Title == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

func str(m map[string]any, k string) string {
	switch v := m[k].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
