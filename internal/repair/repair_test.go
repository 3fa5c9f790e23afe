package repair

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"pagesmith/pkg/contract"
)

var offer = contract.Shape{Fields: []contract.Field{
	{Name: "title"}, {Name: "price"}, {Name: "description"}, {Name: "url"},
}}

func TestRepairTruncatedString(t *testing.T) {
	got, rep := Repair(`{"title":"Phone","price":"$19`, offer)
	want := map[string]any{"title": "Phone", "price": "$19", "description": "", "url": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"title", "price"}, rep.Recovered)
	assert.Equal(t, []string{"description", "url"}, rep.Defaulted)
}

func TestRepairEscapesAndScalars(t *testing.T) {
	got, rep := Repair(`{"title":"say \"hi\"\nok","price":19.5,"url":"a\`, offer)
	m := got.(map[string]any)
	assert.Equal(t, "say \"hi\"\nok", m["title"])
	assert.Equal(t, "19.5", m["price"])
	assert.Equal(t, "a", m["url"])
	assert.Equal(t, []string{"description"}, rep.Defaulted)
}

func TestRepairIgnoresNestedKeys(t *testing.T) {
	shape := contract.Shape{Fields: []contract.Field{
		{Name: "title"},
		{Name: "events", Kind: contract.FieldObjectArray, Fields: []contract.Field{{Name: "title"}}},
	}}
	got, rep := Repair(`{"events":[{"title":"inner"},{"title":"second"},{"title":"cut`, shape)
	m := got.(map[string]any)
	assert.Equal(t, "", m["title"])
	assert.Equal(t, []any{
		map[string]any{"title": "inner"},
		map[string]any{"title": "second"},
	}, m["events"])
	assert.Equal(t, []string{"events"}, rep.Recovered)
	assert.Equal(t, []string{"title"}, rep.Defaulted)
}

func TestRepairStringArrayField(t *testing.T) {
	shape := contract.Shape{Fields: []contract.Field{
		{Name: "summary"},
		{Name: "key_points", Kind: contract.FieldStringArray},
	}}
	got, rep := Repair(`{"summary":"s","key_points":["one","two","thr`, shape)
	m := got.(map[string]any)
	assert.Equal(t, []any{"one", "two"}, m["key_points"])
	assert.Equal(t, []string{"summary", "key_points"}, rep.Recovered)

	got, _ = Repair(`{"summary":"s","key_points":["a","b"]`, shape)
	assert.Equal(t, []any{"a", "b"}, got.(map[string]any)["key_points"])

	got, rep = Repair(`{"summary":"s"`, shape)
	assert.Equal(t, []any{}, got.(map[string]any)["key_points"])
	assert.Equal(t, []string{"key_points"}, rep.Defaulted)
}

func TestRepairArrayRoot(t *testing.T) {
	got, rep := Repair(`["甲","乙","丙`, contract.StringList(3))
	assert.Equal(t, []any{"甲", "乙"}, got)
	assert.Equal(t, []string{ItemsField}, rep.Recovered)

	objs := contract.Shape{Root: contract.RootArray, Fields: []contract.Field{{Name: "title"}}}
	got, _ = Repair(`[{"title":"a"},{"title":}, {"title":"b"},{"ti`, objs)
	assert.Equal(t, []any{map[string]any{"title": "a"}, map[string]any{"title": "b"}}, got)

	got, rep = Repair(`[`, contract.StringList(1))
	assert.Equal(t, []any{}, got)
	assert.Equal(t, []string{ItemsField}, rep.Defaulted)
}

func TestUnescape(t *testing.T) {
	assert.Equal(t, "plain", Unescape("plain"))
	assert.Equal(t, "a\tb", Unescape(`a\tb`))
	assert.Equal(t, "中", Unescape(`中`))
	// 非法的 \u 序列退化为字面替换
	assert.Equal(t, `x"\uZZ`, Unescape(`x\"\uZZ`))
}
