package contract

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNormalizeFileID 验证路径规范化逻辑。
func TestNormalizeFileID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"本地分隔符", filepath.Join("a", "b", "c"), "a/b/c"},
		{"父目录", "./x/../y", "y"},
		{"空串", "", "."},
		{"Windows路径", "C:\\Users\\test\\page.html", "C:/Users/test/page.html"},
		{"清理多余斜杠", "path//to///page.html", "path/to/page.html"},
		{"混合分隔符", "C:\\Users/test\\Documents/page.html", "C:/Users/test/Documents/page.html"},
		{"中文路径", "项目\\文档/测试.html", "项目/文档/测试.html"},
		{"仅分隔符", "\\\\\\///", "/"},
		{"复杂父目录", "a\\b\\c\\..\\..\\..\\..\\d", "../d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(NormalizeFileID(tt.input)))
		})
	}
}

func TestFileIDBase(t *testing.T) {
	assert.Equal(t, "page", FileID("site/page.html").Base())
	assert.Equal(t, "README", FileID("README").Base())
	assert.Equal(t, ".env", FileID("dir/.env").Base())
}

// TestParsedResultDecode 覆盖三种变体的 Decode 行为。
func TestParsedResultDecode(t *testing.T) {
	var dst struct {
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}
	r := Structured(map[string]any{"title": "t", "tags": []any{"a", "b"}})
	require.True(t, r.OK())
	require.NoError(t, r.Decode(&dst))
	assert.Equal(t, "t", dst.Title)
	assert.Equal(t, []string{"a", "b"}, dst.Tags)

	rec := Recovered(map[string]any{"title": "x"}, []string{"title"})
	assert.Equal(t, KindRecovered, rec.Kind)
	require.NoError(t, rec.Decode(&dst))
	assert.Equal(t, "x", dst.Title)

	u := Unparsable("prose only")
	assert.False(t, u.OK())
	assert.Equal(t, "prose only", u.Raw)
	err := u.Decode(&dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResponseInvalid))
}

func TestShapeHelpers(t *testing.T) {
	s := StringList(3)
	assert.True(t, s.IsStringList())
	assert.Equal(t, byte('['), s.Open())
	assert.Equal(t, byte(']'), s.Close())

	obj := Shape{Fields: []Field{{Name: "title"}}}
	assert.False(t, obj.IsStringList())
	assert.Equal(t, byte('{'), obj.Open())
	assert.Equal(t, "truncated", FinishTruncated.String())
	assert.Equal(t, "paragraph", CategoryParagraph.String())
}
