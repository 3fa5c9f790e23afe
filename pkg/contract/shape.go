package contract

// RootKind: 期望载荷的根类型。
type RootKind int

const (
	RootObject RootKind = iota
	RootArray
)

// FieldKind: 字段类型（修复时决定缺省值：字符串 "" / 数组 []）。
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldStringArray
	FieldObjectArray
)

// Field: 形状中的一个字段。Fields 仅对 FieldObjectArray 有意义，描述元素对象的字段。
type Field struct {
	Name   string
	Kind   FieldKind
	Fields []Field
}

// Shape: 期望的结构化载荷形状。
//   - RootObject：Fields 为顶层字段；Fields 为空表示任意对象；
//   - RootArray：Fields 为空表示字符串数组，否则为对象数组（Fields 为元素字段）。
//
// Items 为数组根的期望条目数（0 表示不限）。
type Shape struct {
	Root   RootKind
	Fields []Field
	Items  int
}

// StringList 返回期望 n 条字符串的数组形状。
func StringList(n int) Shape { return Shape{Root: RootArray, Items: n} }

// IsStringList 报告形状是否为字符串数组。
func (s Shape) IsStringList() bool { return s.Root == RootArray && len(s.Fields) == 0 }

// Open/Close 返回根结构的起止字符。
func (s Shape) Open() byte {
	if s.Root == RootArray {
		return '['
	}
	return '{'
}

func (s Shape) Close() byte {
	if s.Root == RootArray {
		return ']'
	}
	return '}'
}
