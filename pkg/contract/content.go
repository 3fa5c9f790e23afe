package contract

// BlockCategory: 页面内容块类别。对齐按 标题 → 段落 的顺序分别执行。
type BlockCategory int

const (
	CategoryHeading BlockCategory = iota
	CategoryParagraph
)

func (c BlockCategory) String() string {
	if c == CategoryHeading {
		return "heading"
	}
	return "paragraph"
}

// Block: 页面上的一个原始文本块（活动内容）。
// Apply 写入译文并将块标记为已处理；渲染由实现自决。
type Block interface {
	Text() string
	Processed() bool
	Apply(translated string)
}

// ContentSource: 按类别返回有序的活动内容块。
type ContentSource interface {
	Blocks(cat BlockCategory) []Block
}
