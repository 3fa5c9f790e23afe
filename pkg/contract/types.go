package contract

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Chunk: 源文本上的有界切片。
// 约束：
//   - Start/End 为字节偏移，半开区间 [Start,End)；
//   - 同一次切分内 Start 严格递增；
//   - 除声明的重叠外，各 Chunk 恰好覆盖源文本一次。
type Chunk struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// GroundingCandidate: 独立于模型文本声明的外部参考（标题 + URI）。
// 标识字段（URI）以此为准。
type GroundingCandidate struct {
	URI        string `json:"uri"`
	Title      string `json:"title"`
	SourceName string `json:"source_name"`
}

// EntityKind: 实体类别。
type EntityKind string

const (
	EntityProduct EntityKind = "product"
	EntityEvent   EntityKind = "event"
)

// Entity: 商品或时间线事件。Title 必填；URL/SourceName 可为空，
// 仅在 grounding 融合阶段被补全。
type Entity struct {
	Kind        EntityKind `json:"kind"`
	Title       string     `json:"title"`
	Price       string     `json:"price,omitempty"`
	Date        string     `json:"date,omitempty"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url,omitempty"`
	SourceName  string     `json:"source_name,omitempty"`
}

// AlignmentPair: 一条（原文, 译文）对齐单元。
// Consumed 首次匹配后置 true，之后不再变化。
type AlignmentPair struct {
	Original   string `json:"original"`
	Translated string `json:"translated"`
	Consumed   bool   `json:"consumed"`
}
