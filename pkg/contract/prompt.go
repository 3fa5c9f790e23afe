package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状（可用于 ChatPrompt）。
// 约定：Role=="json_schema" 的消息携带期望输出的 JSON Schema，由客户端决定是否启用 JSON 模式。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
type ChatPrompt []Message

// Task: 一次结构化调用的任务描述。
type Task struct {
	// Name: 任务名（summarize/search/timeline/translate…），仅用于日志与模板。
	Name string
	// Instruction: 任务指令（例如目标语言），原样交给模板。
	Instruction string
	// Shape: 期望输出形状；同时用于解析与修复。
	Shape Shape
}

// PromptBuilder: 构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O；
//   - 不隐式修改业务内容；
//   - 失败快速返回错误。
type PromptBuilder interface {
	// Build: 单次调用（无需切块的输入）。
	Build(ctx context.Context, t Task, input string) (Prompt, error)
	// BuildChunk: 第 i 块（0 起）共 n 块。
	BuildChunk(ctx context.Context, t Task, c Chunk, i, n int) (Prompt, error)
	// BuildReduce: 合并各块输出（已带分隔标记）为一个载荷。
	BuildReduce(ctx context.Context, t Task, merged string) (Prompt, error)
	// BuildBatch: 逐条翻译一批文本单元。
	BuildBatch(ctx context.Context, t Task, items []string) (Prompt, error)
	// EstimateOverheadTokens: 估算与输入无关的固定提示词开销（system/schema/固定规则）。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int
