package contract

import "context"

// FinishState: 单次模型回复的结束状态。
type FinishState int

const (
	FinishComplete FinishState = iota
	FinishTruncated
	FinishRefused
)

func (s FinishState) String() string {
	switch s {
	case FinishTruncated:
		return "truncated"
	case FinishRefused:
		return "refused"
	default:
		return "complete"
	}
}

// ResponseEnvelope: 一次模型回复。每次调用创建，解析后丢弃。
// 约束：原样返回文本，不做清洗/截断/归一化。
type ResponseEnvelope struct {
	RawText   string
	Finish    FinishState
	Grounding []GroundingCandidate
}

// LLMClient: 以 Prompt 为单位与大模型交互，返回 ResponseEnvelope。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
// 实现可直接以 ErrModelRefusal 报告拒答，也可通过 FinishRefused 表达。
type LLMClient interface {
	Invoke(ctx context.Context, p Prompt) (ResponseEnvelope, error)
}
