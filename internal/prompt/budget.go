package prompt

import "pagesmith/pkg/contract"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EffectiveMaxTokens 计算预扣固定提示开销后的有效预算。
// 返回 (effectiveMax, overheadTokens)。若 maxTokens<=0，返回 (0,0)。
func EffectiveMaxTokens(pb contract.PromptBuilder, bytesPerToken int, maxTokens int) (int, int) {
	if maxTokens <= 0 {
		return 0, 0
	}
	est := MakeEstimator(bytesPerToken)
	overhead := pb.EstimateOverheadTokens(est)
	return maxTokens - overhead, overhead
}

// ChunkBytes 将单次请求的 token 预算换算为切块的最大字节数（用于 chunk.Split 的 maxSize）。
// 结果不超过 ceiling（ceiling<=0 表示不设上限）；预算不足以容纳任何正文时返回 0。
func ChunkBytes(pb contract.PromptBuilder, bytesPerToken, maxTokensPerReq, ceiling int) int {
	eff, _ := EffectiveMaxTokens(pb, bytesPerToken, maxTokensPerReq)
	if maxTokensPerReq <= 0 {
		return ceiling
	}
	if eff <= 0 {
		return 0
	}
	if bytesPerToken <= 0 {
		bytesPerToken = 4
	}
	n := eff * bytesPerToken
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n
}

// PromptTokens 估算一个 Prompt 载荷的 token 数（用于限流申请）。
func PromptTokens(p contract.Prompt, est contract.TokenEstimator) int {
	switch v := p.(type) {
	case contract.TextPrompt:
		return est(string(v))
	case string:
		return est(v)
	case contract.ChatPrompt:
		n := 0
		for _, m := range v {
			n += est(m.Content)
		}
		return n
	default:
		return 0
	}
}

