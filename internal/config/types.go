package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 字段使用 snake_case；未知字段在解析期失败。YAML 与 JSON 共用同一组键。
type Config struct {
	Inputs []string `json:"inputs"`
	// MaxTokens: 单次请求的 token 预算（输入+固定提示开销），用于推导切块大小。0 表示仅按 chunking.max_chunk_bytes。
	MaxTokens int `json:"max_tokens"`
	// MaxRetries: 单次模型调用最大重试次数（>=0）。0 表示不重试。
	MaxRetries int `json:"max_retries"`
	// Lang: translate 的缺省目标语言。
	Lang    string  `json:"lang"`
	Logging Logging `json:"logging"`

	Chunking   Chunking   `json:"chunking"`
	Batch      Batch      `json:"batch"`
	Thresholds Thresholds `json:"thresholds"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Chunking: 切块参数。
type Chunking struct {
	MaxChunkBytes int `json:"max_chunk_bytes"`
	Overlap       int `json:"overlap"`
	BytesPerToken int `json:"bytes_per_token"`
}

// Batch: 逐条翻译的批参数。
type Batch struct {
	Size        int    `json:"size"`
	Placeholder string `json:"placeholder"`
}

// Thresholds: 融合与对齐的经验阈值；0 表示使用缺省值。
type Thresholds struct {
	GroundingMinScore  int     `json:"grounding_min_score"`
	MaxEntities        int     `json:"max_entities"`
	AlignMinSimilarity float64 `json:"align_min_similarity"`
	MinBlockLength     int     `json:"min_block_length"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Writer        string `json:"writer"`
	PromptBuilder string `json:"prompt_builder"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader"`
	Writer        json.RawMessage `json:"writer"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
