package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pagesmith/internal/diag"
	"pagesmith/internal/pipeline"
	"pagesmith/internal/prompt"
	"pagesmith/internal/rate"
	"pagesmith/internal/tasks"
	"pagesmith/pkg/contract"
	"pagesmith/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
// inputs 不在此校验：search 以查询词为输入，由各子命令自行检查。
func Validate(cfg Config) error {
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return errors.New("config: input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other roots")
	}
	if cfg.MaxTokens < 0 {
		return errors.New("config: max_tokens must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.Chunking.MaxChunkBytes < 0 || cfg.Chunking.Overlap < 0 || cfg.Chunking.BytesPerToken < 0 {
		return errors.New("config: chunking values must be >= 0")
	}
	if m := cfg.Chunking.MaxChunkBytes; m > 0 && cfg.Chunking.Overlap >= m {
		return fmt.Errorf("config: chunking.overlap(%d) must be smaller than max_chunk_bytes(%d)", cfg.Chunking.Overlap, m)
	}
	if cfg.Batch.Size < 0 {
		return errors.New("config: batch.size must be >= 0")
	}
	th := cfg.Thresholds
	if th.GroundingMinScore < 0 || th.MaxEntities < 0 || th.MinBlockLength < 0 {
		return errors.New("config: thresholds must be >= 0")
	}
	if th.AlignMinSimilarity < 0 || th.AlignMinSimilarity > 1 {
		return fmt.Errorf("config: thresholds.align_min_similarity(%g) must be within [0,1]", th.AlignMinSimilarity)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("config: reader %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	return nil
}

// Runtime: 装配完成的运行期对象图。
type Runtime struct {
	LLM      contract.LLMClient
	Prompt   contract.PromptBuilder
	Runner   *pipeline.Runner
	Tasks    *tasks.Handler
	Reader   contract.Reader
	Writer   contract.Writer
	Gate     rate.Gate
	GateKey  rate.LimitKey
	Settings pipeline.Settings
}

// Assemble 按配置构造组件、限流 Gate 与任务处理器。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// writer 未配置 options 时不构造（search 不写文件）。
func Assemble(cfg Config, logger *diag.Logger) (*Runtime, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	d := Defaults().Components
	rt := &Runtime{}

	r, err := registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader)
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}
	rt.Reader = r
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return nil, fmt.Errorf("prompt_builder: %w", err)
	}
	rt.Prompt = pb
	if present(cfg.Options.Writer) {
		w, err := registry.Writer[effName(cfg.Components.Writer, d.Writer)](cfg.Options.Writer)
		if err != nil {
			return nil, fmt.Errorf("writer: %w", err)
		}
		rt.Writer = w
	}

	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}
	rt.LLM = llm

	// 限流分组键默认由 API Key 派生；失败时退化为 provider 名称。
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	rt.GateKey = key
	rt.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	// 切块上限：由单请求 token 预算（扣除固定提示开销）推导，且不超过 max_chunk_bytes。
	ceiling := cfg.Chunking.MaxChunkBytes
	if ceiling <= 0 {
		ceiling = pipeline.DefaultMaxChunkBytes
	}
	budget := cfg.MaxTokens
	if budget == 0 {
		budget = prov.Limits.MaxTokensPerReq
	}
	maxBytes := prompt.ChunkBytes(pb, cfg.Chunking.BytesPerToken, budget, ceiling)
	if maxBytes <= 0 {
		return nil, fmt.Errorf("config: max_tokens(%d) leaves no room for content: %w", budget, contract.ErrBudgetExceeded)
	}
	overlap := cfg.Chunking.Overlap
	if overlap == 0 {
		overlap = pipeline.DefaultOverlap
	}
	if overlap >= maxBytes {
		overlap = maxBytes / 10
	}

	rt.Settings = pipeline.Settings{
		MaxChunkBytes: maxBytes,
		Overlap:       overlap,
		BatchSize:     cfg.Batch.Size,
		MaxRetries:    cfg.MaxRetries,
		BytesPerToken: cfg.Chunking.BytesPerToken,
		Placeholder:   cfg.Batch.Placeholder,
		Gate:          rt.Gate,
		GateKey:       key,
	}
	run, err := pipeline.New(llm, pb, rt.Settings, logger)
	if err != nil {
		return nil, err
	}
	rt.Runner = run
	rt.Settings = run.Settings()

	h, err := tasks.New(run, thresholds(cfg.Thresholds), logger)
	if err != nil {
		return nil, err
	}
	rt.Tasks = h
	return rt, nil
}

// thresholds 以缺省值补齐未配置（0）的阈值。
func thresholds(t Thresholds) tasks.Thresholds {
	out := tasks.DefaultThresholds()
	if t.GroundingMinScore > 0 {
		out.GroundingMinScore = t.GroundingMinScore
	}
	if t.MaxEntities > 0 {
		out.MaxEntities = t.MaxEntities
	}
	if t.AlignMinSimilarity > 0 {
		out.AlignMinSimilarity = t.AlignMinSimilarity
	}
	if t.MinBlockLength > 0 {
		out.MinBlockLength = t.MinBlockLength
	}
	return out
}

// present: options 子树存在且不为 null。
func present(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
