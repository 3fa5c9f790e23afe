package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"pagesmith/pkg/contract"
)

// EnvPrefix 为环境变量覆盖的前缀。
const EnvPrefix = "PAGESMITH_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		MaxRetries: 2,
		Lang:       "English",
		Logging:    Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Writer:        "fs",
			PromptBuilder: "page",
		},
	}
}

// Load 按扩展名（.yaml/.yml 为 YAML，其余为 JSON）解析配置文件。
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(b)
	default:
		return LoadJSON(b)
	}
}

// LoadJSON 解析原始 JSON（严格拒绝未知字段）。
// 未出现的 max_retries 记为 -1，Merge 时不覆盖。
func LoadJSON(raw []byte) (Config, error) {
	cfg := Config{MaxRetries: -1}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, errors.New("config: empty source")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %v: %w", err, contract.ErrInvalidInput)
	}
	return cfg, nil
}

// LoadYAML 将 YAML 转为等价 JSON 后按 LoadJSON 的规则解析，
// 组件与 provider 的 options 子树因此同样以原样 JSON 交给工厂。
func LoadYAML(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{MaxRetries: -1}, fmt.Errorf("config yaml: %v: %w", err, contract.ErrInvalidInput)
	}
	if doc == nil {
		return Config{MaxRetries: -1}, errors.New("config: empty source")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return Config{MaxRetries: -1}, fmt.Errorf("config yaml: %v: %w", err, contract.ErrInvalidInput)
	}
	return LoadJSON(b)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	// MaxRetries 的 0 具有语义（禁用重试）；<0 视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	setStr(&out.Lang, over.Lang)
	setStr(&out.Logging.Level, over.Logging.Level)

	setInt(&out.Chunking.MaxChunkBytes, over.Chunking.MaxChunkBytes)
	setInt(&out.Chunking.Overlap, over.Chunking.Overlap)
	setInt(&out.Chunking.BytesPerToken, over.Chunking.BytesPerToken)
	setInt(&out.Batch.Size, over.Batch.Size)
	setStr(&out.Batch.Placeholder, over.Batch.Placeholder)

	setInt(&out.Thresholds.GroundingMinScore, over.Thresholds.GroundingMinScore)
	setInt(&out.Thresholds.MaxEntities, over.Thresholds.MaxEntities)
	setInt(&out.Thresholds.MinBlockLength, over.Thresholds.MinBlockLength)
	if over.Thresholds.AlignMinSimilarity != 0 {
		out.Thresholds.AlignMinSimilarity = over.Thresholds.AlignMinSimilarity
	}

	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.Writer, over.Components.Writer)
	setStr(&out.Components.PromptBuilder, over.Components.PromptBuilder)

	// Provider：按键逐字段覆盖（非零值替换）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = mergeProvider(prov[k], v)
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	if len(over.Options.Reader) > 0 {
		out.Options.Reader = cloneRaw(over.Options.Reader)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}

	setStr(&out.LLM, over.LLM)
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合，其余忽略）。
// 支持：INPUTS, MAX_TOKENS, MAX_RETRIES, LANG, LLM, LOG_LEVEL,
// CHUNK_MAX_BYTES, CHUNK_OVERLAP, BYTES_PER_TOKEN, BATCH_SIZE, BATCH_PLACEHOLDER,
// GROUNDING_MIN_SCORE, MAX_ENTITIES, ALIGN_MIN_SIMILARITY, MIN_BLOCK_LENGTH, COMPONENTS_*,
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON。
// 数值无法解析时报错（ErrInvalidInput）。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// -1 表示未设置，以便 Merge 区分“未覆盖”和“显式设置为 0”。
	over.MaxRetries = -1
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			continue
		}
		var err error
		switch key {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "MAX_TOKENS":
			over.MaxTokens, err = atoi(key, val)
		case "MAX_RETRIES":
			over.MaxRetries, err = atoi(key, val)
		case "LANG":
			over.Lang = val
		case "LLM":
			over.LLM = val
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "CHUNK_MAX_BYTES":
			over.Chunking.MaxChunkBytes, err = atoi(key, val)
		case "CHUNK_OVERLAP":
			over.Chunking.Overlap, err = atoi(key, val)
		case "BYTES_PER_TOKEN":
			over.Chunking.BytesPerToken, err = atoi(key, val)
		case "BATCH_SIZE":
			over.Batch.Size, err = atoi(key, val)
		case "BATCH_PLACEHOLDER":
			over.Batch.Placeholder = val
		case "GROUNDING_MIN_SCORE":
			over.Thresholds.GroundingMinScore, err = atoi(key, val)
		case "MAX_ENTITIES":
			over.Thresholds.MaxEntities, err = atoi(key, val)
		case "ALIGN_MIN_SIMILARITY":
			over.Thresholds.AlignMinSimilarity, err = strconv.ParseFloat(val, 64)
			if err != nil {
				err = fmt.Errorf("env %s%s: %v: %w", EnvPrefix, key, err, contract.ErrInvalidInput)
			}
		case "MIN_BLOCK_LENGTH":
			over.Thresholds.MinBlockLength, err = atoi(key, val)
		case "COMPONENTS_READER":
			over.Components.Reader = val
		case "COMPONENTS_WRITER":
			over.Components.Writer = val
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = val
		default:
			err = providerEnv(prov, key, val)
		}
		if err != nil {
			return Config{MaxRetries: -1}, err
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// providerEnv 解析 PROVIDER__name__FIELD；非该形态的键忽略。
func providerEnv(prov map[string]Provider, key, val string) error {
	if !strings.HasPrefix(key, "PROVIDER__") {
		return nil
	}
	parts := strings.SplitN(key, "__", 3)
	if len(parts) != 3 || strings.TrimSpace(parts[1]) == "" {
		return nil
	}
	name := strings.ToLower(strings.TrimSpace(parts[1]))
	p := prov[name]
	var err error
	switch parts[2] {
	case "CLIENT":
		p.Client = val
	case "LIMITS_RPM":
		p.Limits.RPM, err = atoi(key, val)
	case "LIMITS_TPM":
		p.Limits.TPM, err = atoi(key, val)
	case "LIMITS_MAX_TOKENS_PER_REQ":
		p.Limits.MaxTokensPerReq, err = atoi(key, val)
	case "OPTIONS_JSON":
		if !json.Valid([]byte(val)) {
			return fmt.Errorf("env %s%s: invalid json: %w", EnvPrefix, key, contract.ErrInvalidInput)
		}
		p.Options = json.RawMessage(val)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	prov[name] = p
	return nil
}

func mergeProvider(base, over Provider) Provider {
	setStr(&base.Client, over.Client)
	if len(over.Options) > 0 {
		base.Options = cloneRaw(over.Options)
	}
	setInt(&base.Limits.RPM, over.Limits.RPM)
	setInt(&base.Limits.TPM, over.Limits.TPM)
	setInt(&base.Limits.MaxTokensPerReq, over.Limits.MaxTokensPerReq)
	return base
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(key, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("env %s%s: %v: %w", EnvPrefix, key, err, contract.ErrInvalidInput)
	}
	return n, nil
}
