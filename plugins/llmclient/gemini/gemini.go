// Package gemini 基于 google.golang.org/genai 实现 Gemini 的 LLMClient。
// 可选启用 Google Search 工具；回复的 grounding chunks 作为 grounding 候选返回。
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"pagesmith/pkg/contract"
)

// Options: Gemini 最小必需配置。
type Options struct {
	BaseURL   string `json:"base_url"`    // 为空使用 SDK 缺省
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Temperature    *float32 `json:"temperature,omitempty"`
	// GoogleSearch: 启用 Google Search 工具（grounding）。启用后不再设置 JSON 输出模式。
	GoogleSearch bool              `json:"google_search,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers"`
	// JSON 输出 MIME（可选）：仅当 Prompt 携带 schema 时生效；为空则使用 application/json
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.ResponseMIMEType == "" {
		o.ResponseMIMEType = "application/json"
	}
}

// generator: genai.Models 的最小子集，测试时替换。
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	gen      generator
	model    string
	temp     *float32
	search   bool
	respMIME string
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = opts.BaseURL
	}
	if len(opts.ExtraHeaders) > 0 {
		cfg.HTTPOptions.Headers = http.Header{}
		for k, v := range opts.ExtraHeaders {
			if k != "" {
				cfg.HTTPOptions.Headers.Set(k, v)
			}
		}
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %v: %w", err, contract.ErrInvalidInput)
	}
	return newWith(client.Models, opts), nil
}

func newWith(gen generator, opts Options) *Client {
	return &Client{gen: gen, model: opts.Model, temp: opts.Temperature, search: opts.GoogleSearch, respMIME: opts.ResponseMIMEType}
}

// upstreamError 实现 net.Error，用于将上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.ResponseEnvelope, error) {
	contents, cfg, err := c.encode(p)
	if err != nil {
		return contract.ResponseEnvelope{}, err
	}
	resp, err := c.gen.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return contract.ResponseEnvelope{}, mapError(ctx, err)
	}
	return decode(resp)
}

var _ contract.LLMClient = (*Client)(nil)

// encode 将 Prompt 转为 genai 请求：system 并入 SystemInstruction，json_schema 转为 ResponseSchema。
func (c *Client) encode(p contract.Prompt) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{Temperature: c.temp}
	var contents []*genai.Content
	var system []string
	switch v := p.(type) {
	case contract.TextPrompt:
		contents = append(contents, genai.NewContentFromText(string(v), genai.RoleUser))
	case contract.ChatPrompt:
		for _, m := range v {
			switch strings.ToLower(strings.TrimSpace(m.Role)) {
			case "json_schema":
				if c.search {
					continue
				}
				var doc map[string]any
				if json.Unmarshal([]byte(m.Content), &doc) != nil {
					continue
				}
				cfg.ResponseMIMEType = c.respMIME
				cfg.ResponseSchema = toSchema(doc)
			case "system":
				system = append(system, m.Content)
			case "assistant", "model":
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			default:
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
			}
		}
	default:
		return nil, nil, fmt.Errorf("gemini: %w: unsupported prompt %T", contract.ErrInvalidInput, p)
	}
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("gemini: %w: empty prompt", contract.ErrInvalidInput)
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(strings.Join(system, "\n\n"))}}
	}
	if c.search {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return contents, cfg, nil
}

// toSchema 将 JSON Schema 文档（object/array/string 子集）转为 genai.Schema。
func toSchema(doc map[string]any) *genai.Schema {
	s := &genai.Schema{}
	switch doc["type"] {
	case "object":
		s.Type = genai.TypeObject
		props, _ := doc["properties"].(map[string]any)
		if len(props) > 0 {
			s.Properties = make(map[string]*genai.Schema, len(props))
			for k, v := range props {
				sub, _ := v.(map[string]any)
				s.Properties[k] = toSchema(sub)
			}
		}
		if req, ok := doc["required"].([]any); ok {
			for _, r := range req {
				if name, ok := r.(string); ok {
					s.Required = append(s.Required, name)
				}
			}
		}
	case "array":
		s.Type = genai.TypeArray
		items, _ := doc["items"].(map[string]any)
		if items == nil {
			items = map[string]any{"type": "string"}
		}
		s.Items = toSchema(items)
	default:
		s.Type = genai.TypeString
	}
	return s
}

// decode 取首个候选的文本与结束状态；Prompt 被拦截时视为拒答。
func decode(resp *genai.GenerateContentResponse) (contract.ResponseEnvelope, error) {
	if resp == nil {
		return contract.ResponseEnvelope{}, contract.ErrResponseInvalid
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return contract.ResponseEnvelope{Finish: contract.FinishRefused}, nil
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return contract.ResponseEnvelope{}, contract.ErrResponseInvalid
	}
	cand := resp.Candidates[0]
	var sb strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part != nil && !part.Thought {
				sb.WriteString(part.Text)
			}
		}
	}
	env := contract.ResponseEnvelope{RawText: sb.String(), Finish: finishOf(cand.FinishReason)}
	if gm := cand.GroundingMetadata; gm != nil {
		for _, ch := range gm.GroundingChunks {
			if ch == nil || ch.Web == nil || ch.Web.URI == "" {
				continue
			}
			env.Grounding = append(env.Grounding, contract.GroundingCandidate{
				URI:        ch.Web.URI,
				Title:      ch.Web.Title,
				SourceName: ch.Web.Domain,
			})
		}
	}
	return env, nil
}

func finishOf(r genai.FinishReason) contract.FinishState {
	switch r {
	case genai.FinishReasonMaxTokens:
		return contract.FinishTruncated
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return contract.FinishRefused
	default:
		return contract.FinishComplete
	}
}

// mapError 将 SDK 错误归入最小分类：429 限流；5xx/408 网络；其余 4xx 输入无效。
func mapError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("gemini: %v: %w", err, contract.ErrTransport)
	}
	var ae genai.APIError
	if pae := (*genai.APIError)(nil); errors.As(err, &pae) && pae != nil {
		ae = *pae
	} else if !errors.As(err, &ae) {
		return fmt.Errorf("gemini: %v: %w", err, contract.ErrTransport)
	}
	switch {
	case ae.Code == http.StatusTooManyRequests:
		return fmt.Errorf("gemini: %s: %w", ae.Message, contract.ErrRateLimited)
	case ae.Code == http.StatusRequestTimeout || ae.Code/100 == 5:
		return upstreamError{status: ae.Code, msg: ae.Message}
	default:
		return fmt.Errorf("gemini upstream %d: %s: %w", ae.Code, ae.Message, contract.ErrInvalidInput)
	}
}
