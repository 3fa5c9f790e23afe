// Package openai 实现 OpenAI Chat Completions（及兼容服务）的 LLMClient。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"pagesmith/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	// WebSearch: 请求内置网页检索（web_search_options），回复中的 url_citation 作为 grounding 候选。
	WebSearch bool `json:"web_search,omitempty"`
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL（以 http 开头）
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（Azure/OpenRouter 等）
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	// 未配置则采用安全默认 60s
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	hc          *http.Client
	url         string
	apiKey      string
	temp        *float64
	model       string
	webSearch   bool
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	// endpoint_path 可为完整 URL
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		fullURL = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(opts.EndpointPath, "/")
	}
	return &Client{
		hc:          hc,
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		webSearch:   opts.WebSearch,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaReq struct {
	Model            string            `json:"model"`
	Messages         []oaMessage       `json:"messages"`
	Temperature      *float64          `json:"temperature,omitempty"`
	ResponseFormat   *oaResponseFormat `json:"response_format,omitempty"`
	WebSearchOptions *struct{}         `json:"web_search_options,omitempty"`
}

type oaResp struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content     string         `json:"content"`
			Refusal     string         `json:"refusal"`
			Annotations []oaAnnotation `json:"annotations"`
		} `json:"message"`
	} `json:"choices"`
}

type oaAnnotation struct {
	Type        string `json:"type"`
	URLCitation struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"url_citation"`
}

// response_format（最小子集）：Prompt 携带 schema 时使用 json_schema 强制结构化输出。
type oaResponseFormat struct {
	Type       string        `json:"type"` // "json_object" or "json_schema"
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// splitSchema: 取出 role=="json_schema" 的消息作为 schema，其余消息原样保留。
func splitSchema(p contract.Prompt) (contract.Prompt, json.RawMessage) {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return p, nil
	}
	out := make(contract.ChatPrompt, 0, len(cp))
	var schema json.RawMessage
	for _, m := range cp {
		if strings.EqualFold(strings.TrimSpace(m.Role), "json_schema") {
			var raw json.RawMessage
			if json.Unmarshal([]byte(m.Content), &raw) == nil && len(raw) > 0 {
				schema = raw
			}
			continue
		}
		out = append(out, m)
	}
	return out, schema
}

func (c *Client) encodePrompt(p contract.Prompt, rf *oaResponseFormat) ([]byte, error) {
	req := oaReq{Model: c.model, Temperature: c.temp, ResponseFormat: rf}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Messages = []oaMessage{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		req.Messages = make([]oaMessage, 0, len(v))
		for _, m := range v {
			req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: m.Content})
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	if c.webSearch {
		req.WebSearchOptions = &struct{}{}
	}
	return json.Marshal(&req)
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.ResponseEnvelope, error) {
	pp, schema := splitSchema(p)
	var rf *oaResponseFormat
	// 检索模型不支持 json_schema 响应格式，此时仅依赖提示词约束
	if len(schema) > 0 && !c.webSearch {
		rf = &oaResponseFormat{Type: "json_schema", JSONSchema: &oaJSONSchema{Name: "pagesmith", Schema: schema}}
	}
	body, err := c.encodePrompt(pp, rf)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return contract.ResponseEnvelope{}, err
		}
		return contract.ResponseEnvelope{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.ResponseEnvelope{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return contract.ResponseEnvelope{}, ctx.Err()
		}
		return contract.ResponseEnvelope{}, fmt.Errorf("openai: %v: %w", err, contract.ErrTransport)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return contract.ResponseEnvelope{}, contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		// 读取少量响应体辅助定位
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		// 4xx 视为输入/配置无效；5xx 与 408 视为网络/上游问题
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return contract.ResponseEnvelope{}, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return contract.ResponseEnvelope{}, fmt.Errorf("openai upstream %d: %w", resp.StatusCode, contract.ErrInvalidInput)
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return contract.ResponseEnvelope{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 {
		return contract.ResponseEnvelope{}, contract.ErrResponseInvalid
	}
	ch := or.Choices[0]
	env := contract.ResponseEnvelope{RawText: ch.Message.Content, Finish: finishOf(ch.FinishReason)}
	if ch.Message.Refusal != "" {
		env.Finish = contract.FinishRefused
	}
	for _, a := range ch.Message.Annotations {
		if a.Type != "url_citation" || a.URLCitation.URL == "" {
			continue
		}
		env.Grounding = append(env.Grounding, contract.GroundingCandidate{
			URI:        a.URLCitation.URL,
			Title:      a.URLCitation.Title,
			SourceName: host(a.URLCitation.URL),
		})
	}
	return env, nil
}

var _ contract.LLMClient = (*Client)(nil)

func finishOf(reason string) contract.FinishState {
	switch reason {
	case "length":
		return contract.FinishTruncated
	case "content_filter":
		return contract.FinishRefused
	default:
		return contract.FinishComplete
	}
}

// host 取 URL 的主机名（去掉 www.）作为来源名。
func host(u string) string {
	pu, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(pu.Hostname(), "www.")
}
