// Package mock 提供无网络的 LLMClient，用于流程联调与集成测试。
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"pagesmith/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 输出前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode:
	//  - "" / "auto": 按 Prompt 自动作答。批翻译返回等长字符串数组（"<Prefix>: 原文"），
	//    其余按 json_schema 消息生成符合形状的 JSON。
	//  - "script": 依次返回 Replies，用尽后重复最后一条。
	//  - "echo": 回显 Prompt 摘要（非 JSON）。
	ResponseMode string `json:"response_mode,omitempty"`
	// Replies: script 模式的脚本。
	Replies []Reply `json:"replies,omitempty"`
	// Grounding: 附加到每次成功回复的 grounding 候选。
	Grounding []contract.GroundingCandidate `json:"grounding,omitempty"`
}

// Reply: 一条脚本化回复。Error 取值 rate_limited/transport/refusal 时返回对应错误。
type Reply struct {
	Text   string `json:"text"`
	Finish string `json:"finish,omitempty"` // complete/truncated/refused
	Error  string `json:"error,omitempty"`
}

type Client struct {
	prefix    string
	mode      string
	replies   []Reply
	grounding []contract.GroundingCandidate

	mu    sync.Mutex
	next  int
	calls int
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "auto"
	case "auto", "echo":
	case "script":
		if len(o.Replies) == 0 {
			return nil, fmt.Errorf("mock: %w: script mode requires replies", contract.ErrInvalidInput)
		}
		for _, r := range o.Replies {
			if _, err := finishOf(r.Finish); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, mode)
	}
	return &Client{prefix: o.Prefix, mode: mode, replies: o.Replies, grounding: o.Grounding}, nil
}

// Calls 返回已发生的调用次数。
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.ResponseEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return contract.ResponseEnvelope{}, err
	}
	c.mu.Lock()
	c.calls++
	var r Reply
	if c.mode == "script" {
		r = c.replies[min(c.next, len(c.replies)-1)]
		c.next++
	}
	c.mu.Unlock()

	switch c.mode {
	case "script":
		switch r.Error {
		case "":
		case "rate_limited":
			return contract.ResponseEnvelope{}, contract.ErrRateLimited
		case "refusal":
			return contract.ResponseEnvelope{}, contract.ErrModelRefusal
		default:
			return contract.ResponseEnvelope{}, fmt.Errorf("mock %s: %w", r.Error, contract.ErrTransport)
		}
		fin, _ := finishOf(r.Finish)
		return contract.ResponseEnvelope{RawText: r.Text, Finish: fin, Grounding: c.grounds()}, nil
	case "echo":
		return contract.ResponseEnvelope{RawText: c.echo(p)}, nil
	}
	text, err := Answer(p, c.prefix)
	if err != nil {
		return contract.ResponseEnvelope{}, err
	}
	return contract.ResponseEnvelope{RawText: text, Grounding: c.grounds()}, nil
}

var _ contract.LLMClient = (*Client)(nil)

func (c *Client) grounds() []contract.GroundingCandidate {
	if len(c.grounding) == 0 {
		return nil
	}
	return append([]contract.GroundingCandidate(nil), c.grounding...)
}

func (c *Client) echo(p contract.Prompt) string {
	switch v := p.(type) {
	case contract.TextPrompt:
		return fmt.Sprintf("%s(text): %s", c.prefix, string(v))
	case contract.ChatPrompt:
		if len(v) == 0 {
			return fmt.Sprintf("%s(chat): <empty>", c.prefix)
		}
		// 取第一条消息内容，避免打印过长
		return fmt.Sprintf("%s(chat:%s): %s", c.prefix, v[0].Role, v[0].Content)
	default:
		return fmt.Sprintf("%s(unknown prompt type)", c.prefix)
	}
}

func finishOf(s string) (contract.FinishState, error) {
	switch s {
	case "", "complete":
		return contract.FinishComplete, nil
	case "truncated":
		return contract.FinishTruncated, nil
	case "refused":
		return contract.FinishRefused, nil
	}
	return 0, fmt.Errorf("mock: %w: unknown finish %q", contract.ErrInvalidInput, s)
}

var itemRe = regexp.MustCompile(`(?s)<item id="\d+">\n(.*?)\n</item>`)

// Answer 按 Prompt 生成确定性的 JSON 回复：
// 含 <item> 的批翻译返回等长字符串数组；否则按 json_schema 消息生成样例载荷。
func Answer(p contract.Prompt, prefix string) (string, error) {
	var user, sch string
	switch v := p.(type) {
	case contract.TextPrompt:
		user = string(v)
	case contract.ChatPrompt:
		for _, m := range v {
			switch m.Role {
			case "user":
				user = m.Content
			case "json_schema":
				sch = m.Content
			}
		}
	default:
		return "", fmt.Errorf("mock: %w: unsupported prompt %T", contract.ErrInvalidInput, p)
	}
	if ms := itemRe.FindAllStringSubmatch(user, -1); len(ms) > 0 {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = prefix + ": " + m[1]
		}
		b, _ := json.Marshal(out)
		return string(b), nil
	}
	var doc map[string]any
	if sch == "" || json.Unmarshal([]byte(sch), &doc) != nil {
		doc = map[string]any{"type": "object"}
	}
	b, _ := json.Marshal(sample(doc, prefix, "value"))
	return string(b), nil
}

// sample 生成符合 schema 文档的样例值（仅覆盖 object/array/string）。
func sample(doc map[string]any, prefix, name string) any {
	switch doc["type"] {
	case "array":
		items, _ := doc["items"].(map[string]any)
		if items == nil {
			items = map[string]any{"type": "string"}
		}
		return []any{sample(items, prefix, name)}
	case "object":
		props, _ := doc["properties"].(map[string]any)
		out := make(map[string]any, len(props))
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sub, _ := props[k].(map[string]any)
			if k == "url" {
				out[k] = ""
				continue
			}
			out[k] = sample(sub, prefix, k)
		}
		return out
	default:
		return prefix + " " + name
	}
}
