// Package flaky 提供按调用次数变化的 LLMClient，用于验证重试与降级路径。
package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"pagesmith/pkg/contract"
	"pagesmith/plugins/llmclient/mock"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的 LLM 实现：
// 第一次 Invoke 返回 ErrRateLimited；
// 第二次返回截断且无法解析的文本；
// 之后与 mock 的 auto 模式相同。
type Client struct {
	prefix  string
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	return &Client{prefix: o.Prefix, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.ResponseEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return contract.ResponseEnvelope{}, err
	}
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return contract.ResponseEnvelope{}, contract.ErrRateLimited
	case 2:
		c.log("truncated")
		return contract.ResponseEnvelope{RawText: `{"invalid`, Finish: contract.FinishTruncated}, nil
	default:
		text, err := mock.Answer(p, c.prefix)
		if err != nil {
			c.log("error")
			return contract.ResponseEnvelope{}, err
		}
		c.log("ok")
		return contract.ResponseEnvelope{RawText: text}, nil
	}
}

var _ contract.LLMClient = (*Client)(nil)
