// Package registry 以名称注册各组件工厂（显式、零反射），配置装配时按名查表。
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"pagesmith/pkg/contract"
	gmi "pagesmith/plugins/llmclient/gemini"
	"pagesmith/plugins/llmclient/flaky"
	"pagesmith/plugins/llmclient/mock"
	oai "pagesmith/plugins/llmclient/openai"
	ppg "pagesmith/plugins/prompt/page"
	rfs "pagesmith/plugins/reader/filesystem"
	wfs "pagesmith/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("options: %v: %w", err, contract.ErrInvalidInput)
	}
	return nil
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表。
var Reader = map[string]NewReader{
	// fs: 文件/目录/STDIN/URL
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// page: 网页内容任务（Chat + json_schema）
	"page": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts ppg.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ppg.New(&opts)
	},
}

// strictClient 先以严格模式校验选项，再交给客户端自己的构造函数。
func strictClient[O any](ctor func(json.RawMessage) (contract.LLMClient, error)) NewLLMClient {
	return func(raw json.RawMessage) (contract.LLMClient, error) {
		var o O
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return ctor(raw)
	}
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": strictClient[oai.Options](oai.New),
	"gemini": strictClient[gmi.Options](gmi.New),
	"mock":   strictClient[mock.Options](mock.New),
	"flaky":  strictClient[flaky.Options](flaky.New),
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
