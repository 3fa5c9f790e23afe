package config

import "encoding/json"

// DefaultTemplateConfig 返回一个可直接运行的配置模板：
// 使用 mock LLM 与合理限额（离线调试），Writer 输出到 ./out。
// 各 Options 子树列出全部键，值为中性默认。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:     []string{},
		MaxTokens:  4096,
		MaxRetries: d.MaxRetries,
		Lang:       d.Lang,
		Logging:    Logging{Level: "info"},
		Chunking:   Chunking{MaxChunkBytes: 12000, Overlap: 200, BytesPerToken: 4},
		Batch:      Batch{Size: 20, Placeholder: "[unavailable]"},
		Thresholds: Thresholds{GroundingMinScore: 3, MaxEntities: 10, AlignMinSimilarity: 0.5, MinBlockLength: 2},
		Components: d.Components,
		LLM:        "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":""}`),
				Limits:  Limits{RPM: 60, TPM: 100000, MaxTokensPerReq: 8192},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "web_search": false,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 0, TPM: 0, MaxTokensPerReq: 0},
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "google_search": false,
  "extra_headers": {},
  "response_mime_type": ""
}`),
				Limits: Limits{RPM: 0, TPM: 0, MaxTokensPerReq: 0},
			},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor"],
  "extensions": [".html", ".htm", ".xhtml", ".md", ".markdown", ".txt"],
  "fetch_timeout_seconds": 30
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": false,
  "trim_prefix": "",
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 0
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "inline_glossary": "",
  "glossary_path": ""
}`)
	return cfg
}
