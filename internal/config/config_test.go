package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagesmith/internal/diag"
	"pagesmith/internal/pipeline"
	"pagesmith/pkg/contract"
)

const basicJSON = `{
  "inputs": ["docs"],
  "max_tokens": 2048,
  "max_retries": 0,
  "lang": "German",
  "chunking": {"max_chunk_bytes": 4000, "overlap": 100, "bytes_per_token": 4},
  "batch": {"size": 5},
  "thresholds": {"align_min_similarity": 0.6},
  "components": {"reader": "fs", "writer": "fs", "prompt_builder": "page"},
  "llm": "mock",
  "provider": {
    "mock": {"client": "mock", "options": {"prefix": "T"}, "limits": {"rpm": 60, "tpm": 0, "max_tokens_per_req": 4096}}
  }
}`

const basicYAML = `
inputs: [docs]
max_tokens: 2048
max_retries: 0
lang: German
chunking:
  max_chunk_bytes: 4000
  overlap: 100
  bytes_per_token: 4
batch:
  size: 5
thresholds:
  align_min_similarity: 0.6
components: {reader: fs, writer: fs, prompt_builder: page}
llm: mock
provider:
  mock:
    client: mock
    options: {prefix: T}
    limits: {rpm: 60, tpm: 0, max_tokens_per_req: 4096}
`

func TestLoadJSON(t *testing.T) {
	cfg, err := LoadJSON([]byte(basicJSON))
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.LLM)
	assert.Equal(t, []string{"docs"}, cfg.Inputs)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 4000, cfg.Chunking.MaxChunkBytes)
	assert.InDelta(t, 0.6, cfg.Thresholds.AlignMinSimilarity, 1e-9)
	assert.JSONEq(t, `{"prefix":"T"}`, string(cfg.Provider["mock"].Options))
	require.NoError(t, Validate(Merge(Defaults(), cfg)))
}

func TestLoadYAMLMatchesJSON(t *testing.T) {
	fromJSON, err := LoadJSON([]byte(basicJSON))
	require.NoError(t, err)
	fromYAML, err := LoadYAML([]byte(basicYAML))
	require.NoError(t, err)

	assert.Equal(t, fromJSON.Inputs, fromYAML.Inputs)
	assert.Equal(t, fromJSON.Chunking, fromYAML.Chunking)
	assert.Equal(t, fromJSON.Thresholds, fromYAML.Thresholds)
	assert.Equal(t, fromJSON.Provider["mock"].Limits, fromYAML.Provider["mock"].Limits)
	assert.JSONEq(t, string(fromJSON.Provider["mock"].Options), string(fromYAML.Provider["mock"].Options))
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "c.yaml")
	js := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(yml, []byte(basicYAML), 0o600))
	require.NoError(t, os.WriteFile(js, []byte(basicJSON), 0o600))

	a, err := Load(yml)
	require.NoError(t, err)
	b, err := Load(js)
	require.NoError(t, err)
	assert.Equal(t, a.Lang, b.Lang)

	_, err = Load(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadJSON([]byte(`{"unknown":1}`))
	require.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = LoadYAML([]byte("llm: mock\nconcurrency: 3\n"))
	require.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = LoadJSON([]byte("  "))
	require.Error(t, err)
}

func TestLoadJSONMaxRetriesUnset(t *testing.T) {
	cfg, err := LoadJSON([]byte(`{"llm":"mock"}`))
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.MaxRetries)
	assert.Equal(t, 2, Merge(Defaults(), cfg).MaxRetries)
}

func TestEnvOverlay(t *testing.T) {
	env := []string{
		"PAGESMITH_INPUTS=a, b",
		"PAGESMITH_MAX_RETRIES=0",
		"PAGESMITH_LLM=mock",
		"PAGESMITH_LANG=French",
		"PAGESMITH_CHUNK_OVERLAP=50",
		"PAGESMITH_ALIGN_MIN_SIMILARITY=0.8",
		"PAGESMITH_COMPONENTS_READER=fs",
		"PAGESMITH_PROVIDER__Mock__CLIENT=mock",
		"PAGESMITH_PROVIDER__mock__LIMITS_RPM=30",
		`PAGESMITH_PROVIDER__mock__OPTIONS_JSON={"prefix":"E"}`,
		"PAGESMITH_BATCH_SIZE=",
		"HOME=/root",
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, over.Inputs)
	assert.Equal(t, 0, over.MaxRetries)
	assert.Equal(t, "mock", over.LLM)
	assert.Equal(t, "French", over.Lang)
	assert.Equal(t, 50, over.Chunking.Overlap)
	assert.Equal(t, 0, over.Batch.Size)
	assert.InDelta(t, 0.8, over.Thresholds.AlignMinSimilarity, 1e-9)
	require.Contains(t, over.Provider, "mock")
	p := over.Provider["mock"]
	assert.Equal(t, "mock", p.Client)
	assert.Equal(t, 30, p.Limits.RPM)
	assert.JSONEq(t, `{"prefix":"E"}`, string(p.Options))
}

func TestEnvOverlayErrors(t *testing.T) {
	for _, kv := range []string{
		"PAGESMITH_MAX_TOKENS=abc",
		"PAGESMITH_ALIGN_MIN_SIMILARITY=high",
		"PAGESMITH_PROVIDER__x__LIMITS_TPM=1.5",
		"PAGESMITH_PROVIDER__x__OPTIONS_JSON={",
	} {
		_, err := EnvOverlay([]string{kv})
		assert.ErrorIs(t, err, contract.ErrInvalidInput, kv)
	}
}

func TestMergeProviderFieldwise(t *testing.T) {
	base, err := LoadJSON([]byte(basicJSON))
	require.NoError(t, err)
	over, err := EnvOverlay([]string{"PAGESMITH_PROVIDER__mock__LIMITS_TPM=500", "PAGESMITH_MAX_RETRIES=3"})
	require.NoError(t, err)

	got := Merge(base, over)
	p := got.Provider["mock"]
	assert.Equal(t, "mock", p.Client)
	assert.Equal(t, 60, p.Limits.RPM)
	assert.Equal(t, 500, p.Limits.TPM)
	assert.JSONEq(t, `{"prefix":"T"}`, string(p.Options))
	assert.Equal(t, 3, got.MaxRetries)
	// 原配置不被修改
	assert.Equal(t, 0, base.Provider["mock"].Limits.TPM)
}

func TestMergeOptionsReplaced(t *testing.T) {
	base := DefaultTemplateConfig()
	var over Config
	over.MaxRetries = -1
	over.Options.Writer = json.RawMessage(`{"output_dir":"elsewhere"}`)
	got := Merge(base, over)
	assert.JSONEq(t, `{"output_dir":"elsewhere"}`, string(got.Options.Writer))
	assert.Equal(t, base.MaxRetries, got.MaxRetries)
	assert.Equal(t, base.Options.Reader, got.Options.Reader)
}

func TestDefaultsAndClone(t *testing.T) {
	d := Defaults()
	assert.Equal(t, "fs", d.Components.Reader)
	assert.Equal(t, "page", d.Components.PromptBuilder)
	assert.Empty(t, d.LLM)

	src := []byte("abc")
	dst := cloneRaw(src)
	src[0] = 'x'
	assert.Equal(t, "abc", string(dst))
	assert.Equal(t, []string{"a", "b", "c"}, splitComma("a, b , ,c"))
	n, err := atoi("X", " 10 ")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestTemplateIsStrictAndValid(t *testing.T) {
	cfg := DefaultTemplateConfig()
	require.NoError(t, Validate(cfg))

	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	back, err := LoadJSON(b)
	require.NoError(t, err)
	assert.Equal(t, cfg.LLM, back.LLM)
	assert.Equal(t, cfg.Thresholds, back.Thresholds)
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]func(*Config){
		"no llm":            func(c *Config) { c.LLM = "" },
		"unknown provider":  func(c *Config) { c.LLM = "nope" },
		"empty client":      func(c *Config) { c.Provider = map[string]Provider{"mock": {}} },
		"unregistered":      func(c *Config) { c.Provider = map[string]Provider{"mock": {Client: "x"}} },
		"mixed stdin":       func(c *Config) { c.Inputs = []string{"-", "a"} },
		"blank input":       func(c *Config) { c.Inputs = []string{" "} },
		"negative tokens":   func(c *Config) { c.MaxTokens = -1 },
		"negative retries":  func(c *Config) { c.MaxRetries = -1 },
		"tokens over limit": func(c *Config) { c.MaxTokens = 100000 },
		"overlap":           func(c *Config) { c.Chunking.Overlap = c.Chunking.MaxChunkBytes },
		"similarity":        func(c *Config) { c.Thresholds.AlignMinSimilarity = 1.5 },
		"batch":             func(c *Config) { c.Batch.Size = -2 },
		"reader":            func(c *Config) { c.Components.Reader = "s3" },
		"prompt":            func(c *Config) { c.Components.PromptBuilder = "srt" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultTemplateConfig()
			mut(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestAssembleMock(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Options.Writer = json.RawMessage(`{"output_dir":` + quote(t.TempDir()) + `}`)
	cfg.Batch.Size = 3

	rt, err := Assemble(cfg, diag.NewLoggerTo(&strings.Builder{}, "test", "error"))
	require.NoError(t, err)
	require.NotNil(t, rt.Runner)
	require.NotNil(t, rt.Tasks)
	require.NotNil(t, rt.Writer)
	require.NotNil(t, rt.Gate)
	assert.Contains(t, string(rt.GateKey), "mock:")

	set := rt.Runner.Settings()
	assert.Equal(t, 12000, set.MaxChunkBytes)
	assert.Equal(t, 200, set.Overlap)
	assert.Equal(t, 3, set.BatchSize)
	assert.Equal(t, pipeline.DefaultPlaceholder, set.Placeholder)

	sum, _, err := rt.Tasks.Summarize(context.Background(), "A short article about tea.")
	require.NoError(t, err)
	assert.NotEmpty(t, sum.Summary)
}

func TestAssembleWithoutWriter(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Options.Writer = nil
	rt, err := Assemble(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, rt.Writer)

	cfg.Options.Writer = json.RawMessage(" null ")
	rt, err = Assemble(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, rt.Writer)
}

func TestAssembleBudgetTooSmall(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.MaxTokens = 8
	_, err := Assemble(cfg, nil)
	require.ErrorIs(t, err, contract.ErrBudgetExceeded)
}

func TestAssembleBadOptions(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Options.Reader = json.RawMessage(`{"nope":1}`)
	_, err := Assemble(cfg, nil)
	require.ErrorIs(t, err, contract.ErrInvalidInput)

	cfg = DefaultTemplateConfig()
	cfg.Provider["mock"] = Provider{Client: "mock", Options: json.RawMessage(`{"response_mode":"bogus"}`)}
	_, err = Assemble(cfg, nil)
	require.Error(t, err)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
