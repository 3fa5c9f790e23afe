// Package page 提供面向网页内容任务（摘要/检索/时间线/翻译）的 PromptBuilder。
// 产出 ChatPrompt：system + user + json_schema（供 Gemini/OpenAI JSON 模式使用）。
package page

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"pagesmith/internal/schema"
	"pagesmith/pkg/contract"
)

// Options 为 PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	// 术语对照表（可选，仅翻译任务）：与模板一样的二选一优先级，拼接进 system 提示尾部。
	InlineGlossary string `json:"inline_glossary"`
	GlossaryPath   string `json:"glossary_path"`
}

// Builder: 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT *template.Template
	glos string
}

// tplData: system 模板可用的字段。
type tplData struct {
	Task        string
	Instruction string
}

// New 创建 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	var glos string
	if o.InlineGlossary != "" {
		glos = o.InlineGlossary
	} else if o.GlossaryPath != "" {
		b, err := os.ReadFile(o.GlossaryPath)
		if err != nil {
			return nil, fmt.Errorf("glossary read: %w", err)
		}
		glos = string(b)
	}
	return &Builder{sysT: tpl, glos: glos}, nil
}

// Build: 单次调用，整段输入。
func (b *Builder) Build(ctx context.Context, t contract.Task, input string) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("prompt: %w: empty input", contract.ErrInvalidInput)
	}
	var uw bytes.Buffer
	writeTask(&uw, t)
	uw.WriteString("<input>\n")
	uw.WriteString(input)
	uw.WriteString("\n</input>\n")
	writeRules(&uw, t.Shape)
	return b.chat(t, uw.String())
}

// BuildChunk: 第 i 块（0 起）共 n 块。提示模型只就本块作答，稍后另行归并。
func (b *Builder) BuildChunk(ctx context.Context, t contract.Task, c contract.Chunk, i, n int) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 || i < 0 || i >= n {
		return nil, fmt.Errorf("prompt: %w: chunk %d of %d", contract.ErrInvalidInput, i, n)
	}
	var uw bytes.Buffer
	writeTask(&uw, t)
	if n > 1 {
		fmt.Fprintf(&uw, "This is part %d of %d of a longer document. Answer for this part only; parts are merged later.\n\n", i+1, n)
	}
	fmt.Fprintf(&uw, "<input part=\"%d/%d\">\n", i+1, n)
	uw.WriteString(c.Text)
	uw.WriteString("\n</input>\n")
	writeRules(&uw, t.Shape)
	return b.chat(t, uw.String())
}

// BuildReduce: merged 为各块输出（已带 PART 分隔标记）。
func (b *Builder) BuildReduce(ctx context.Context, t contract.Task, merged string) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var uw bytes.Buffer
	writeTask(&uw, t)
	uw.WriteString("Below are partial results produced for consecutive parts of one document.\n")
	uw.WriteString("Merge them into ONE result: remove duplicates, keep chronological/document order.\n\n")
	uw.WriteString("<partials>\n")
	uw.WriteString(merged)
	uw.WriteString("\n</partials>\n")
	writeRules(&uw, t.Shape)
	return b.chat(t, uw.String())
}

// BuildBatch: 逐条翻译；t.Instruction 为目标语言，t.Shape 期望恰好 len(items) 条字符串。
func (b *Builder) BuildBatch(ctx context.Context, t contract.Task, items []string) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch", contract.ErrInvalidInput)
	}
	if strings.TrimSpace(t.Instruction) == "" {
		return nil, fmt.Errorf("prompt: %w: missing target language", contract.ErrInvalidInput)
	}
	var uw bytes.Buffer
	uw.Grow(1024)
	fmt.Fprintf(&uw, "### Task: translate\nTarget language: %s\n\n", t.Instruction)
	uw.WriteString("<items>\n")
	writeItems(&uw, items)
	uw.WriteString("</items>\n")
	uw.WriteString("\nIMPORTANT OUTPUT RULES:\n")
	uw.WriteString("1) Translate every item independently; keep names, numbers and URLs unchanged.\n")
	uw.WriteString("2) Return ONLY strict JSON (no markdown, no code fences, no commentary).\n")
	fmt.Fprintf(&uw, "3) Schema: a JSON array of exactly %d strings, in item order.\n", len(items))
	return b.chat(t, uw.String())
}

// EstimateOverheadTokens: 估算与输入无关的固定开销（system+glossary+固定规则+典型 schema）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	sys, _ := b.system(contract.Task{})
	var fixed bytes.Buffer
	writeTask(&fixed, contract.Task{})
	fixed.WriteString("<input>\n\n</input>\n")
	writeRules(&fixed, contract.Shape{})
	return estimate(sys) + estimate(fixed.String()) + estimate(schema.JSON(contract.Shape{}))
}

var _ contract.PromptBuilder = (*Builder)(nil)

func (b *Builder) chat(t contract.Task, user string) (contract.Prompt, error) {
	sys, err := b.system(t)
	if err != nil {
		return nil, err
	}
	return contract.ChatPrompt([]contract.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: user},
		{Role: "json_schema", Content: schema.JSON(t.Shape)},
	}), nil
}

func (b *Builder) system(t contract.Task) (string, error) {
	var buf bytes.Buffer
	if err := b.sysT.Execute(&buf, tplData{Task: t.Name, Instruction: t.Instruction}); err != nil {
		return "", fmt.Errorf("system render: %v: %w", err, contract.ErrInvalidInput)
	}
	sys := buf.String()
	if b.glos != "" && t.Name == "translate" {
		// 术语表以 <glossary> 包裹追加至 system 尾部
		var sb strings.Builder
		sb.Grow(len(sys) + len(b.glos) + 32)
		sb.WriteString(sys)
		sb.WriteString("\n\n<glossary>\n")
		sb.WriteString(b.glos)
		if !strings.HasSuffix(b.glos, "\n") {
			sb.WriteByte('\n')
		}
		sb.WriteString("</glossary>")
		sys = sb.String()
	}
	return sys, nil
}

func writeTask(w *bytes.Buffer, t contract.Task) {
	w.WriteString("### Task: ")
	w.WriteString(t.Name)
	w.WriteByte('\n')
	if g, ok := guides[t.Name]; ok {
		w.WriteString(g)
		w.WriteByte('\n')
	}
	if t.Instruction != "" {
		w.WriteString(t.Instruction)
		w.WriteByte('\n')
	}
	w.WriteByte('\n')
}

func writeRules(w *bytes.Buffer, s contract.Shape) {
	w.WriteString("\nIMPORTANT OUTPUT RULES:\n")
	w.WriteString("1) Return ONLY strict JSON (no markdown, no code fences, no commentary).\n")
	if len(s.Fields) > 0 {
		names := make([]string, len(s.Fields))
		for i, f := range s.Fields {
			names[i] = strconv.Quote(f.Name)
		}
		fmt.Fprintf(w, "2) Top-level keys: %s.\n", strings.Join(names, ", "))
	}
}

// writeItems: 输出 <item id="...">\n<text>\n</item> 形式。
func writeItems(w *bytes.Buffer, items []string) {
	for i, s := range items {
		w.WriteString("<item id=\"")
		w.WriteString(strconv.Itoa(i))
		w.WriteString("\">\n")
		w.WriteString(s)
		w.WriteString("\n</item>\n")
	}
}

var guides = map[string]string{
	"summarize": "Summarize the page: a short title, a concise summary paragraph and the key points as a list.",
	"search":    "List products matching the query. Use real product pages; leave url empty when unsure.",
	"timeline":  "Extract dated events in chronological order. Each event needs a title and a date; leave url empty when unsure.",
}

// 默认 system 模板。
const defaultSystemTemplate = `
## Role Definition
You are a careful web content assistant. You read page text and answer with structured data only.

## I/O Protocol (Very Important)
- The user message names the task and wraps the source in <input>, <partials> or <items>.
- Never invent URLs. When a field is unknown, use an empty string.
- Output ONLY strict JSON following the requested schema; do not include markdown or code fences.
{{- if eq .Task "translate"}}
- Translate into {{.Instruction}}. If a <glossary> is present, its term mappings MUST take precedence.
{{- end}}
`
