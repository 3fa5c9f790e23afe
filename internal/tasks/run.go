package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"pagesmith/internal/align"
	"pagesmith/internal/chunk"
	"pagesmith/internal/diag"
	"pagesmith/internal/page"
	"pagesmith/pkg/contract"
)

// Job: 一次按文档批量执行的任务（summarize/timeline/translate）。
type Job struct {
	Task   string
	Lang   string
	Inputs []string
	Reader contract.Reader
	Writer contract.Writer
}

// 结果工件后缀。
const (
	SuffixSummary  = ".summary.json"
	SuffixTimeline = ".timeline.json"
	SuffixAlign    = ".align.json"
)

// SummaryArtifact / TimelineArtifact / AlignArtifact: 写出的 JSON 结构。
type SummaryArtifact struct {
	DocID           string   `json:"doc_id"`
	Summary         Summary  `json:"summary"`
	ResultKind      string   `json:"result_kind"`
	RecoveredFields []string `json:"recovered_fields,omitempty"`
}

type TimelineArtifact struct {
	DocID  string            `json:"doc_id"`
	Events []contract.Entity `json:"events"`
}

type AlignArtifact struct {
	DocID  string       `json:"doc_id"`
	Lang   string       `json:"lang"`
	Report align.Report `json:"report"`
}

// RunDocs 逐文档执行任务：Reader → 正文/页面 → 任务 → Writer。
// 文档之间严格顺序；任一文档失败即返回该错误（已写出的工件保留）。
func (h *Handler) RunDocs(ctx context.Context, job Job) error {
	switch job.Task {
	case NameSummarize, NameTimeline, NameTranslate:
	default:
		return fmt.Errorf("tasks: unknown task %q: %w", job.Task, contract.ErrInvalidInput)
	}
	if job.Reader == nil || job.Writer == nil {
		return fmt.Errorf("tasks: reader/writer missing: %w", contract.ErrInvalidInput)
	}
	rtimer := h.log.Start("reader", "iterate")
	docs := 0
	err := job.Reader.Iterate(ctx, job.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("read %s: %w", fid, err)
		}
		docs++
		return h.ForDoc(string(fid)).doc(ctx, job, fid, data)
	})
	if err != nil {
		code := diag.Classify(err)
		h.log.Error("reader", string(code), "iterate failed", nil)
		diag.IncOp("reader", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("reader", string(code))
		}
		return fmt.Errorf("reader iterate: %w", err)
	}
	rtimer.Finish("iterate", int64(docs))
	diag.IncOp("reader", "finish", "success")
	return nil
}

func (h *Handler) doc(ctx context.Context, job Job, fid contract.FileID, data []byte) (err error) {
	id := string(fid)
	start := time.Now()
	term := diag.GetTerminal()
	defer func() {
		if term != nil {
			term.DocFinish(err == nil, time.Since(start))
		}
		if err != nil {
			code := diag.Classify(err)
			h.log.ErrorWith(job.Task, string(code), "document failed", &start, id, "")
			diag.IncOp(job.Task, "error", "error")
			if code != diag.CodeUnknown {
				diag.IncError(job.Task, string(code))
			}
		}
	}()

	switch job.Task {
	case NameSummarize:
		text := sourceText(id, data)
		if term != nil {
			term.DocStart(id, h.plannedCalls(text))
		}
		sum, res, err := h.Summarize(ctx, text)
		if err != nil {
			return err
		}
		return h.writeJSON(ctx, job.Writer, id+SuffixSummary, SummaryArtifact{
			DocID: id, Summary: sum, ResultKind: res.Kind.String(), RecoveredFields: res.RecoveredFields,
		})

	case NameTimeline:
		text := sourceText(id, data)
		if term != nil {
			term.DocStart(id, h.plannedCalls(text))
		}
		events, err := h.Timeline(ctx, text)
		if err != nil {
			return err
		}
		if events == nil {
			events = []contract.Entity{}
		}
		return h.writeJSON(ctx, job.Writer, id+SuffixTimeline, TimelineArtifact{DocID: id, Events: events})

	default:
		d, outID, err := loadDocument(id, data)
		if err != nil {
			return err
		}
		if term != nil {
			n := len(d.Blocks(contract.CategoryHeading)) + len(d.Blocks(contract.CategoryParagraph))
			term.DocStart(id, ceilDiv(n, h.run.Settings().BatchSize))
		}
		rep, err := h.Translate(ctx, d, job.Lang)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := d.Render(&buf); err != nil {
			return err
		}
		if err := h.write(ctx, job.Writer, outID, &buf); err != nil {
			return err
		}
		return h.writeJSON(ctx, job.Writer, id+SuffixAlign, AlignArtifact{DocID: id, Lang: job.Lang, Report: rep})
	}
}

// plannedCalls 估算一篇正文的模型调用数（块数，多块时另加一次 reduce）。
func (h *Handler) plannedCalls(text string) int {
	set := h.run.Settings()
	cs, err := chunk.Split(text, set.MaxChunkBytes, set.Overlap)
	if err != nil || len(cs) == 0 {
		return 0
	}
	if len(cs) == 1 {
		return 1
	}
	return len(cs) + 1
}

func (h *Handler) writeJSON(ctx context.Context, w contract.Writer, id string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	return h.write(ctx, w, id, bytes.NewReader(append(b, '\n')))
}

func (h *Handler) write(ctx context.Context, w contract.Writer, id string, r io.Reader) error {
	timer := h.log.StartWith("writer", "write", id, "")
	if err := w.Write(ctx, contract.ArtifactID(id), r); err != nil {
		return fmt.Errorf("writer write %s: %w", id, err)
	}
	timer.Finish("write", 1)
	diag.IncOp("writer", "finish", "success")
	return nil
}

// IsHTML 按扩展名或首个非空白字符判断输入是否为 HTML。
func IsHTML(id string, data []byte) bool {
	switch strings.ToLower(path.Ext(id)) {
	case ".html", ".htm", ".xhtml":
		return true
	case ".md", ".markdown", ".txt":
		return false
	}
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("<"))
}

// sourceText: HTML 取正文（readability），其余原样作为文本。
func sourceText(id string, data []byte) string {
	if !IsHTML(id, data) {
		return string(data)
	}
	art, err := page.Readable(string(data), "")
	if err != nil {
		return string(data)
	}
	if art.Title != "" && !strings.HasPrefix(art.Text, art.Title) {
		return "# " + art.Title + "\n\n" + art.Text
	}
	return art.Text
}

// loadDocument 返回可对齐的文档与输出工件 ID；纯文本输入改写为 .html 输出。
func loadDocument(id string, data []byte) (*page.Document, string, error) {
	if IsHTML(id, data) {
		d, err := page.Parse(bytes.NewReader(data))
		return d, id, err
	}
	d, err := page.FromText(string(data))
	return d, strings.TrimSuffix(id, path.Ext(id)) + ".html", err
}

func ceilDiv(n, d int) int {
	if d <= 0 {
		return min(n, 1)
	}
	return (n + d - 1) / d
}
