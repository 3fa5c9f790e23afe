// Package tasks 为摘要、检索、时间线与翻译四类请求编排核心流水线：
// 切块调用与归并、grounding 融合、译文对齐。
package tasks

import (
	"context"
	"errors"
	"fmt"

	"pagesmith/internal/align"
	"pagesmith/internal/diag"
	"pagesmith/internal/fusion"
	"pagesmith/internal/pipeline"
	"pagesmith/pkg/contract"
)

// Thresholds: 经验阈值，均可由配置覆盖。
type Thresholds struct {
	GroundingMinScore  int
	MaxEntities        int
	AlignMinSimilarity float64
	MinBlockLength     int
}

// DefaultThresholds 返回缺省阈值。
func DefaultThresholds() Thresholds {
	f, a := fusion.DefaultOptions(""), align.DefaultOptions()
	return Thresholds{
		GroundingMinScore:  f.MinScore,
		MaxEntities:        f.MaxEntities,
		AlignMinSimilarity: a.MinSimilarity,
		MinBlockLength:     a.MinBlockLength,
	}
}

func (t Thresholds) fusion(kind contract.EntityKind) fusion.Options {
	return fusion.Options{MinScore: t.GroundingMinScore, MaxEntities: t.MaxEntities, Kind: kind}
}

func (t Thresholds) align() align.Options {
	return align.Options{MinSimilarity: t.AlignMinSimilarity, MinBlockLength: t.MinBlockLength}
}

// Handler 持有共享的 Runner（同一时刻至多一个在途模型调用）。
type Handler struct {
	run *pipeline.Runner
	th  Thresholds
	log *diag.Logger
}

// New 创建任务处理器。
func New(run *pipeline.Runner, th Thresholds, logger *diag.Logger) (*Handler, error) {
	if run == nil {
		return nil, errors.New("tasks: runner is nil")
	}
	return &Handler{run: run, th: th, log: logger}, nil
}

// ForDoc 返回日志带 doc_id 的处理器，调用闸门不变。
func (h *Handler) ForDoc(docID string) *Handler {
	cp := *h
	cp.run = h.run.ForDoc(docID)
	return &cp
}

// Summarize 对正文切块摘要。无结构结果时以模型原文作为摘要正文，不报错。
func (h *Handler) Summarize(ctx context.Context, text string) (Summary, contract.ParsedResult, error) {
	task := contract.Task{Name: NameSummarize, Shape: SummaryShape}
	out, err := h.run.ProcessInChunks(ctx, task, text)
	if err != nil {
		return Summary{}, out.Result, fmt.Errorf("summarize: %w", err)
	}
	h.degraded(NameSummarize, out)
	return summaryOf(out.Result), out.Result, nil
}

// Search 单次调用检索商品；模型给出的实体与回复中的 grounding 候选融合。
func (h *Handler) Search(ctx context.Context, query string) ([]contract.Entity, error) {
	task := contract.Task{Name: NameSearch, Shape: ProductsShape}
	out, err := h.run.Call(ctx, task, query)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	h.degraded(NameSearch, out)
	ents := entitiesOf(out.Result, "products", contract.EntityProduct)
	return h.fuse(NameSearch, ents, out.Grounding, contract.EntityProduct), nil
}

// Timeline 从正文抽取时间线事件（切块 + 归并），再与 grounding 融合。
func (h *Handler) Timeline(ctx context.Context, text string) ([]contract.Entity, error) {
	task := contract.Task{Name: NameTimeline, Shape: TimelineShape}
	out, err := h.run.ProcessInChunks(ctx, task, text)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	h.degraded(NameTimeline, out)
	ents := entitiesOf(out.Result, "events", contract.EntityEvent)
	return h.fuse(NameTimeline, ents, out.Grounding, contract.EntityEvent), nil
}

// Translate 收集未处理的标题与段落文本，分批翻译后对齐回内容块。
// 批失败以占位补齐，占位不参与对齐；出错时已对齐的块保持写入。
func (h *Handler) Translate(ctx context.Context, src contract.ContentSource, lang string) (align.Report, error) {
	var items []string
	for _, cat := range []contract.BlockCategory{contract.CategoryHeading, contract.CategoryParagraph} {
		for _, b := range src.Blocks(cat) {
			if !b.Processed() {
				items = append(items, b.Text())
			}
		}
	}
	if len(items) == 0 {
		return align.Report{}, nil
	}
	task := contract.Task{Name: NameTranslate, Instruction: lang}
	outs, err := h.run.TranslateBatches(ctx, task, items, 0)
	pairs := align.Pairs(items, outs, h.run.IsPlaceholder)
	rep := align.Run(src, pairs, h.th.align())
	if rep.Missed > 0 || rep.Unused > 0 {
		h.log.Warn("align", "miss", "some blocks were not aligned", map[string]string{
			"applied": fmt.Sprintf("%d", rep.Applied),
			"missed":  fmt.Sprintf("%d", rep.Missed),
			"unused":  fmt.Sprintf("%d", rep.Unused),
		})
	}
	diag.IncOp("align", "finish", "success")
	if err != nil {
		return rep, fmt.Errorf("translate: %w", err)
	}
	return rep, nil
}

func (h *Handler) fuse(name string, ents []contract.Entity, cands []contract.GroundingCandidate, kind contract.EntityKind) []contract.Entity {
	out := fusion.Fuse(ents, cands, h.th.fusion(kind))
	linked := 0
	for _, e := range out {
		if e.URL != "" {
			linked++
		}
	}
	h.log.DebugStart("fusion", name, "", "", map[string]string{
		"entities":   fmt.Sprintf("%d", len(ents)),
		"candidates": fmt.Sprintf("%d", len(cands)),
		"output":     fmt.Sprintf("%d", len(out)),
		"linked":     fmt.Sprintf("%d", linked),
	})
	diag.IncOp("fusion", "finish", "success")
	return out
}

// degraded 记录降级结果（修复或无结构），便于诊断。
func (h *Handler) degraded(name string, out pipeline.Outcome) {
	if out.Result.Kind == contract.KindStructured && out.Failed == 0 {
		return
	}
	h.log.Warn(name, string(diag.CodeProtocol), "result degraded", map[string]string{
		"kind":      out.Result.Kind.String(),
		"recovered": fmt.Sprintf("%v", out.Result.RecoveredFields),
		"failed":    fmt.Sprintf("%d/%d", out.Failed, out.Chunks),
	})
}
