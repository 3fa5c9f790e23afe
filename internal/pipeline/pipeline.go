package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"pagesmith/internal/chunk"
	"pagesmith/internal/diag"
	"pagesmith/internal/parse"
	"pagesmith/internal/prompt"
	"pagesmith/internal/rate"
	"pagesmith/pkg/contract"
)

// - 严格顺序：同一 Runner 任意时刻至多一个在途模型调用（semaphore 权重 1），第 i 块完成后才派发第 i+1 块。
// - 部分失败：单块/单批的传输失败以占位结果替代，不中止整体；仅拒答与全部失败上抛。
// - 取消：ctx 取消后不再派发；已完成的输出保留。
// - 限流：每次调用前等待 Gate；网络/限流类错误按 MaxRetries 重试。

// Settings 运行期配置。
type Settings struct {
	// 切块：单块最大字节数与相邻块重叠字节数（Overlap < MaxChunkBytes）
	MaxChunkBytes int
	Overlap       int
	// BatchSize: 逐条翻译时每批条目数（<=0 表示一批）
	BatchSize int
	// MaxRetries: 单次调用的最大重试次数（>=0），仅对网络/限流类错误生效
	MaxRetries int
	// RetryBackoff: 重试前的等待（默认 200ms）
	RetryBackoff time.Duration
	// BytesPerToken: token 估算参数（限流申请用）
	BytesPerToken int
	// Placeholder: 翻译批失败时的逐条占位文本
	Placeholder string
	// 限流闸门（可选）与分组键
	Gate    rate.Gate
	GateKey rate.LimitKey
}

// 缺省值。
const (
	DefaultMaxChunkBytes = 12000
	DefaultOverlap       = 200
	DefaultBatchSize     = 20
	DefaultPlaceholder   = "[unavailable]"
	partSeparator        = "\n\n----- PART %d/%d -----\n\n"
)

// Outcome 为一次结构化任务的结果与诊断。
type Outcome struct {
	Result contract.ParsedResult
	// Grounding: 全部回复中 grounding 候选的并集（按 URI 去重，保持首次出现顺序）
	Grounding []contract.GroundingCandidate
	Chunks    int
	Failed    int
	Truncated int
}

// Runner 驱动 切块 → 逐块调用 → 解析/修复 → 归并。
type Runner struct {
	llm   contract.LLMClient
	pb    contract.PromptBuilder
	set   Settings
	log   *diag.Logger
	est   contract.TokenEstimator
	sem   *semaphore.Weighted
	docID string
}

// New 校验依赖并补齐缺省设置。
func New(llm contract.LLMClient, pb contract.PromptBuilder, set Settings, logger *diag.Logger) (*Runner, error) {
	if llm == nil || pb == nil {
		return nil, errors.New("pipeline: missing components")
	}
	if set.MaxChunkBytes <= 0 {
		set.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if set.Overlap < 0 {
		set.Overlap = 0
	}
	if set.Overlap >= set.MaxChunkBytes {
		return nil, fmt.Errorf("pipeline: overlap %d must be smaller than max chunk bytes %d: %w", set.Overlap, set.MaxChunkBytes, contract.ErrInvalidInput)
	}
	if set.BatchSize <= 0 {
		set.BatchSize = DefaultBatchSize
	}
	if set.MaxRetries < 0 {
		set.MaxRetries = 0
	}
	if set.RetryBackoff <= 0 {
		set.RetryBackoff = 200 * time.Millisecond
	}
	if set.Placeholder == "" {
		set.Placeholder = DefaultPlaceholder
	}
	return &Runner{
		llm: llm,
		pb:  pb,
		set: set,
		log: logger,
		est: prompt.MakeEstimator(set.BytesPerToken),
		sem: semaphore.NewWeighted(1),
	}, nil
}

// ForDoc 返回共享同一调用闸门、日志带 doc_id 的 Runner。
func (r *Runner) ForDoc(docID string) *Runner {
	cp := *r
	cp.docID = docID
	return &cp
}

// Settings 返回补齐缺省值后的设置。
func (r *Runner) Settings() Settings { return r.set }

// Call 单次结构化调用（输入无需切块）。传输失败即返回错误（没有其他块可降级）。
func (r *Runner) Call(ctx context.Context, task contract.Task, input string) (Outcome, error) {
	out := Outcome{Chunks: 1}
	p, err := r.pb.Build(ctx, task, input)
	if err != nil {
		out.Result = contract.Unparsable("")
		return out, fmt.Errorf("prompt build: %w", err)
	}
	env, err := r.invoke(ctx, p, "1/1")
	if err != nil {
		out.Failed = 1
		out.Result = contract.Unparsable("")
		return out, r.fatal(ctx, err)
	}
	r.absorb(&out, env)
	out.Result = r.parse(env, task.Shape, "1/1")
	return out, nil
}

// ProcessInChunks 将 text 切块后逐块调用；多块时追加一次 reduce 调用归并。
func (r *Runner) ProcessInChunks(ctx context.Context, task contract.Task, text string) (Outcome, error) {
	chunks, err := chunk.Split(text, r.set.MaxChunkBytes, r.set.Overlap)
	if err != nil {
		return Outcome{Result: contract.Unparsable(text)}, fmt.Errorf("split: %w", err)
	}
	n := len(chunks)
	out := Outcome{Chunks: n}
	timer := r.log.StartWithKV("pipeline", "chunks", r.docID, "", map[string]string{
		"task":   task.Name,
		"chunks": fmt.Sprintf("%d", n),
		"max":    fmt.Sprintf("%d", r.set.MaxChunkBytes),
	})
	outputs := make([]string, n)
	results := make([]contract.ParsedResult, 0, n)
	var lastErr error
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			out.Result = contract.Unparsable(strings.Join(outputs, "\n"))
			return out, err
		}
		part := fmt.Sprintf("%d/%d", i+1, n)
		p, err := r.pb.BuildChunk(ctx, task, c, i, n)
		if err != nil {
			out.Result = contract.Unparsable(strings.Join(outputs, "\n"))
			return out, fmt.Errorf("prompt build chunk %s: %w", part, err)
		}
		env, err := r.invoke(ctx, p, part)
		if err != nil {
			if ferr := r.fatal(ctx, err); !errors.Is(ferr, contract.ErrTransport) {
				out.Result = contract.Unparsable(strings.Join(outputs, "\n"))
				return out, ferr
			}
			// 单块失败：以哨兵文本替代，继续后续块
			lastErr = err
			out.Failed++
			outputs[i] = fmt.Sprintf("[chunk %d/%d unavailable]", i+1, n)
			r.log.Warn("pipeline", string(diag.Classify(err)), "chunk replaced by sentinel", map[string]string{"part": part})
			diag.IncOp("pipeline", "chunk", "degraded")
			r.progress(i+1, n, out.Failed)
			continue
		}
		r.absorb(&out, env)
		outputs[i] = env.RawText
		results = append(results, r.parse(env, task.Shape, part))
		diag.IncOp("pipeline", "chunk", "success")
		r.progress(i+1, n, out.Failed)
	}
	if out.Failed == n {
		out.Result = contract.Unparsable(strings.Join(outputs, "\n"))
		return out, fmt.Errorf("all %d chunks failed: %v: %w", n, lastErr, contract.ErrTransport)
	}
	if n == 1 {
		out.Result = results[0]
		timer.Finish("single chunk", 1)
		return out, nil
	}

	merged := JoinParts(outputs)
	p, err := r.pb.BuildReduce(ctx, task, merged)
	if err != nil {
		out.Result = contract.Unparsable(merged)
		return out, fmt.Errorf("prompt build reduce: %w", err)
	}
	env, err := r.invoke(ctx, p, "reduce")
	if err != nil {
		if ferr := r.fatal(ctx, err); !errors.Is(ferr, contract.ErrTransport) {
			out.Result = contract.Unparsable(merged)
			return out, ferr
		}
		// reduce 失败：本地归并各块结果
		r.log.Warn("pipeline", string(diag.Classify(err)), "reduce failed, merging locally", nil)
		diag.IncOp("pipeline", "reduce", "degraded")
		out.Result = MergeLocal(results, task.Shape, merged)
		timer.Finish("merged locally", int64(n))
		return out, nil
	}
	r.absorb(&out, env)
	out.Result = r.parse(env, task.Shape, "reduce")
	if !out.Result.OK() {
		// reduce 回复无法解析：同样退回本地归并
		r.log.Warn("pipeline", string(diag.CodeProtocol), "reduce unparsable, merging locally", nil)
		diag.IncOp("pipeline", "reduce", "degraded")
		out.Result = MergeLocal(results, task.Shape, merged)
		timer.Finish("merged locally", int64(n))
		return out, nil
	}
	diag.IncOp("pipeline", "reduce", "success")
	timer.Finish("reduced", int64(n))
	return out, nil
}

// TranslateBatches 将 items 按批逐条翻译。返回值长度恒等于 len(items) 且按位置对齐：
// 调用失败或条数不符的批整批替换为占位文本。ctx 取消时未派发的批同样以占位补齐，并返回 ctx.Err()。
func (r *Runner) TranslateBatches(ctx context.Context, task contract.Task, items []string, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		batchSize = r.set.BatchSize
	}
	groups := chunk.BatchList(items, batchSize)
	out := make([]string, 0, len(items))
	pad := func(g []string) {
		for range g {
			out = append(out, r.set.Placeholder)
		}
	}
	padRest := func(from int) {
		for _, g := range groups[from:] {
			pad(g)
		}
	}
	failed := 0
	timer := r.log.StartWithKV("pipeline", "batches", r.docID, "", map[string]string{
		"items":   fmt.Sprintf("%d", len(items)),
		"batches": fmt.Sprintf("%d", len(groups)),
	})
	for bi, g := range groups {
		if err := ctx.Err(); err != nil {
			padRest(bi)
			return out, err
		}
		part := fmt.Sprintf("%d/%d", bi+1, len(groups))
		t := task
		t.Shape = contract.StringList(len(g))
		p, err := r.pb.BuildBatch(ctx, t, g)
		if err != nil {
			padRest(bi)
			return out, fmt.Errorf("prompt build batch %s: %w", part, err)
		}
		env, err := r.invoke(ctx, p, part)
		if err != nil {
			if ferr := r.fatal(ctx, err); !errors.Is(ferr, contract.ErrTransport) {
				padRest(bi)
				return out, ferr
			}
			failed++
			pad(g)
			diag.IncOp("pipeline", "batch", "degraded")
			r.progress(bi+1, len(groups), failed)
			continue
		}
		texts, ok := parse.Texts(r.parse(env, t.Shape, part))
		if !ok || len(texts) != len(g) {
			r.log.Warn("pipeline", string(diag.CodeProtocol), "batch count mismatch, placeholders substituted", map[string]string{
				"part": part,
				"want": fmt.Sprintf("%d", len(g)),
				"got":  fmt.Sprintf("%d", len(texts)),
			})
			failed++
			pad(g)
			diag.IncOp("pipeline", "batch", "degraded")
			r.progress(bi+1, len(groups), failed)
			continue
		}
		out = append(out, texts...)
		diag.IncOp("pipeline", "batch", "success")
		r.progress(bi+1, len(groups), failed)
	}
	timer.Finish("batches done", int64(len(out)))
	return out, nil
}

// IsPlaceholder 报告文本是否为本 Runner 的翻译占位。
func (r *Runner) IsPlaceholder(s string) bool { return s == r.set.Placeholder }

// invoke 串行化一次模型调用：占用闸门 → 限流等待 → 调用（按需重试）。
// 拒答（FinishRefused）以 ErrModelRefusal 返回。
func (r *Runner) invoke(ctx context.Context, p contract.Prompt, part string) (contract.ResponseEnvelope, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return contract.ResponseEnvelope{}, err
	}
	defer r.sem.Release(1)

	tokens := prompt.PromptTokens(p, r.est)
	attempts := r.set.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if r.set.Gate != nil {
			if err := r.set.Gate.Wait(ctx, rate.Ask{Key: r.set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				r.fail("gate", "wait failed", err, part, nil)
				return contract.ResponseEnvelope{}, err // 限流错误不重试（取消或超预算）
			}
		}
		timer := r.log.StartWithKV("llm_client", "invoke", r.docID, part, map[string]string{
			"tokens":  fmt.Sprintf("%d", tokens),
			"attempt": fmt.Sprintf("%d", attempt+1),
		})
		env, err := r.llm.Invoke(ctx, p)
		if err != nil {
			r.fail("llm_client", "invoke failed", err, part, upstreamKV(err))
			lastErr = err
			if attempt+1 < attempts && shouldRetryInvoke(err) {
				if serr := sleepWithCtx(ctx, r.set.RetryBackoff); serr != nil {
					return contract.ResponseEnvelope{}, serr
				}
				continue
			}
			return contract.ResponseEnvelope{}, lastErr
		}
		timer.Finish("invoke", int64(len(env.RawText)))
		diag.IncOp("llm_client", "finish", "success")
		switch env.Finish {
		case contract.FinishRefused:
			err := fmt.Errorf("part %s: %w", part, contract.ErrModelRefusal)
			r.fail("llm_client", "model refused", err, part, nil)
			return env, err
		case contract.FinishTruncated:
			r.log.Warn("llm_client", "truncated", "reply truncated, repair path expected", map[string]string{"part": part})
			diag.IncOp("llm_client", "truncated", "degraded")
		}
		return env, nil
	}
	return contract.ResponseEnvelope{}, lastErr
}

// fatal 判定调用错误的去向：拒答与取消原样上抛；其余归为传输失败（可降级）。
func (r *Runner) fatal(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, contract.ErrModelRefusal):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, contract.ErrTransport):
		return err
	default:
		return fmt.Errorf("%w: %w", err, contract.ErrTransport)
	}
}

func (r *Runner) parse(env contract.ResponseEnvelope, shape contract.Shape, part string) contract.ParsedResult {
	res := parse.ParseEnvelope(env, shape)
	if res.Kind != contract.KindStructured {
		r.log.Warn("parser", res.Kind.String(), "structured parse degraded", map[string]string{
			"part":      part,
			"recovered": strings.Join(res.RecoveredFields, ","),
		})
	}
	diag.IncOp("parser", "finish", res.Kind.String())
	return res
}

func (r *Runner) absorb(out *Outcome, env contract.ResponseEnvelope) {
	if env.Finish == contract.FinishTruncated {
		out.Truncated++
	}
	for _, g := range env.Grounding {
		dup := false
		for _, have := range out.Grounding {
			if have.URI == g.URI {
				dup = true
				break
			}
		}
		if !dup && g.URI != "" {
			out.Grounding = append(out.Grounding, g)
		}
	}
}

func (r *Runner) fail(comp, msg string, err error, part string, kv map[string]string) {
	code := diag.Classify(err)
	r.log.ErrorWithKV(comp, string(code), msg+": "+err.Error(), nil, r.docID, part, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func (r *Runner) progress(done, total, failed int) {
	if t := diag.GetTerminal(); t != nil {
		t.DocProgress(done, total, failed)
	}
}

func upstreamKV(err error) map[string]string {
	var ue contract.UpstreamError
	if !errors.As(err, &ue) {
		return nil
	}
	kv := map[string]string{"http_status": fmt.Sprintf("%d", ue.UpstreamStatus())}
	if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
		if len(m) > 200 {
			m = m[:200]
		}
		kv["upstream_msg"] = m
	}
	return kv
}

// JoinParts 以显式分隔标记拼接各块输出（reduce 调用的输入）。
func JoinParts(outputs []string) string {
	var sb strings.Builder
	for i, o := range outputs {
		fmt.Fprintf(&sb, partSeparator, i+1, len(outputs))
		sb.WriteString(o)
	}
	return sb.String()
}

// shouldRetryInvoke: 根据错误类型判断是否重试模型调用。
// - 取消/超时、拒答：不重试；
// - 预算/限流、网络类：重试；
// - 其他：不重试。
func shouldRetryInvoke(err error) bool {
	if err == nil {
		return false
	}
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork:
		return true
	default:
		return false
	}
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
