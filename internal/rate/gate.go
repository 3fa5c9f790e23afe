package rate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"pagesmith/pkg/contract"
)

// LimitKey: 限流分组键（client + api key 摘要）。
type LimitKey string

// Limits: 每分组的限额。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限（输入+预期输出），0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 每次模型调用前的限流闸门（并发安全）。
type Gate interface {
	// Wait 阻塞直到额度可用或 ctx 取消；超过单请求上限时快速失败（ErrBudgetExceeded）。
	Wait(ctx context.Context, a Ask) error
	// Try 非阻塞尝试。
	Try(a Ask) bool
}

// NewGate 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newEntry(lim, now)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	lim Limits
	req bucket
	tok bucket
}

// bucket: 每分钟 cap 的令牌桶，按秒线性回填。
type bucket struct {
	cap   int
	level float64
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	return &entry{
		lim: lim,
		req: bucket{cap: max(lim.RPM, 0), level: float64(max(lim.RPM, 0)), last: now},
		tok: bucket{cap: max(lim.TPM, 0), level: float64(max(lim.TPM, 0)), last: now},
	}
}

func (b *bucket) refill(now time.Time) {
	// 时钟回拨视为无时间流逝
	if b.cap == 0 || !now.After(b.last) {
		return
	}
	b.level = math.Min(float64(b.cap), b.level+now.Sub(b.last).Seconds()*float64(b.cap)/60)
	b.last = now
}

func (b *bucket) ok(n int) bool { return b.cap == 0 || n <= 0 || b.level >= float64(n) }

func (b *bucket) take(n int) {
	if b.cap == 0 || n <= 0 {
		return
	}
	b.level = math.Max(0, b.level-float64(n))
}

// wait 返回攒够 n 还需的时间。
func (b *bucket) wait(n int) time.Duration {
	if b.ok(n) {
		return 0
	}
	need := float64(n) - b.level
	return time.Duration(need / (float64(b.cap) / 60) * float64(time.Second))
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 不限额
		e = newEntry(Limits{}, g.clk())
		g.m[key] = e
	}
	return e
}

func (g *gate) check(a Ask) (*entry, error) {
	if a.Requests <= 0 || a.Tokens < 0 {
		return nil, fmt.Errorf("rate: bad ask %+v: %w", a, contract.ErrInvalidInput)
	}
	e := g.get(a.Key)
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return nil, fmt.Errorf("rate: %d tokens over per-request max %d: %w", a.Tokens, e.lim.MaxTokensPerReq, contract.ErrBudgetExceeded)
	}
	// 超过每分钟容量的申请永远无法满足
	if (e.req.cap > 0 && a.Requests > e.req.cap) || (e.tok.cap > 0 && a.Tokens > e.tok.cap) {
		return nil, fmt.Errorf("rate: ask %+v over per-minute limits %+v: %w", a, e.lim, contract.ErrBudgetExceeded)
	}
	return e, nil
}

func (g *gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquire(g.clk(), a)
}

// acquire 须持有 e.mu。
func (e *entry) acquire(now time.Time, a Ask) bool {
	e.req.refill(now)
	e.tok.refill(now)
	if e.req.ok(a.Requests) && e.tok.ok(a.Tokens) {
		e.req.take(a.Requests)
		e.tok.take(a.Tokens)
		return true
	}
	return false
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e, err := g.check(a)
	if err != nil {
		return err
	}
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.mu.Lock()
		if e.acquire(g.clk(), a) {
			e.mu.Unlock()
			return nil
		}
		d := max(e.req.wait(a.Requests), e.tok.wait(a.Tokens)) + minSleep
		e.mu.Unlock()
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Gate = (*gate)(nil)
