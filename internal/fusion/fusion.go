// Package fusion 将模型声明的实体与独立来源的 grounding 候选对账：
// 为缺少可信 URL 的实体匹配候选，并把未被使用的候选提升为最小实体。
// 纯函数：已使用集合是一次调用内的局部状态，不修改入参。
package fusion

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"pagesmith/pkg/contract"
)

// Options 为对账阈值（缺省值见 DefaultOptions）。
type Options struct {
	// MinScore: 候选被采纳的最低得分
	MinScore int
	// MaxEntities: 输出上限（含提升的实体）
	MaxEntities int
	// Kind: 提升实体的类别；决定从候选标题中解析价格还是日期
	Kind contract.EntityKind
}

// DefaultOptions 返回经验阈值：得分 >= 3，最多 10 个实体。
func DefaultOptions(kind contract.EntityKind) Options {
	return Options{MinScore: 3, MaxEntities: 10, Kind: kind}
}

// 打分权重。
const (
	scoreSourceEqual    = 10
	scoreSourceContains = 5
	scorePerToken       = 2
	minTokenRunes       = 4 // 长度 > 3
)

// Fuse 执行对账：
//  1. 已带可信 URL 的实体消费与之 URI 相同的候选；
//  2. 其余实体对未使用候选打分，取最高分（>= MinScore，平分取先出现者）；不够分则 URL 留空；
//  3. 实体按 URL 去重并截断到 MaxEntities；
//  4. 剩余候选按出现顺序提升为最小实体，补足到 MaxEntities，跳过已出现的 URI。
func Fuse(entities []contract.Entity, candidates []contract.GroundingCandidate, opts Options) []contract.Entity {
	if opts.MaxEntities <= 0 {
		opts.MaxEntities = DefaultOptions(opts.Kind).MaxEntities
	}
	used := make([]bool, len(candidates))
	out := make([]contract.Entity, 0, len(entities)+len(candidates))
	for _, e := range entities {
		if strings.TrimSpace(e.Title) == "" {
			continue
		}
		out = append(out, e)
	}

	pending := make([]int, 0, len(out))
	for i := range out {
		if !Confident(out[i].URL) {
			out[i].URL = ""
			pending = append(pending, i)
			continue
		}
		for ci, c := range candidates {
			if !used[ci] && c.URI == out[i].URL {
				used[ci] = true
				if out[i].SourceName == "" {
					out[i].SourceName = c.SourceName
				}
				break
			}
		}
	}

	for _, i := range pending {
		best, bestScore := -1, 0
		for ci, c := range candidates {
			if used[ci] || c.URI == "" {
				continue
			}
			if s := Score(out[i], c); s >= opts.MinScore && s > bestScore {
				best, bestScore = ci, s
			}
		}
		if best < 0 {
			continue
		}
		used[best] = true
		out[i].URL = candidates[best].URI
		if out[i].SourceName == "" {
			out[i].SourceName = candidates[best].SourceName
		}
	}

	out = dedupe(out, opts.MaxEntities)
	seen := make(map[string]bool, len(out))
	for _, e := range out {
		if e.URL != "" {
			seen[e.URL] = true
		}
	}

	room := opts.MaxEntities - len(out)
	for ci, c := range candidates {
		if room <= 0 {
			break
		}
		if used[ci] || c.URI == "" || seen[c.URI] {
			continue
		}
		e, ok := Promote(c, opts.Kind)
		if !ok {
			continue
		}
		used[ci] = true
		seen[c.URI] = true
		out = append(out, e)
		room--
	}
	return out
}

// Confident 报告 URL 是否为带主机名的绝对 http(s) 地址。
func Confident(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Score 计算实体与候选的匹配得分。
func Score(e contract.Entity, c contract.GroundingCandidate) int {
	score := 0
	a, b := NormalizeSource(e.SourceName), NormalizeSource(c.SourceName)
	switch {
	case a == "" || b == "":
	case a == b:
		score += scoreSourceEqual
	case strings.Contains(a, b) || strings.Contains(b, a):
		score += scoreSourceContains
	}
	ct := tokens(c.Title)
	for t := range tokens(e.Title) {
		if _, ok := ct[t]; ok {
			score += scorePerToken
		}
	}
	return score
}

// NormalizeSource 归一化站点名："www.Amazon.com" → "amazon"。
func NormalizeSource(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		s = u.Host
	}
	s = strings.TrimPrefix(s, "www.")
	if i := strings.LastIndexByte(s, '.'); i > 0 && !strings.ContainsRune(s[i:], ' ') {
		s = s[:i]
		// 二级后缀：amazon.co.uk / example.com.au
		s = strings.TrimSuffix(strings.TrimSuffix(s, ".co"), ".com")
	}
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// tokens 返回标题中长度 > 3 的小写词集合。
func tokens(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if utf8.RuneCountInString(f) >= minTokenRunes {
			out[f] = struct{}{}
		}
	}
	return out
}

func dedupe(in []contract.Entity, limit int) []contract.Entity {
	seen := make(map[string]bool, len(in))
	out := make([]contract.Entity, 0, min(len(in), limit))
	for _, e := range in {
		if len(out) == limit {
			break
		}
		if e.URL != "" {
			if seen[e.URL] {
				continue
			}
			seen[e.URL] = true
		}
		out = append(out, e)
	}
	return out
}
