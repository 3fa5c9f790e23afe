// Package align 将译文对齐回页面上的原始内容块。
// 对每个未处理的块，在未消费的 AlignmentPair 中选相似度最高者写入；
// 已消费集合即 pairs 上的 Consumed 标记，仅在一次调用内推进。
package align

import (
	"strings"
	"unicode/utf8"

	"pagesmith/pkg/contract"
)

// Options 为对齐阈值（缺省值见 DefaultOptions）。
type Options struct {
	// MinSimilarity: 包含关系下 短/长 长度比须严格大于该值
	MinSimilarity float64
	// MinBlockLength: 归一化后短于该长度（rune）的块不参与对齐
	MinBlockLength int
}

// DefaultOptions: 相似度 > 0.5，块长 >= 2。
func DefaultOptions() Options {
	return Options{MinSimilarity: 0.5, MinBlockLength: 2}
}

// Report: 一次对齐的诊断计数。
type Report struct {
	Applied int `json:"applied"`
	Missed  int `json:"missed"`
	Skipped int `json:"skipped"`
	// Unused: 结束时仍未消费的 pair 数
	Unused int `json:"unused"`
}

// Add 累加另一份报告（Unused 取后者，pairs 在各轮之间共享）。
func (r Report) Add(o Report) Report {
	return Report{
		Applied: r.Applied + o.Applied,
		Missed:  r.Missed + o.Missed,
		Skipped: r.Skipped + o.Skipped,
		Unused:  o.Unused,
	}
}

// Align 按块顺序逐一匹配：
//   - 已处理或过短的块计入 Skipped；
//   - 归一化后完全相等得分 1，立即采纳；
//   - 否则一方包含另一方时得分 = 短/长，仅接受 > MinSimilarity；
//   - 取最高分（平分取先出现的 pair），置 Consumed 并 Apply 译文；
//   - 无可接受匹配的块保持不变，计入 Missed。
func Align(blocks []contract.Block, pairs []contract.AlignmentPair, opts Options) Report {
	var rep Report
	norms := make([]string, len(pairs))
	for i := range pairs {
		norms[i] = Normalize(pairs[i].Original)
	}
	for _, b := range blocks {
		if b == nil || b.Processed() {
			rep.Skipped++
			continue
		}
		text := Normalize(b.Text())
		if utf8.RuneCountInString(text) < opts.MinBlockLength || text == "" {
			rep.Skipped++
			continue
		}
		best, bestScore := -1, 0.0
		for i := range pairs {
			if pairs[i].Consumed || norms[i] == "" {
				continue
			}
			s := Similarity(text, norms[i])
			if s == 1 {
				best = i
				break
			}
			if s > opts.MinSimilarity && s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			rep.Missed++
			continue
		}
		pairs[best].Consumed = true
		b.Apply(pairs[best].Translated)
		rep.Applied++
	}
	for i := range pairs {
		if !pairs[i].Consumed {
			rep.Unused++
		}
	}
	return rep
}

// Run 先对标题块、再对段落块各执行一次 Align，pairs 跨两轮共享。
func Run(src contract.ContentSource, pairs []contract.AlignmentPair, opts Options) Report {
	h := Align(src.Blocks(contract.CategoryHeading), pairs, opts)
	p := Align(src.Blocks(contract.CategoryParagraph), pairs, opts)
	return h.Add(p)
}

// Normalize 折叠空白并转小写。
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Similarity 计算两个已归一化文本的相似度：相等为 1；
// 一方包含另一方时为 短/长 的 rune 长度比；否则 0。
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	if !strings.Contains(a, b) && !strings.Contains(b, a) {
		return 0
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	return float64(min(la, lb)) / float64(max(la, lb))
}

// Pairs 由原文与译文按下标组装 AlignmentPair；占位译文（skip 返回 true）不参与对齐。
func Pairs(originals, translated []string, skip func(string) bool) []contract.AlignmentPair {
	n := min(len(originals), len(translated))
	out := make([]contract.AlignmentPair, 0, n)
	for i := 0; i < n; i++ {
		if skip != nil && skip(translated[i]) {
			continue
		}
		out = append(out, contract.AlignmentPair{Original: originals[i], Translated: translated[i]})
	}
	return out
}
