// Package chunk 将超长文本或列表切分为有界片段，供多次模型调用使用。
package chunk

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"pagesmith/pkg/contract"
)

// Split 将 text 切分为不超过 maxSize 字节的有序 Chunk。
//   - len(text) <= maxSize：返回覆盖全文的单块；
//   - 否则在窗口后半段内自 start+maxSize 向后回溯，优先级：标题 → 段落 → 句末 → 原始切点；
//   - 下一块起点为 end-overlap（不小于 0），保证 Start 严格递增。
//
// overlap 必须满足 0 <= overlap < maxSize。
func Split(text string, maxSize, overlap int) ([]contract.Chunk, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("chunk: %w: max size must be > 0", contract.ErrInvalidInput)
	}
	if overlap < 0 || overlap >= maxSize {
		return nil, fmt.Errorf("chunk: %w: overlap %d must be in [0,%d)", contract.ErrInvalidInput, overlap, maxSize)
	}
	if len(text) <= maxSize {
		return []contract.Chunk{{Text: text, Start: 0, End: len(text)}}, nil
	}
	var out []contract.Chunk
	start := 0
	for {
		end := start + maxSize
		if end >= len(text) {
			out = append(out, contract.Chunk{Text: text[start:], Start: start, End: len(text)})
			return out, nil
		}
		// 回溯下界：窗口后半段，且切点减去 overlap 后仍须前进
		lower := start + maxSize/2
		if lower <= start+overlap {
			lower = start + overlap + 1
		}
		cut := boundary(text, lower, end)
		out = append(out, contract.Chunk{Text: text[start:cut], Start: start, End: cut})
		next := cut - overlap
		if next < 0 {
			next = 0
		}
		for next < cut && !utf8.RuneStart(text[next]) {
			next++
		}
		start = next
	}
}

// boundary 在 text[lower:end] 内寻找切点（返回值为下一块之前的结束偏移）。
func boundary(text string, lower, end int) int {
	win := text[lower:end]
	// 标题：行首 '#'，切在标题行开头
	if i := strings.LastIndex(win, "\n#"); i >= 0 {
		return lower + i + 1
	}
	// 段落：切在空行之后
	if i := strings.LastIndex(win, "\n\n"); i >= 0 {
		return lower + i + 2
	}
	if i := sentenceEnd(text, lower, end); i > 0 {
		return i
	}
	// 原始切点：回退到 UTF-8 字符边界
	cut := end
	for cut > lower && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == lower {
		return end
	}
	return cut
}

// sentenceEnd 返回 text[lower:end] 中最后一个句末标点之后的偏移；未找到返回 0。
// ASCII 标点需后随空白，全角标点无此要求。调用方保证 end < len(text)。
func sentenceEnd(text string, lower, end int) int {
	for i := end; i > lower; {
		r, size := utf8.DecodeLastRuneInString(text[lower:i])
		switch r {
		case '。', '！', '？':
			return i
		case '.', '!', '?':
			if isSpace(text[i]) {
				return i
			}
		}
		i -= size
	}
	return 0
}

func isSpace(b byte) bool { return b == ' ' || b == '\n' || b == '\t' || b == '\r' }

// BatchList 将有序列表切为连续、无重叠的定长分组（末组可能更短）。
// size <= 0 时视为单组。
func BatchList[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		j := i + size
		if j > len(items) {
			j = len(items)
		}
		out = append(out, items[i:j:j])
	}
	return out
}
