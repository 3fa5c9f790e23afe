// Package scan 提供基于深度与字符串/转义状态机的平衡结构扫描，解析与修复共用。
package scan

// Balanced 自 s[start]（须为 open）向后扫描，返回与之配对的 close 下标。
// 字符串内的字符不影响深度；引号前有奇数个反斜杠时不切换字符串状态。
// 输入在深度归零前结束时返回 ok=false（通常意味着截断）。
func Balanced(s string, start int, open, close byte) (end int, ok bool) {
	if start < 0 || start >= len(s) || s[start] != open {
		return -1, false
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return -1, false
}

// Objects 提取 s 中所有顶层的平衡 {...} 子串（按出现顺序）。
// 遇到未闭合的对象即停止；顶层字符串内的花括号被忽略。
func Objects(s string) []string {
	var out []string
	inStr := false
	esc := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			end, ok := Balanced(s, i, '{', '}')
			if !ok {
				return out
			}
			out = append(out, s[i:end+1])
			i = end
		}
	}
	return out
}

// Strings 返回 s 中所有完整的字符串字面量（含引号），未闭合的尾部字符串被丢弃。
// 仅统计不在嵌套结构内的字面量（相对 s 的深度 <= 1）。
func Strings(s string) []string {
	var out []string
	depth := 0
	begin := -1
	esc := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if begin >= 0 {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				if depth <= 1 {
					out = append(out, s[begin:i+1])
				}
				begin = -1
			}
			continue
		}
		switch c {
		case '"':
			begin = i
		case '[', '{':
			depth++
		case ']', '}':
			depth--
		}
	}
	return out
}

// TopLevel 以 s[0]（根的起始字符）为基准，将深度 >= 2 的内容替换为空格，
// 长度与下标保持不变。用于在根层定位字段，避免命中嵌套对象中的同名键。
func TopLevel(s string) string {
	b := []byte(s)
	depth := 0
	inStr := false
	esc := false
	for i := 0; i < len(b); i++ {
		c := b[i]
		masked := depth >= 2
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
		} else {
			switch c {
			case '"':
				inStr = true
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				masked = depth >= 2
			}
		}
		if masked {
			b[i] = ' '
		}
	}
	return string(b)
}
