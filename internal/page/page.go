// Package page 在 HTML 文档上提供活动内容块（contract.ContentSource），
// 并负责写回译文与渲染。块写入后带 data-pagesmith="translated" 标记，
// 重复执行对齐时据此跳过。
package page

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"pagesmith/pkg/contract"
)

// MarkAttr/MarkValue: 已写入译文的元素标记。
const (
	MarkAttr  = "data-pagesmith"
	MarkValue = "translated"
)

var (
	headingTags   = map[string]bool{"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true}
	paragraphTags = map[string]bool{"p": true, "li": true, "blockquote": true, "figcaption": true, "td": true, "dd": true}
	// 不属于正文的子树
	skipTags = map[string]bool{"script": true, "style": true, "noscript": true, "template": true, "svg": true, "head": true}
)

// Document: 一份已解析的 HTML 文档。非并发安全。
type Document struct {
	root *html.Node
}

// Parse 解析 HTML 文档。
func Parse(r io.Reader) (*Document, error) {
	n, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %v: %w", err, contract.ErrInvalidInput)
	}
	return &Document{root: n}, nil
}

// Blocks 按文档顺序返回某类别的块。段落类只取最内层元素
// （<li><p>x</p></li> 只返回 p），避免同一段文本被写两次。
func (d *Document) Blocks(cat contract.BlockCategory) []contract.Block {
	tags := paragraphTags
	if cat == contract.CategoryHeading {
		tags = headingTags
	}
	var out []contract.Block
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}
		if n.Type == html.ElementNode && tags[n.Data] && !hasDescendant(n, tags) {
			if strings.TrimSpace(textOf(n)) != "" {
				out = append(out, &element{n: n})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	return out
}

// Texts 返回某类别块的文本（顺序同 Blocks）。
func (d *Document) Texts(cat contract.BlockCategory) []string {
	bs := d.Blocks(cat)
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.Text()
	}
	return out
}

// Title 返回 <title> 文本。
func (d *Document) Title() string {
	if n := find(d.root, "title"); n != nil {
		return collapse(textOf(n))
	}
	return ""
}

// Text 返回 body 的纯文本，块之间以空行分隔；Readable 失败时作为退路。
func (d *Document) Text() string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteByte(' ')
			}
			return
		case html.ElementNode:
			if skipTags[n.Data] || n.Data == "nav" || n.Data == "footer" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && (headingTags[n.Data] || paragraphTags[n.Data] || n.Data == "div" || n.Data == "br") {
			sb.WriteString("\n\n")
		}
	}
	walk(d.root)
	var paras []string
	for _, p := range strings.Split(sb.String(), "\n\n") {
		if p = collapse(p); p != "" {
			paras = append(paras, p)
		}
	}
	return strings.Join(paras, "\n\n")
}

// Render 写出 HTML。
func (d *Document) Render(w io.Writer) error {
	if err := html.Render(w, d.root); err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	return nil
}

var _ contract.ContentSource = (*Document)(nil)

// element: 基于 DOM 节点的块。
type element struct {
	n *html.Node
}

func (e *element) Text() string { return collapse(textOf(e.n)) }

func (e *element) Processed() bool { return attr(e.n, MarkAttr) == MarkValue }

// Apply 以译文替换元素全部子节点并打标记。
func (e *element) Apply(translated string) {
	for c := e.n.FirstChild; c != nil; {
		next := c.NextSibling
		e.n.RemoveChild(c)
		c = next
	}
	e.n.AppendChild(&html.Node{Type: html.TextNode, Data: translated})
	setAttr(e.n, MarkAttr, MarkValue)
}

func hasDescendant(n *html.Node, tags map[string]bool) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (tags[c.Data] || hasDescendant(c, tags)) {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func find(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := find(c, tag); f != nil {
			return f
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

// FromText 将纯文本或 Markdown 包装为最小 HTML 文档：
// 以 # 开头的行为标题（级别按 # 个数，最多 6），空行分段。
func FromText(text string) (*Document, error) {
	var sb strings.Builder
	sb.WriteString("<!doctype html><html><head></head><body>\n")
	var para []string
	flush := func() {
		if len(para) > 0 {
			sb.WriteString("<p>" + html.EscapeString(strings.Join(para, " ")) + "</p>\n")
			para = para[:0]
		}
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		t := strings.TrimSpace(line)
		switch {
		case t == "":
			flush()
		case strings.HasPrefix(t, "#"):
			flush()
			level := len(t) - len(strings.TrimLeft(t, "#"))
			level = min(level, 6)
			fmt.Fprintf(&sb, "<h%d>%s</h%d>\n", level, html.EscapeString(strings.TrimSpace(strings.TrimLeft(t, "#"))), level)
		default:
			para = append(para, t)
		}
	}
	flush()
	sb.WriteString("</body></html>\n")
	return Parse(strings.NewReader(sb.String()))
}
