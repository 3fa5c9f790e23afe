package page

import (
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// Article: 页面正文抽取结果。
type Article struct {
	Title    string `json:"title"`
	Byline   string `json:"byline,omitempty"`
	SiteName string `json:"site_name,omitempty"`
	Text     string `json:"text"`
}

// Readable 抽取页面主要正文。正文抽取失败或为空时退回整页纯文本，
// 只有 HTML 本身无法解析才返回错误。
func Readable(rawHTML, pageURL string) (Article, error) {
	art, err := readability.FromReader(strings.NewReader(rawHTML), parseURL(pageURL))
	if err == nil {
		if text := strings.TrimSpace(art.TextContent); text != "" {
			return Article{
				Title:    strings.TrimSpace(art.Title),
				Byline:   strings.TrimSpace(art.Byline),
				SiteName: strings.TrimSpace(art.SiteName),
				Text:     text,
			}, nil
		}
	}
	doc, perr := Parse(strings.NewReader(rawHTML))
	if perr != nil {
		return Article{}, perr
	}
	return Article{Title: doc.Title(), Text: doc.Text()}, nil
}

func parseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
