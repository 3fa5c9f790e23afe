package fusion

import (
	"regexp"
	"strings"

	"pagesmith/pkg/contract"
)

// knownSites 为常见站点名（归一化形式），出现在标题尾部时视为站点后缀。
var knownSites = map[string]bool{
	"amazon": true, "ebay": true, "walmart": true, "target": true, "bestbuy": true,
	"etsy": true, "aliexpress": true, "newegg": true, "costco": true, "homedepot": true,
	"wikipedia": true, "britannica": true, "youtube": true, "reddit": true, "medium": true,
	"nytimes": true, "bbc": true, "reuters": true, "history": true,
}

var (
	// 标题与站点名之间的分隔："Red Shoes - Amazon.com"、"Red Shoes | eBay"
	siteSep    = regexp.MustCompile(`\s+[-|–—·:]\s+`)
	domainLike = regexp.MustCompile(`(?i)^(?:www\.)?[a-z0-9-]+(?:\.[a-z0-9-]+)*\.[a-z]{2,}$`)

	priceRx = regexp.MustCompile(`(?i)(?:[$€£¥]\s?\d[\d,]*(?:\.\d{1,2})?|\b\d[\d,]*(?:\.\d{1,2})?\s?(?:USD|EUR|GBP|JPY|CNY|RMB)\b)`)

	dateRxs = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
		regexp.MustCompile(`\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)[a-z]*\.?\s+\d{1,2},\s*\d{4}\b`),
		regexp.MustCompile(`\b\d{1,2}\s+(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{4}\b`),
		regexp.MustCompile(`\b(?:1[5-9]\d{2}|20\d{2})\b`),
	}
)

// Promote 由未使用的候选合成最小实体；标题清理后为空则放弃。
func Promote(c contract.GroundingCandidate, kind contract.EntityKind) (contract.Entity, bool) {
	title := CleanTitle(c.Title, c.SourceName)
	if title == "" {
		return contract.Entity{}, false
	}
	e := contract.Entity{Kind: kind, Title: title, URL: c.URI, SourceName: c.SourceName}
	switch kind {
	case contract.EntityEvent:
		e.Date = ExtractDate(c.Title)
	default:
		e.Price = ExtractPrice(c.Title)
	}
	return e, true
}

// CleanTitle 去掉候选标题尾部的站点名（最多两段），不会把标题剥成空串。
func CleanTitle(title, sourceName string) string {
	title = strings.TrimSpace(title)
	src := NormalizeSource(sourceName)
	for i := 0; i < 2; i++ {
		locs := siteSep.FindAllStringIndex(title, -1)
		if len(locs) == 0 {
			break
		}
		last := locs[len(locs)-1]
		head, tail := strings.TrimSpace(title[:last[0]]), strings.TrimSpace(title[last[1]:])
		if head == "" || !isSite(tail, src) {
			break
		}
		title = head
	}
	return title
}

func isSite(tail, src string) bool {
	n := NormalizeSource(tail)
	if n == "" {
		return false
	}
	return n == src || knownSites[n] || domainLike.MatchString(tail)
}

// ExtractPrice 返回标题中第一个形如价格的子串（"$19.99"、"25 EUR"）。
func ExtractPrice(s string) string {
	return strings.TrimSpace(priceRx.FindString(s))
}

// ExtractDate 按 ISO → "Jan 2, 2006" → "2 January 2006" → 年份 的优先级返回第一个日期子串。
func ExtractDate(s string) string {
	for _, rx := range dateRxs {
		if m := rx.FindString(s); m != "" {
			return m
		}
	}
	return ""
}
