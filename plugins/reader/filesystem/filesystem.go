// Package filesystem 实现基于本地文件、STDIN 与 http(s) URL 的 Reader。
package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"pagesmith/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 在扫描目录时跳过这些目录名（基名完全匹配）。
	// 例如 [".git","node_modules","vendor"]。
	// 仅影响目录递归，不影响单文件 root。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Extensions: 目录递归时只读取这些扩展名（小写，含点）。默认 .html/.htm/.xhtml/.md/.markdown/.txt。
	// 单文件 root 不受影响。
	Extensions []string `json:"extensions"`
	// FetchTimeoutSeconds: http(s) root 的抓取超时（秒），默认 30。
	FetchTimeoutSeconds int `json:"fetch_timeout_seconds"`
}

// DefaultExtensions 为目录递归时缺省读取的扩展名。
var DefaultExtensions = []string{".html", ".htm", ".xhtml", ".md", ".markdown", ".txt"}

// FileSystem 实现基于文件系统、STDIN 与 URL 的 Reader。
type FileSystem struct {
	bufSize int
	// 以小写形式保存，比较时按小写基名匹配。
	excludeDir map[string]struct{}
	exts       map[string]struct{}
	hc         *http.Client
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	const defaultBuf = 64 * 1024
	b := defaultBuf
	if opts != nil && opts.BufSize > 0 {
		b = opts.BufSize
	}
	ex := make(map[string]struct{})
	if opts != nil && len(opts.ExcludeDirNames) > 0 {
		for _, name := range opts.ExcludeDirNames {
			if name == "" {
				continue
			}
			// 小写基名匹配，调用方无需关心大小写与前后斜杠。
			ex[strings.ToLower(name)] = struct{}{}
		}
	}
	exts := DefaultExtensions
	if opts != nil && len(opts.Extensions) > 0 {
		exts = opts.Extensions
	}
	em := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		em[e] = struct{}{}
	}
	timeout := 30
	if opts != nil && opts.FetchTimeoutSeconds > 0 {
		timeout = opts.FetchTimeoutSeconds
	}
	return &FileSystem{
		bufSize:    b,
		excludeDir: ex,
		exts:       em,
		hc:         &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

// Iterate 遍历 roots，按稳定顺序对每个页面调用 yield。
// roots 为空或仅含 "-" 时读取 STDIN；"-" 不能与其他根混用。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(fileID contract.FileID, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return yield(contract.FileID("stdin"), newBufferedCloser(os.Stdin, r.bufSize))
	}
	for _, s := range roots {
		if s == "-" {
			return errors.New("stdin '-' cannot be mixed with other roots")
		}
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if IsURL(root) {
		return r.fetch(ctx, root, yield)
	}
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	// 单文件 root 不做扩展名过滤；指向目录的链接忽略
	return r.yieldFile(root, yield)
}

// walkDir 先递归子目录，再读本层文件，均按字典序（os.ReadDir 已排序）。
// 目录符号链接不跟随。
func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.FileID, io.ReadCloser) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(dir, e.Name())
		if !e.IsDir() {
			if _, ok := r.exts[strings.ToLower(filepath.Ext(e.Name()))]; ok {
				files = append(files, p)
			}
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, p, yield); err != nil {
			return err
		}
	}
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.yieldFile(p, yield); err != nil {
			return err
		}
	}
	return nil
}

// yieldFile 跟随链接后只打开常规文件；FIFO、设备与目录静默跳过，悬空链接报错。
func (r *FileSystem) yieldFile(p string, yield func(contract.FileID, io.ReadCloser) error) error {
	t, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !t.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	brc := newBufferedCloser(f, r.bufSize)
	if err := yield(contract.NormalizeFileID(p), brc); err != nil {
		_ = brc.Close()
		return err
	}
	return nil
}

// IsURL 报告 root 是否为 http(s) URL。
func IsURL(root string) bool {
	return strings.HasPrefix(root, "http://") || strings.HasPrefix(root, "https://")
}

// URLFileID 将 URL 映射为稳定的 FileID：host/path，目录路径补 index.html，无扩展名补 .html。
func URLFileID(raw string) (contract.FileID, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("url %q: %w", raw, contract.ErrInvalidInput)
	}
	p := u.Path
	switch {
	case p == "" || strings.HasSuffix(p, "/"):
		p += "index.html"
	case path.Ext(p) == "":
		p += ".html"
	}
	return contract.NormalizeFileID(u.Hostname() + "/" + strings.TrimLeft(p, "/")), nil
}

// fetch 抓取 URL；非 2xx 视为错误。
func (r *FileSystem) fetch(ctx context.Context, raw string, yield func(contract.FileID, io.ReadCloser) error) error {
	id, err := URLFileID(raw)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return fmt.Errorf("fetch %s: %v: %w", raw, err, contract.ErrInvalidInput)
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")
	resp, err := r.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("fetch %s: %v: %w", raw, err, contract.ErrTransport)
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return fmt.Errorf("fetch %s: status %d: %w", raw, resp.StatusCode, contract.ErrTransport)
	}
	brc := newBufferedCloser(resp.Body, r.bufSize)
	if err := yield(id, brc); err != nil {
		_ = brc.Close()
		return err
	}
	return nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
