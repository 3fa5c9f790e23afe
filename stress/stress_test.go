package stress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	cfgpkg "pagesmith/internal/config"
	"pagesmith/internal/tasks"
)

// baseConfig 构造可运行的最小配置（mock LLM，扁平输出）。
func baseConfig(input, outDir string, batch int) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{input}
	cfg.Logging.Level = "error"
	cfg.Batch.Size = batch
	cfg.LLM = "mock"
	cfg.Provider = map[string]cfgpkg.Provider{
		"mock": {Client: "mock", Options: json.RawMessage(`{"prefix":"STRESS"}`)},
	}
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"atomic":false,"flat":true,"perm_file":0,"perm_dir":0,"buf_size":65536}`, outDir))
	return cfg
}

func runTranslate(cfg cfgpkg.Config) error {
	rt, err := cfgpkg.Assemble(cfg, nil)
	if err != nil {
		return err
	}
	return rt.Tasks.RunDocs(context.Background(), tasks.Job{
		Task:   tasks.NameTranslate,
		Lang:   "German",
		Inputs: cfg.Inputs,
		Reader: rt.Reader,
		Writer: rt.Writer,
	})
}

// bigPage 生成含 n 个段落的 HTML 页面。
func bigPage(n int) string {
	var b strings.Builder
	b.WriteString("<html><body><h1>Stress</h1>\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "<p>Paragraph number %d carries enough words to be aligned.</p>\n", i)
	}
	b.WriteString("</body></html>\n")
	return b.String()
}

// TestStress 在不同批大小下翻译同一批页面并记录延迟统计。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress")
	}
	levels := []int{1, 8, 32}
	for _, batch := range levels {
		t.Run(fmt.Sprintf("batch_%d", batch), func(t *testing.T) {
			const runs = 5
			successes := 0
			latencies := make([]time.Duration, 0, runs)
			for i := 0; i < runs; i++ {
				dataDir := t.TempDir()
				for d := 0; d < 4; d++ {
					p := filepath.Join(dataDir, fmt.Sprintf("page-%d.html", d))
					if err := os.WriteFile(p, []byte(bigPage(200)), 0o600); err != nil {
						t.Fatalf("write input: %v", err)
					}
				}
				if err := copyFile(filepath.Join("..", "testdata", "files", "article.html"), filepath.Join(dataDir, "article.html")); err != nil {
					t.Fatalf("copy input: %v", err)
				}
				outDir := t.TempDir()
				start := time.Now()
				err := runTranslate(baseConfig(dataDir, outDir, batch))
				dur := time.Since(start)
				if err != nil {
					t.Errorf("run %d: %v", i, err)
					continue
				}
				successes++
				latencies = append(latencies, dur)
			}
			if successes == 0 {
				t.Fatalf("全部运行失败")
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			var total time.Duration
			for _, d := range latencies {
				total += d
			}
			avg := total / time.Duration(len(latencies))
			idx := int(math.Ceil(float64(len(latencies))*0.95)) - 1
			if idx < 0 {
				idx = 0
			}
			p95 := latencies[idx]
			t.Logf("批大小%d 成功率%.2f 平均%v 95%%延迟%v", batch, float64(successes)/float64(runs), avg, p95)
		})
	}
}

// copyFile 复制文件内容。
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
