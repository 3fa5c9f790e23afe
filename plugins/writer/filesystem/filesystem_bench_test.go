package filesystem

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"pagesmith/pkg/contract"
)

// 页面与结果工件：按输入层级落盘，对比原子替换与直接覆盖。
func BenchmarkWritePage(b *testing.B) {
	page := "<html><body>" + strings.Repeat("<p>Bonjour le monde.</p>\n", 2000) + "</body></html>"
	for _, atomic := range []bool{true, false} {
		b.Run(fmt.Sprintf("atomic=%t", atomic), func(b *testing.B) {
			root := b.TempDir()
			w, err := New(&Options{OutputDir: root, Atomic: &atomic, TrimPrefix: "/in"})
			if err != nil {
				b.Fatalf("new writer: %v", err)
			}
			ids := []contract.ArtifactID{"/in/site/index.html", "/in/site/index.summary.json"}
			ctx := context.Background()
			b.SetBytes(int64(len(page)))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := w.Write(ctx, ids[i%len(ids)], strings.NewReader(page)); err != nil {
					b.Fatalf("write: %v", err)
				}
			}
		})
	}
}
