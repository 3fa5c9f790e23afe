package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagesmith/pkg/contract"
)

func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	_, err := w.Write([]byte("first line that is very long\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	var current, rotated bool
	for _, e := range ents {
		switch {
		case e.Name() == currentName:
			current = true
		case strings.HasPrefix(e.Name(), "pagesmith-") && strings.HasSuffix(e.Name(), ".txt"):
			rotated = true
		}
	}
	assert.True(t, current)
	assert.True(t, rotated)
}

func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	w := NewRotatingFile(t.TempDir(), 0)
	assert.Equal(t, int64(10*1024*1024), w.maxBytes)
	require.NoError(t, w.rotate()) // f==nil 时仅打开
	require.NotNil(t, w.f)
	require.NoError(t, w.Close())
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(ln), &m), ln)
		out = append(out, m)
	}
	return out
}

func TestLoggerEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "corr-1", "debug")
	timer := l.StartWith("pipeline", "chunks", "doc.html", "1/3")
	timer.Finish("ok", 3)
	l.ErrorWithKV("llm", string(CodeNetwork), "boom", timer.Since(), "doc.html", "2/3", map[string]string{"http_status": "502"})
	l.DebugStart("parse", "raw", "", "", nil)
	l.Warn("pipeline", "truncated", "reply truncated", nil)

	evs := decodeLines(t, &buf)
	require.Len(t, evs, 5)
	assert.Equal(t, "start", evs[0]["stage"])
	assert.Equal(t, "corr-1", evs[0]["corr_id"])
	assert.Equal(t, "doc.html", evs[0]["doc_id"])
	assert.Equal(t, "1/3", evs[0]["part"])
	assert.Equal(t, float64(3), evs[1]["count"])
	assert.Equal(t, "error", evs[2]["level"])
	assert.Equal(t, "network", evs[2]["code"])
	assert.Equal(t, map[string]any{"http_status": "502"}, evs[2]["kv"])
	assert.Equal(t, "debug", evs[3]["level"])
	assert.Equal(t, "warn", evs[4]["level"])
	assert.Equal(t, "degrade", evs[4]["stage"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "", "warn")
	l.Start("comp", "msg").Finish("ok", 1)
	l.DebugStart("comp", "msg", "", "", nil)
	l.InfoFinish("comp", "msg", time.Now(), 1)
	assert.Zero(t, buf.Len())
	l.Error("comp", "code", "msg", nil)
	evs := decodeLines(t, &buf)
	require.Len(t, evs, 1)
	assert.NotEmpty(t, evs[0]["corr_id"])

	assert.Equal(t, "warn", Warn.String())
	assert.Equal(t, "info", Level(12345).String())
}

func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Start("c", "m").Finish("x", 0)
	l.Error("c", "code", "m", nil)
	l.Warn("c", "code", "m", nil)
	assert.NoError(t, l.Sync())
	var tn *Timer
	tn.Finish("x", 0)
	assert.NotNil(t, tn.Since())
	(&Timer{}).Finish("x", 0)
}

func TestLoggerFileSink(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	l := NewLogger("corr", "info")
	l.Start("comp", "msg").Finish("ok", 1)
	require.NoError(t, l.Sync())
	b, err := os.ReadFile(filepath.Join(dir, "logs", currentName))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"comp":"comp"`)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{contract.ErrResponseInvalid, CodeProtocol},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("chunk 2: %w", contract.ErrModelRefusal), CodeRefusal},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{fmt.Errorf("post: %w", contract.ErrTransport), CodeNetwork},
		{contract.ErrBudgetExceeded, CodeBudget},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrInvalidInput, CodeInvariant},
		{fmt.Errorf("artifact: %w", contract.ErrPathInvalid), CodeInvariant},
		{errors.New("other"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
	assert.NotEmpty(t, NowUTC())
}

func TestMetricsHandler(t *testing.T) {
	IncOp("test", "finish", "success")
	IncError("test", string(CodeNetwork))
	ObserveDuration("test", "finish", 12)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `pagesmith_op_total{comp="test",result="success",stage="finish"}`)
	assert.Contains(t, body, `pagesmith_error_total{code="network",comp="test"}`)
	assert.Contains(t, body, "pagesmith_op_duration_ms_bucket")

	mfs, err := Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	require.False(t, term.isTTY)
	term.RunStart("translate", "openai")
	term.DocStart("docs/guide.html", 12)
	term.DocProgress(6, 12, 0) // 非 TTY：不输出进度
	term.DocFinish(true, 5100*time.Millisecond)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	assert.NotContains(t, out, "\r")
	assert.Contains(t, out, "[run] 任务=translate | llm=openai")
	assert.Contains(t, out, "[doc] guide.html | 计划调用=12")
	assert.Contains(t, out, "[done] guide.html | 调用 12 | 总用时 5.1s")
	assert.Contains(t, out, "[ok] 全部完成 | 文档 1 | 总用时 41.3s")
}

func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart("summarize", "mock")
	term.DocStart("/a/b/c/longfilename.html", 3)

	term.DocProgress(1, 3, 0)
	first := sb.String()
	require.Contains(t, first, "\r[")
	term.DocProgress(2, 3, 1) // <100ms 被节流
	assert.Equal(t, first, sb.String())
	time.Sleep(120 * time.Millisecond)
	term.DocProgress(2, 3, 1)
	assert.Greater(t, len(sb.String()), len(first))

	term.DocFinish(false, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	require.GreaterOrEqual(t, idx, 0)
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	require.GreaterOrEqual(t, cr, 0)
	assert.Contains(t, seg[cr+1:], " ")
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = false
	term.RunStart("x", "y")
	assert.False(t, term.enabled)
	term.DocStart("a", 0)
	term.DocProgress(0, 0, 0)
	term.DocFinish(true, 0)
	term.RunFinish(true, 0)

	term = NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = true
	term.DocStart("f.html", 2)
	term.DocProgress(1, 2, 0)
	assert.False(t, term.enabled)
}

func TestTerminalNilAndCI(t *testing.T) {
	var tn *Terminal
	tn.RunStart("x", "y")
	tn.DocStart("a", 1)
	tn.DocProgress(0, 0, 0)
	tn.DocFinish(true, 0)
	tn.RunFinish(true, 0)

	t.Setenv("CI", "true")
	var sb strings.Builder
	assert.False(t, NewTerminal(&sb, true).isTTY)

	SetTerminal(nil)
	assert.Nil(t, GetTerminal())
	SetTerminal(NewTerminal(os.Stderr, false))
	assert.NotNil(t, GetTerminal())
	SetTerminal(nil)
}

func TestHelpers(t *testing.T) {
	assert.NotEmpty(t, shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.html", 10))
	assert.Empty(t, shortenBase("x", 0))
	assert.Equal(t, "a b c", safe("a\nb\rc"))
	assert.Equal(t, "0ms", formatDur(0))
	assert.Equal(t, "1.5s", formatDur(1500*time.Millisecond))
}
