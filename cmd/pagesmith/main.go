// Command pagesmith 对网页与文本执行摘要、检索、时间线与翻译任务。
//
// 配置来源优先级：CLI > ENV(.env) > 配置文件（YAML/JSON）> 默认值。
// 退出码：0 成功；1 运行期失败；3 配置/装配失败。
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cfgpkg "pagesmith/internal/config"
	"pagesmith/internal/diag"
	"pagesmith/internal/tasks"
	"pagesmith/pkg/contract"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

// options: 全局旗标。
type options struct {
	config      string
	llm         string
	logLevel    string
	lang        string
	metricsAddr string
	maxTokens   int
	maxRetries  int
	status      bool
}

// exitError 携带进程退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(msg string, err error) error {
	return &exitError{code: exitConfig, err: fmt.Errorf("%s: %w", msg, err)}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(stderr, "pagesmith: %v\n", err)
		}
		return ee.code
	}
	// cobra 自身的用法错误（未知旗标、参数个数）
	fmt.Fprintf(stderr, "pagesmith: %v\n", err)
	return exitConfig
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "pagesmith",
		Short:         "Summarize, search, extract timelines from and translate web pages with an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
		// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）
		PersistentPreRunE: func(*cobra.Command, []string) error {
			_ = loadDotEnv(".env")
			return nil
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&o.config, "config", "", "配置文件（.yaml/.yml/.json）；缺省依次查找 ./config.yaml ./config.yml ./config.json")
	f.StringVar(&o.llm, "llm", "", "provider 名称（覆盖配置）")
	f.IntVar(&o.maxTokens, "max-tokens", 0, "单次请求 token 预算（覆盖配置）")
	// -1 表示未覆盖；0 有意义（不重试）
	f.IntVar(&o.maxRetries, "max-retries", -1, "单次调用最大重试次数（覆盖配置；0 表示不重试）")
	f.StringVar(&o.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	f.BoolVar(&o.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "运行期间在该地址暴露 /metrics（Prometheus）")

	translate := docCmd(o, tasks.NameTranslate, "Translate headings and paragraphs of HTML/Markdown documents in place")
	translate.Flags().StringVar(&o.lang, "lang", "", "目标语言（覆盖配置 lang）")

	root.AddCommand(
		docCmd(o, tasks.NameSummarize, "Summarize documents into <doc>.summary.json"),
		docCmd(o, tasks.NameTimeline, "Extract dated events into <doc>.timeline.json"),
		translate,
		searchCmd(o),
		initCmd(),
	)
	return root
}

// docCmd: 以文件/目录/URL/"-" 为输入、按文档写出工件的子命令。
func docCmd(o *options, task, short string) *cobra.Command {
	return &cobra.Command{
		Use:   task + " [roots...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := prepare(cmd, o, task, args)
			if err != nil {
				return err
			}
			defer s.close()
			if s.rt.Writer == nil {
				return s.fail(configErr("config", fmt.Errorf("options.writer is required for %s: %w", task, contract.ErrInvalidInput)))
			}
			if len(s.cfg.Inputs) == 0 {
				return s.fail(configErr("config", fmt.Errorf("no inputs: %w", contract.ErrInvalidInput)))
			}
			err = s.rt.Tasks.RunDocs(s.ctx, tasks.Job{
				Task:   task,
				Lang:   s.cfg.Lang,
				Inputs: s.cfg.Inputs,
				Reader: s.rt.Reader,
				Writer: s.rt.Writer,
			})
			return s.finish(err)
		},
	}
}

// searchResult: search 子命令写到 stdout 的 JSON。
type searchResult struct {
	Query    string            `json:"query"`
	Products []contract.Entity `json:"products"`
}

func searchCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query...>",
		Short: "Search products and print grounded results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return configErr("search", fmt.Errorf("empty query: %w", contract.ErrInvalidInput))
			}
			s, err := prepare(cmd, o, tasks.NameSearch, nil)
			if err != nil {
				return err
			}
			defer s.close()
			ents, err := s.rt.Tasks.Search(s.ctx, query)
			if err != nil {
				return s.finish(err)
			}
			if ents == nil {
				ents = []contract.Entity{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(searchResult{Query: query, Products: ents}); err != nil {
				return s.finish(err)
			}
			return s.finish(nil)
		},
	}
}

func initCmd() *cobra.Command {
	var format string
	c := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write a runnable config template and a .env template (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			ext := ".json"
			switch strings.ToLower(format) {
			case "json", "":
			case "yaml", "yml":
				ext = ".yaml"
			default:
				return configErr("init-config", fmt.Errorf("unknown format %q: %w", format, contract.ErrInvalidInput))
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return configErr("init-config", err)
			}
			if err := writeConfig(filepath.Join(dir, "config"+ext), cfgpkg.DefaultTemplateConfig()); err != nil {
				return configErr("init-config", err)
			}
			if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			return nil
		},
	}
	c.Flags().StringVar(&format, "format", "json", "模板格式 json|yaml")
	return c
}

// session: 一次子命令运行的装配结果与收尾动作。
type session struct {
	ctx    context.Context
	cfg    cfgpkg.Config
	rt     *cfgpkg.Runtime
	log    *diag.Logger
	term   *diag.Terminal
	start  time.Time
	task   string
	closes []func()
}

// prepare: 合并配置 → 校验 → 重建 logger → 预检 → 装配 → 终端/metrics。
func prepare(cmd *cobra.Command, o *options, task string, roots []string) (*session, error) {
	start := time.Now()
	corrID := diag.NewCorrID()
	cfg, err := loadConfig(o, roots)
	if err != nil {
		return nil, configErr("config", err)
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		_ = dumpConfig(cmd.ErrOrStderr(), cfg)
		return nil, configErr("config", err)
	}
	logger := diag.NewLogger(corrID, cfg.Logging.Level)
	s := &session{cfg: cfg, log: logger, start: start, task: task}
	s.closes = append(s.closes, func() { _ = logger.Sync() })

	if task != tasks.NameSearch {
		if err := preflightCheckOutputDir(cfg); err != nil {
			s.close()
			return nil, configErr("output dir not writable", err)
		}
	}
	rt, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		logger.Error("config", string(diag.Classify(err)), "assemble failed", &start)
		s.close()
		return nil, configErr("assemble", err)
	}
	s.rt = rt

	if o.metricsAddr != "" {
		addr, stop, err := serveMetrics(o.metricsAddr)
		if err != nil {
			s.close()
			return nil, configErr("metrics", err)
		}
		logger.DebugStart("metrics", "listen", "", "", map[string]string{"addr": addr})
		s.closes = append(s.closes, stop)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	s.ctx = ctx
	s.closes = append(s.closes, cancel)

	s.term = diag.NewTerminal(cmd.ErrOrStderr(), o.status)
	diag.SetTerminal(s.term)
	s.closes = append(s.closes, func() { diag.SetTerminal(nil) })
	s.term.RunStart(task, cfg.LLM)

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg, task))
	return s, nil
}

// close 逆序执行收尾动作。
func (s *session) close() {
	for i := len(s.closes) - 1; i >= 0; i-- {
		s.closes[i]()
	}
	s.closes = nil
}

func (s *session) fail(err error) error {
	s.term.RunFinish(false, time.Since(s.start))
	return err
}

// finish 记录结果并把运行期错误映射为退出码 1。
func (s *session) finish(err error) error {
	if err == nil {
		s.log.InfoFinish(s.task, "run", s.start, 0)
		diag.IncOp(s.task, "finish", "success")
		diag.ObserveDuration(s.task, "finish", time.Since(s.start).Milliseconds())
		s.term.RunFinish(true, time.Since(s.start))
		return nil
	}
	code := diag.Classify(err)
	s.log.Error(s.task, string(code), "first error", &s.start)
	diag.IncOp(s.task, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(s.task, string(code))
	}
	s.term.RunFinish(false, time.Since(s.start))
	return &exitError{code: exitRuntime, err: err}
}

// loadConfig 按 默认 → 文件 → CONFIG_JSON → ENV → CLI 的顺序合并。
func loadConfig(o *options, roots []string) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()
	path := o.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		for _, p := range []string{"config.yaml", "config.yml", "config.json"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		base, err := cfgpkg.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		base, err := cfgpkg.LoadJSON([]byte(s))
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, over)

	cli := cfgpkg.Config{MaxRetries: o.maxRetries, LLM: o.llm, Lang: o.lang, MaxTokens: o.maxTokens, Inputs: roots}
	cli.Logging.Level = o.logLevel
	return cfgpkg.Merge(cfg, cli), nil
}

// effectiveKV: 调试用的有效配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config, task string) map[string]string {
	kv := map[string]string{
		"task":           task,
		"inputs_count":   fmt.Sprintf("%d", len(cfg.Inputs)),
		"max_tokens":     fmt.Sprintf("%d", cfg.MaxTokens),
		"max_retries":    fmt.Sprintf("%d", cfg.MaxRetries),
		"llm":            cfg.LLM,
		"lang":           cfg.Lang,
		"reader":         cfg.Components.Reader,
		"prompt_builder": cfg.Components.PromptBuilder,
		"writer":         cfg.Components.Writer,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var small struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &small)
		if small.BaseURL != "" {
			kv["base_url"] = small.BaseURL
		}
		if small.Model != "" {
			kv["model"] = small.Model
		}
	}
	return kv
}

// serveMetrics 在 addr 上暴露 /metrics，返回实际监听地址与关闭函数。
func serveMetrics(addr string) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", diag.MetricsHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ln)
	}()
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}
	return ln.Addr().String(), stop, nil
}

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "有效配置:\n%s\n", b)
	return err
}

// writeConfig 写出配置模板（不覆盖已存在文件）；.yaml 扩展名写 YAML。
func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		if b, err = toYAML(b); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	if !bytes.HasSuffix(b, []byte("\n")) {
		_, err = f.Write([]byte("\n"))
	}
	return err
}

// toYAML: JSON → YAML。数值保留为 json.Number，整数不会变成浮点。
func toYAML(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// loadDotEnv 读取简单的 .env 文件并注入进程环境：
// 跳过空行与 # 注释，支持 "export " 前缀，仅按首个 '=' 分割；
// 成对引号去除，双引号内处理 \n \t \r \" \\ 转义；不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '\'' || val[0] == '"') && val[len(val)-1] == val[0] {
			quoted := val[0]
			val = val[1 : len(val)-1]
			if quoted == '"' {
				val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// writeDotEnv 生成 .env 模板；文件已存在时跳过。
func writeDotEnv(path string) error {
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	p := cfgpkg.EnvPrefix
	var b strings.Builder
	b.WriteString("# pagesmith .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源\n")
	for _, k := range []string{"CONFIG_FILE", "CONFIG_JSON"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 运行参数\n")
	for _, k := range []string{"INPUTS", "MAX_TOKENS", "MAX_RETRIES", "LANG", "LLM", "LOG_LEVEL"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 切块/批/阈值\n")
	for _, k := range []string{
		"CHUNK_MAX_BYTES", "CHUNK_OVERLAP", "BYTES_PER_TOKEN", "BATCH_SIZE", "BATCH_PLACEHOLDER",
		"GROUNDING_MIN_SCORE", "MAX_ENTITIES", "ALIGN_MIN_SIMILARITY", "MIN_BLOCK_LENGTH",
	} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"COMPONENTS_READER", "COMPONENTS_WRITER", "COMPONENTS_PROMPT_BUILDER"} {
		b.WriteString(p + k + "=\n")
	}
	for _, name := range []string{"openai", "gemini"} {
		fmt.Fprintf(&b, "\n# Provider 覆盖（%s）\n", name)
		for _, k := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			fmt.Fprintf(&b, "%sPROVIDER__%s__%s=\n", p, name, k)
		}
	}
	b.WriteString("\n# 供应商 API Key（由客户端直接读取，不带前缀）\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckOutputDir: fs writer 启动前检查输出目录可写；
// 目录不存在时检查父目录。其他 writer 跳过。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	name := strings.TrimSpace(cfg.Components.Writer)
	if name == "" {
		name = cfgpkg.Defaults().Components.Writer
	}
	if name != "fs" || len(cfg.Options.Writer) == 0 {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		// 交给装配阶段按实现报错
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(dir)
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	return os.RemoveAll(tmpd)
}
