package contract

import "errors"

// 哨兵错误：上层以 errors.Is 判定降级或终止，diag.Classify 据此归类。
var (
	// ErrModelRefusal 模型拒答（安全拦截等），对当前请求致命。
	ErrModelRefusal = errors.New("model refusal")
	// ErrTransport 调用模型本身失败，在单块/单批粒度降级。
	ErrTransport       = errors.New("transport failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")

	// ErrBudgetExceeded 单次请求超出 token 预算或分钟额度。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrPathInvalid 产物标识映射到绝对路径或逃逸输出目录。
	ErrPathInvalid = errors.New("path invalid")
)
