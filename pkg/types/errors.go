package types

import "errors"

// 各组件共享的领域错误，调用方用 errors.Is 区分
var (
	// ErrValidation 创建/保存时的校验失败（重名、配额预检不通过等）
	ErrValidation = errors.New("validation failed")
	// ErrQuotaExhausted 分配时配额不足，区别于创建时的预检
	ErrQuotaExhausted = errors.New("gpu quota exhausted")
	// ErrIllegalTransition 当前状态不支持该操作
	ErrIllegalTransition = errors.New("operation not supported in current status")
)
