// Package apperr 定义了编排引擎的错误分类。
// 所有错误都以 *AppError 形式返回，可以通过 errors.Is 与本包的哨兵值比较。
package apperr

import (
	"errors"
	"fmt"
)

// Code 是错误类别
type Code string

const (
	CodeDecode        Code = "DECODE"
	CodeFetch         Code = "FETCH"
	CodePortExhausted Code = "PORT_EXHAUSTED"
	CodeSpawn         Code = "SPAWN"
	CodeEngineCrash   Code = "ENGINE_CRASH"
	CodeInvariant     Code = "INVARIANT"
	CodeInvalidFilter Code = "INVALID_FILTER"
)

// AppError 携带错误类别、可读信息以及底层错误。
type AppError struct {
	Code     Code
	Message  string
	Fragment string // 仅 DECODE 使用: 出错的原始片段 (已截断)
	Err      error
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Fragment != "" {
		msg += fmt.Sprintf(" (fragment: %q)", e.Fragment)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按类别匹配，使 errors.Is(err, apperr.ErrDecode) 成立。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// 哨兵值，仅用于 errors.Is 比较
var (
	ErrDecode        = &AppError{Code: CodeDecode}
	ErrFetch         = &AppError{Code: CodeFetch}
	ErrPortExhausted = &AppError{Code: CodePortExhausted}
	ErrSpawn         = &AppError{Code: CodeSpawn}
	ErrEngineCrash   = &AppError{Code: CodeEngineCrash}
	ErrInvariant     = &AppError{Code: CodeInvariant}
	ErrInvalidFilter = &AppError{Code: CodeInvalidFilter}
)

const maxFragment = 64

// New 创建一个指定类别的错误。
func New(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Decode 创建一个 DECODE 错误，fragment 会被截断。
func Decode(fragment, message string, err error) *AppError {
	return &AppError{Code: CodeDecode, Message: message, Fragment: Truncate(fragment), Err: err}
}

// Truncate 截断片段，避免整段载荷 (可能含凭据) 进入错误信息。
func Truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxFragment {
		return s
	}
	return string(r[:maxFragment]) + "..."
}

// CodeOf 返回错误链中第一个 AppError 的类别，没有则为空。
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
