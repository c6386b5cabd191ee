package pipeline

import "errors"

var (
	// ErrFetchFailed wraps transport and upstream status failures.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrDecodeFailed 表示字节不是合法资源（无法解码）。
	ErrDecodeFailed = errors.New("decode failed")
	// ErrClosed is returned once the pipeline has been closed.
	ErrClosed = errors.New("pipeline closed")
)
