package upscaledb

import "errors"

// 对外的逻辑错误码, 调用方用errors.Is判断
var (
	ErrOutOfMemory      = errors.New("out of memory")
	ErrKeyNotFound      = errors.New("key not found")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrCursorIsNil      = errors.New("cursor is nil")
	ErrCursorStillOpen  = errors.New("cursor still open")
	ErrDatabaseNotFound = errors.New("database not found")
	ErrInvParameter     = errors.New("invalid parameter")
	ErrNotImplemented   = errors.New("not implemented")
	ErrInternal         = errors.New("internal error")
	ErrNetwork          = errors.New("network error")
	ErrIO               = errors.New("i/o error")
)

// 内部错误, 不导出; 页读取/校验出错时会被包装后经公开接口返回(如OpenEnv, Find)
var (
	errPageIdOverflow  = errors.New("page id overflow")
	errNoAvailablePage = errors.New("no available page")
	errBadPageHeader   = errors.New("bad page header")
)
