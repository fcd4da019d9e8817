package upscaledb

import "sync/atomic"

type ExportStat struct {
	CacheHit       uint64
	CacheMis       uint64
	CachedPages    int
	TxnCommitCount uint64
	TxnAbortCount  uint64
	TxnFlushCount  uint64
}

type iStat struct {
	txnCommitCount atomic.Uint64
	txnAbortCount  atomic.Uint64
	txnFlushCount  atomic.Uint64
}
