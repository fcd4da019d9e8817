package upscaledb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesIsZero(t *testing.T) {
	b := make([]byte, 32)
	require.True(t, bytesIsZero(b))
	b[16] = 1
	require.False(t, bytesIsZero(b))
}

func TestInitNodeClearsPayload(t *testing.T) {
	initTest(t)
	env := newTestEnv(t, "utils.initnode", Config{})
	db, err := env.CreateDatabase(1, DatabaseConfig{})
	require.NoError(t, err)
	db.env.mu.Lock()
	defer db.env.mu.Unlock()
	n, err := db.tree.allocNode(false)
	require.NoError(t, err)
	body := n.page.payload()[nodeHeaderSize:]
	body = body[:len(body)/32*32]
	// 除了节点头里的heapEnd水位, 新节点的payload必须是干净的
	require.True(t, bytesIsZero(body))
}
