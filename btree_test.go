package upscaledb

import (
	"encoding/binary"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zbh255/gocode/random"
)

func initTest(t *testing.T) {
	err := os.RemoveAll("testdata")
	require.NoError(t, err)
	err = os.Mkdir("testdata", 0755)
	if err != nil && !os.IsExist(err) {
		t.Fatal(err)
	}
}

func newTestEnv(t *testing.T, name string, cfg Config) *Env {
	cfg.RootDir = "testdata"
	cfg.Name = name
	env, err := OpenEnv(cfg)
	require.NoError(t, err)
	return env
}

func TestBtree(t *testing.T) {
	initTest(t)
	t.Run("InsertFind", func(t *testing.T) {
		env := newTestEnv(t, "bt.insertfind", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		key := append([]byte("hello world"), 0)
		val := append([]byte("hello chris"), 0)
		_, err = db.Insert(nil, key, val, 0)
		require.NoError(t, err)
		count, err := db.KeyCount(nil)
		require.NoError(t, err)
		require.Equal(t, uint64(1), count)
		_, rec, err := db.Find(nil, key, MatchExact)
		require.NoError(t, err)
		require.Equal(t, val, rec)
		// 重复插入要报错, 带Overwrite才放行
		_, err = db.Insert(nil, key, []byte("other"), 0)
		require.ErrorIs(t, err, ErrDuplicateKey)
		_, err = db.Insert(nil, key, []byte("other"), Overwrite)
		require.NoError(t, err)
		_, rec, err = db.Find(nil, key, MatchExact)
		require.NoError(t, err)
		require.Equal(t, []byte("other"), rec)
		require.NoError(t, env.Close())
	})
	t.Run("EraseFind", func(t *testing.T) {
		env := newTestEnv(t, "bt.erasefind", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		_, err = db.Insert(nil, []byte("k1"), []byte("v1"), 0)
		require.NoError(t, err)
		require.NoError(t, db.Erase(nil, []byte("k1")))
		_, _, err = db.Find(nil, []byte("k1"), MatchExact)
		require.ErrorIs(t, err, ErrKeyNotFound)
		err = db.Erase(nil, []byte("k1"))
		require.ErrorIs(t, err, ErrKeyNotFound)
		require.NoError(t, env.Close())
	})
	t.Run("BulkAscending", func(t *testing.T) {
		env := newTestEnv(t, "bt.bulkasc", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		const n = 1024 * 16
		txn, err := env.Begin(0)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i))
			_, err = db.Insert(txn, key, []byte(strconv.Itoa(i)), 0)
			require.NoError(t, err)
		}
		require.NoError(t, txn.Commit())
		for i := 0; i < n; i += 17 {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i))
			_, rec, err := db.Find(nil, key, MatchExact)
			require.NoError(t, err)
			require.Equal(t, []byte(strconv.Itoa(i)), rec)
		}
		count, err := db.KeyCount(nil)
		require.NoError(t, err)
		require.Equal(t, uint64(n), count)
		require.NoError(t, env.Close())
	})
	t.Run("BulkRandomRecords", func(t *testing.T) {
		env := newTestEnv(t, "bt.bulkrand", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		const n = 4096
		vals := make(map[string]string, n)
		txn, err := env.Begin(0)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			key := "key-" + strconv.Itoa(i)
			val := random.GenStringOnAscii(128)
			vals[key] = val
			_, err = db.Insert(txn, []byte(key), []byte(val), 0)
			require.NoError(t, err)
		}
		require.NoError(t, txn.Commit())
		for key, val := range vals {
			_, rec, err := db.Find(nil, []byte(key), MatchExact)
			require.NoError(t, err)
			require.Equal(t, []byte(val), rec)
		}
		require.NoError(t, env.Close())
	})
	t.Run("BulkEraseMerges", func(t *testing.T) {
		env := newTestEnv(t, "bt.bulkerase", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		const n = 8192
		txn, err := env.Begin(0)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i))
			_, err = db.Insert(txn, key, []byte("payload"), 0)
			require.NoError(t, err)
		}
		require.NoError(t, txn.Commit())
		// 删掉中间一大段, 触发borrow和merge
		txn, err = env.Begin(0)
		require.NoError(t, err)
		for i := 1024; i < n-1024; i++ {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i))
			require.NoError(t, db.Erase(txn, key))
		}
		require.NoError(t, txn.Commit())
		for i := 0; i < n; i++ {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i))
			_, _, err := db.Find(nil, key, MatchExact)
			if i >= 1024 && i < n-1024 {
				require.ErrorIs(t, err, ErrKeyNotFound)
			} else {
				require.NoError(t, err)
			}
		}
		count, err := db.KeyCount(nil)
		require.NoError(t, err)
		require.Equal(t, uint64(2048), count)
		require.NoError(t, env.Close())
	})
	t.Run("EraseAllTerminalRoot", func(t *testing.T) {
		env := newTestEnv(t, "bt.eraseall", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		txn, err := env.Begin(0)
		require.NoError(t, err)
		for i := 0; i < 512; i++ {
			_, err = db.Insert(txn, []byte("k"+strconv.Itoa(i)), []byte("v"), 0)
			require.NoError(t, err)
		}
		require.NoError(t, txn.Commit())
		txn, err = env.Begin(0)
		require.NoError(t, err)
		for i := 0; i < 512; i++ {
			require.NoError(t, db.Erase(txn, []byte("k"+strconv.Itoa(i))))
		}
		require.NoError(t, txn.Commit())
		count, err := db.KeyCount(nil)
		require.NoError(t, err)
		require.Equal(t, uint64(0), count)
		// 空root还能继续用
		_, err = db.Insert(nil, []byte("again"), []byte("v"), 0)
		require.NoError(t, err)
		require.NoError(t, env.Close())
	})
	t.Run("Persistence", func(t *testing.T) {
		env := newTestEnv(t, "bt.persist", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		txn, err := env.Begin(0)
		require.NoError(t, err)
		for i := 0; i < 2048; i++ {
			_, err = db.Insert(txn, []byte("p"+strconv.Itoa(i)), []byte("v"+strconv.Itoa(i)), 0)
			require.NoError(t, err)
		}
		require.NoError(t, txn.Commit())
		require.NoError(t, env.Close())
		env = newTestEnv(t, "bt.persist", Config{})
		db, err = env.OpenDatabase(1, nil)
		require.NoError(t, err)
		for i := 0; i < 2048; i += 31 {
			_, rec, err := db.Find(nil, []byte("p"+strconv.Itoa(i)), MatchExact)
			require.NoError(t, err)
			require.Equal(t, []byte("v"+strconv.Itoa(i)), rec)
		}
		require.NoError(t, env.Close())
	})
}

func TestRecno(t *testing.T) {
	initTest(t)
	env := newTestEnv(t, "bt.recno", Config{})
	db, err := env.CreateDatabase(1, DatabaseConfig{Recno: true})
	require.NoError(t, err)
	key1, err := db.Insert(nil, nil, []byte("first"), 0)
	require.NoError(t, err)
	require.Len(t, key1, 8)
	require.Equal(t, uint64(1), binary.BigEndian.Uint64(key1))
	key2, err := db.Insert(nil, nil, []byte("second"), 0)
	require.NoError(t, err)
	require.Len(t, key2, 8)
	require.Equal(t, uint64(2), binary.BigEndian.Uint64(key2))
	_, rec, err := db.Find(nil, key1, MatchExact)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), rec)
	require.NoError(t, env.Close())
}

func TestFixedSizeDatabase(t *testing.T) {
	initTest(t)
	t.Run("PaxInline", func(t *testing.T) {
		env := newTestEnv(t, "bt.paxinline", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{KeySize: 8, RecordSize: 16})
		require.NoError(t, err)
		txn, err := env.Begin(0)
		require.NoError(t, err)
		for i := 0; i < 4096; i++ {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i*7))
			rec := make([]byte, 16)
			binary.LittleEndian.PutUint64(rec, uint64(i))
			_, err = db.Insert(txn, key, rec, 0)
			require.NoError(t, err)
		}
		require.NoError(t, txn.Commit())
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(33*7))
		_, rec, err := db.Find(nil, key, MatchExact)
		require.NoError(t, err)
		require.Equal(t, uint64(33), binary.LittleEndian.Uint64(rec))
		// 尺寸不符的key/record直接拒绝
		_, err = db.Insert(nil, []byte("short"), make([]byte, 16), 0)
		require.ErrorIs(t, err, ErrInvParameter)
		_, err = db.Insert(nil, key, make([]byte, 15), Overwrite)
		require.ErrorIs(t, err, ErrInvParameter)
		require.NoError(t, env.Close())
	})
	t.Run("PaxVariableRecords", func(t *testing.T) {
		env := newTestEnv(t, "bt.paxvar", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{KeySize: 8})
		require.NoError(t, err)
		txn, err := env.Begin(0)
		require.NoError(t, err)
		for i := 0; i < 2048; i++ {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i))
			_, err = db.Insert(txn, key, []byte(random.GenStringOnAscii(64)), 0)
			require.NoError(t, err)
		}
		require.NoError(t, txn.Commit())
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, 1024)
		_, _, err = db.Find(nil, key, MatchExact)
		require.NoError(t, err)
		require.NoError(t, env.Close())
	})
}
