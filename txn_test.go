package upscaledb

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxn(t *testing.T) {
	initTest(t)
	t.Run("ReadYourWrites", func(t *testing.T) {
		env := newTestEnv(t, "txn.ryw", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		txn, err := env.Begin(0)
		require.NoError(t, err)
		_, err = db.Insert(txn, []byte("k"), []byte("v"), 0)
		require.NoError(t, err)
		_, rec, err := db.Find(txn, []byte("k"), MatchExact)
		require.NoError(t, err)
		require.Equal(t, []byte("v"), rec)
		require.NoError(t, txn.Commit())
		require.NoError(t, env.Close())
	})
	t.Run("UncommittedInvisibleToOthers", func(t *testing.T) {
		env := newTestEnv(t, "txn.invisible", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		writer, err := env.Begin(0)
		require.NoError(t, err)
		_, err = db.Insert(writer, []byte("k"), []byte("v"), 0)
		require.NoError(t, err)
		reader, err := env.Begin(TxnReadOnly)
		require.NoError(t, err)
		_, _, err = db.Find(reader, []byte("k"), MatchExact)
		require.ErrorIs(t, err, ErrKeyNotFound)
		// writer是最老的事务, 提交时就被flush进B树, 之后另一个reader可见
		require.NoError(t, reader.Commit())
		require.NoError(t, writer.Commit())
		reader2, err := env.Begin(TxnReadOnly)
		require.NoError(t, err)
		_, rec, err := db.Find(reader2, []byte("k"), MatchExact)
		require.NoError(t, err)
		require.Equal(t, []byte("v"), rec)
		require.NoError(t, reader2.Commit())
		require.NoError(t, env.Close())
	})
	t.Run("AbortDropsOps", func(t *testing.T) {
		env := newTestEnv(t, "txn.abort", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		_, err = db.Insert(nil, []byte("keep"), []byte("v"), 0)
		require.NoError(t, err)
		txn, err := env.Begin(0)
		require.NoError(t, err)
		_, err = db.Insert(txn, []byte("drop"), []byte("v"), 0)
		require.NoError(t, err)
		require.NoError(t, db.Erase(txn, []byte("keep")))
		require.NoError(t, txn.Abort())
		_, _, err = db.Find(nil, []byte("keep"), MatchExact)
		require.NoError(t, err)
		_, _, err = db.Find(nil, []byte("drop"), MatchExact)
		require.ErrorIs(t, err, ErrKeyNotFound)
		require.NoError(t, env.Close())
	})
	t.Run("CommitWithOpenCursorFails", func(t *testing.T) {
		env := newTestEnv(t, "txn.cursoropen", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		txn, err := env.Begin(0)
		require.NoError(t, err)
		_, err = db.Insert(txn, []byte("k"), []byte("v"), 0)
		require.NoError(t, err)
		cur, err := db.Cursor(txn)
		require.NoError(t, err)
		require.ErrorIs(t, txn.Commit(), ErrCursorStillOpen)
		require.ErrorIs(t, txn.Abort(), ErrCursorStillOpen)
		require.NoError(t, cur.Close())
		require.NoError(t, txn.Commit())
		require.NoError(t, env.Close())
	})
	t.Run("ReadOnlyRejectsWrites", func(t *testing.T) {
		env := newTestEnv(t, "txn.readonly", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		txn, err := env.Begin(TxnReadOnly)
		require.NoError(t, err)
		_, err = db.Insert(txn, []byte("k"), []byte("v"), 0)
		require.ErrorIs(t, err, ErrInvParameter)
		require.ErrorIs(t, db.Erase(txn, []byte("k")), ErrInvParameter)
		require.NoError(t, txn.Commit())
		require.NoError(t, env.Close())
	})
	t.Run("CommitFlushEquivalence", func(t *testing.T) {
		// flush之后只看B树的结果要和合并视图一致
		env := newTestEnv(t, "txn.flusheq", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		txn, err := env.Begin(0)
		require.NoError(t, err)
		for i := 0; i < 256; i++ {
			_, err = db.Insert(txn, []byte("f"+strconv.Itoa(i)), []byte("v"+strconv.Itoa(i)), 0)
			require.NoError(t, err)
		}
		require.NoError(t, txn.Commit())
		// 没有更老的活跃事务, commit应该已经把op全部灌进B树
		require.Nil(t, db.optree.first())
		for i := 0; i < 256; i += 13 {
			rec, err := db.tree.lookup([]byte("f" + strconv.Itoa(i)))
			require.NoError(t, err)
			require.Equal(t, []byte("v"+strconv.Itoa(i)), rec)
		}
		require.NoError(t, env.Close())
	})
	t.Run("FlushWaitsForOlderActive", func(t *testing.T) {
		env := newTestEnv(t, "txn.flushwait", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		older, err := env.Begin(0)
		require.NoError(t, err)
		newer, err := env.Begin(0)
		require.NoError(t, err)
		_, err = db.Insert(newer, []byte("k"), []byte("v"), 0)
		require.NoError(t, err)
		require.NoError(t, newer.Commit())
		// older还活着, newer的op不能越过它落盘
		require.NotNil(t, db.optree.get([]byte("k")))
		_, err = db.tree.lookup([]byte("k"))
		require.ErrorIs(t, err, ErrKeyNotFound)
		// 但对其它reader已经可见
		_, rec, err := db.Find(nil, []byte("k"), MatchExact)
		require.NoError(t, err)
		require.Equal(t, []byte("v"), rec)
		require.NoError(t, older.Commit())
		require.Nil(t, db.optree.get([]byte("k")))
		_, err = db.tree.lookup([]byte("k"))
		require.NoError(t, err)
		require.NoError(t, env.Close())
	})
	t.Run("CommitOrderOnKeyCollision", func(t *testing.T) {
		env := newTestEnv(t, "txn.collide", Config{})
		db, err := env.CreateDatabase(1, DatabaseConfig{})
		require.NoError(t, err)
		blocker, err := env.Begin(0)
		require.NoError(t, err)
		t1, err := env.Begin(0)
		require.NoError(t, err)
		t2, err := env.Begin(0)
		require.NoError(t, err)
		_, err = db.Insert(t1, []byte("k"), []byte("from-t1"), 0)
		require.NoError(t, err)
		_, err = db.Insert(t2, []byte("k"), []byte("from-t2"), Overwrite)
		require.NoError(t, err)
		require.NoError(t, t1.Commit())
		require.NoError(t, t2.Commit())
		require.NoError(t, blocker.Commit())
		// 同key冲突按提交顺序落盘, 晚提交的赢
		rec, err := db.tree.lookup([]byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("from-t2"), rec)
		require.NoError(t, env.Close())
	})
}

func TestTxnCursorMove(t *testing.T) {
	initTest(t)
	env := newTestEnv(t, "txnc.move", Config{})
	db, err := env.CreateDatabase(1, DatabaseConfig{})
	require.NoError(t, err)
	txn, err := env.Begin(0)
	require.NoError(t, err)
	for _, s := range []string{"a", "b", "c"} {
		_, err = db.Insert(txn, []byte(s), []byte("v"+s), 0)
		require.NoError(t, err)
	}
	// erase过的key在txn游标的遍历里直接被跳过
	require.NoError(t, db.Erase(txn, []byte("b")))

	tc := newTxnCursor(db, txn)
	require.NoError(t, tc.move(MoveFirst))
	key, err := tc.getKey()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), key)
	require.NoError(t, tc.move(MoveNext))
	key, err = tc.getKey()
	require.NoError(t, err)
	require.Equal(t, []byte("c"), key)
	require.ErrorIs(t, tc.move(MoveNext), ErrKeyNotFound)

	require.NoError(t, tc.move(MoveLast))
	key, err = tc.getKey()
	require.NoError(t, err)
	require.Equal(t, []byte("c"), key)
	require.NoError(t, tc.move(MovePrevious))
	key, err = tc.getKey()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), key)
	tc.setToNil()
	require.NoError(t, txn.Abort())
	require.NoError(t, env.Close())
}

func TestTxnCursorStates(t *testing.T) {
	initTest(t)
	env := newTestEnv(t, "txnc.states", Config{})
	db, err := env.CreateDatabase(1, DatabaseConfig{})
	require.NoError(t, err)
	txn, err := env.Begin(0)
	require.NoError(t, err)
	_, err = db.Insert(txn, []byte("a"), []byte("va"), 0)
	require.NoError(t, err)

	tc := newTxnCursor(db, txn)
	require.True(t, tc.isNil())
	_, err = tc.getKey()
	require.ErrorIs(t, err, ErrCursorIsNil)

	require.NoError(t, tc.find([]byte("a")))
	require.Equal(t, tcsCoupled, tc.state)
	key, err := tc.getKey()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), key)
	rec, err := tc.getRecord()
	require.NoError(t, err)
	require.Equal(t, []byte("va"), rec)

	// flush把op吸收进B树, coupled的游标要退成uncoupled并留下key拷贝
	op := tc.op
	require.NotNil(t, op)
	require.NoError(t, txn.Commit())
	require.Equal(t, tcsUncoupled, tc.state)
	require.Equal(t, []byte("a"), tc.uncoupledKey)
	// uncoupled的getter用ErrInternal要求caller转去查B树
	_, err = tc.getKey()
	require.ErrorIs(t, err, ErrInternal)
	_, err = tc.getRecord()
	require.ErrorIs(t, err, ErrInternal)

	// 没实现的操作老老实实报NotImplemented
	_, err = tc.clone()
	require.ErrorIs(t, err, ErrNotImplemented)
	require.ErrorIs(t, tc.overwrite(nil), ErrNotImplemented)
	require.ErrorIs(t, tc.eraseCurrent(), ErrNotImplemented)
	_, err = tc.duplicateCount()
	require.ErrorIs(t, err, ErrNotImplemented)
	require.NoError(t, env.Close())
}
