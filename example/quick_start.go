package main

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/cosim/upscaledb"
)

func main() {
	// create file with path is dbset/quick_start.db
	env, err := upscaledb.OpenEnv(upscaledb.Config{
		RootDir: "dbset",
		Name:    "quick_start",
	})
	if err != nil {
		panic(err)
	}
	db, err := env.CreateDatabase(1, upscaledb.DatabaseConfig{})
	if err != nil {
		panic(err)
	}
	// begin txn, write data, commit
	txn, err := env.Begin(0)
	if err != nil {
		panic(err)
	}
	for i := uint64(0); i < 64; i++ {
		key := []byte(strconv.FormatUint(i, 10))
		val := []byte(strconv.FormatUint(rand.Uint64(), 10))
		if _, err = db.Insert(txn, key, val, 0); err != nil {
			panic(fmt.Errorf("insert err:%v", err))
		}
	}
	if err = txn.Commit(); err != nil {
		panic(fmt.Errorf("commit err:%v", err))
	}
	// iterate the merged view with a cursor
	cur, err := db.Cursor(nil)
	if err != nil {
		panic(err)
	}
	for err = cur.Move(upscaledb.MoveFirst); err == nil; err = cur.Move(upscaledb.MoveNext) {
		k, _ := cur.Key()
		v, _ := cur.Record()
		fmt.Printf("cursor key=%s, val=%s\n", k, v)
	}
	if err = cur.Close(); err != nil {
		panic(err)
	}
	// close, flush everything
	if err = env.Close(); err != nil {
		panic(fmt.Errorf("close err:%v", err))
	}
}
