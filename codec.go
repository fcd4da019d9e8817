package upscaledb

import (
	"encoding/binary"
	"encoding/json"
)

var (
	_ Codec[[]byte] = new(BytesCodec)
	_ Codec[string] = new(JsonTypeCodec[string])
)

type Codec[T any] interface {
	Unmarshal(data []byte, v *T) error
	Marshal(v *T) ([]byte, error)
}

type BytesCodec struct{}

func (b BytesCodec) Unmarshal(data []byte, v *[]byte) error {
	*v = data
	return nil
}

func (b BytesCodec) Marshal(v *[]byte) ([]byte, error) {
	return *v, nil
}

type Uint64Codec struct{}

func (u Uint64Codec) Unmarshal(data []byte, v *uint64) error {
	*v = binary.BigEndian.Uint64(data)
	return nil
}

func (u Uint64Codec) Marshal(v *uint64) (b []byte, err error) {
	b = binary.BigEndian.AppendUint64(b, *v)
	return
}

type JsonTypeCodec[T any] struct{}

func (j JsonTypeCodec[T]) Unmarshal(data []byte, v *T) error {
	return json.Unmarshal(data, v)
}

func (j JsonTypeCodec[T]) Marshal(v *T) ([]byte, error) {
	return json.Marshal(v)
}

// TypedView 在Database上套一层类型化的编解码访问
type TypedView[K any, V any] struct {
	db       *Database
	keyCodec Codec[K]
	valCodec Codec[V]
}

func NewTypedView[K any, V any](db *Database, kc Codec[K], vc Codec[V]) *TypedView[K, V] {
	return &TypedView[K, V]{db: db, keyCodec: kc, valCodec: vc}
}

func (v *TypedView[K, V]) Put(txn *Txn, key K, val V) error {
	keyBytes, err := v.keyCodec.Marshal(&key)
	if err != nil {
		return err
	}
	valBytes, err := v.valCodec.Marshal(&val)
	if err != nil {
		return err
	}
	_, err = v.db.Insert(txn, keyBytes, valBytes, Overwrite)
	return err
}

func (v *TypedView[K, V]) Get(txn *Txn, key K) (val V, found bool, err error) {
	keyBytes, err := v.keyCodec.Marshal(&key)
	if err != nil {
		return
	}
	_, valBytes, err := v.db.Find(txn, keyBytes, MatchExact)
	if err == ErrKeyNotFound {
		err = nil
		return
	}
	if err != nil {
		return
	}
	found = true
	err = v.valCodec.Unmarshal(valBytes, &val)
	return
}

func (v *TypedView[K, V]) Del(txn *Txn, key K) (found bool, err error) {
	keyBytes, err := v.keyCodec.Marshal(&key)
	if err != nil {
		return
	}
	err = v.db.Erase(txn, keyBytes)
	if err == ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return
	}
	return true, nil
}
