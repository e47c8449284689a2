package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer converts values to and from their stored form.
type Serializer[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// StringSerializer stores strings as UTF-8 bytes.
type StringSerializer struct{}

func (StringSerializer) Encode(value string) ([]byte, error) { return []byte(value), nil }
func (StringSerializer) Decode(data []byte) (string, error)  { return string(data), nil }

// BytesSerializer stores byte slices unchanged.
type BytesSerializer struct{}

func (BytesSerializer) Encode(value []byte) ([]byte, error) {
	return append([]byte(nil), value...), nil
}

func (BytesSerializer) Decode(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// Int64Serializer stores integers as 8 big-endian bytes, so stored keys sort
// numerically for non-negative values.
type Int64Serializer struct{}

func (Int64Serializer) Encode(value int64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, uint64(value)), nil
}

func (Int64Serializer) Decode(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid int64 encoding: %d bytes", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// MsgpackSerializer stores arbitrary values as MessagePack.
type MsgpackSerializer[T any] struct{}

func (MsgpackSerializer[T]) Encode(value T) ([]byte, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

func (MsgpackSerializer[T]) Decode(data []byte) (T, error) {
	var value T
	if err := msgpack.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("failed to decode value: %w", err)
	}
	return value, nil
}
