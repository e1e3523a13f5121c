package util

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashUint64 对整数键做Hash，用于分片
func HashUint64(v uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return xxhash.Checksum64(buf[:])
}
