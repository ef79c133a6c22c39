package storage

import "encoding/binary"

// Slots are big-endian on disk so files stay readable by other ByteBuffer-style
// readers of the same layout.

func putInt64(b []byte, v int64) {
	binary.BigEndian.PutUint64(b, uint64(v))
}

func getInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func putInt32(b []byte, v int32) {
	binary.BigEndian.PutUint32(b, uint32(v))
}

func getInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}
