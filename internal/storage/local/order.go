package local

import "encoding/binary"

var (
	bucketEntries = []byte("entries") // LocalID → encoded entry
	bucketOrder   = []byte("order")   // orderKey → LocalID
)

// orderKey builds the key of the order bucket:
//
//	[createdAt: 8 bytes, big-endian, sign bit flipped]
//	[localID  : remaining bytes                     ]
//
// bbolt iterates keys in byte order, so a cursor walk over the order bucket
// yields entries by CreatedAt with LocalID as the tie-break, which is exactly
// the queue order. Flipping the sign bit keeps negative timestamps sorted
// before positive ones.
func orderKey(createdAt int64, localID string) []byte {
	buf := make([]byte, 8+len(localID))
	binary.BigEndian.PutUint64(buf, uint64(createdAt)^(1<<63))
	copy(buf[8:], localID)
	return buf
}
