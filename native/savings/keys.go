package savings

import "encoding/binary"

var (
	poolStateKey      = []byte("savings/pool")
	positionPrefix    = []byte("savings/position/")
	positionIndex     = []byte("savings/position-nonce/")
	lastPositionKey   = []byte("savings/position-last")
	pendingClaimKey   = []byte("savings/pending/claim")
	pendingConvertKey = []byte("savings/pending/convert")
)

func positionKey(id uint64) []byte {
	return appendUint64(append([]byte(nil), positionPrefix...), id)
}

func positionIndexKey(instance uint64) []byte {
	return appendUint64(append([]byte(nil), positionIndex...), instance)
}

func appendUint64(key []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(key, buf[:]...)
}
