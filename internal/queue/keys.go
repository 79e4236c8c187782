package queue

import (
	"encoding/binary"
	"strings"
)

// Key layout, mirroring the prefix-per-concern convention this codebase
// uses for its own pebble-backed indices:
//
//	q/{queue}/avail/{seq}      -> encoded item, FIFO availability index
//	q/{queue}/reserved/{xid}   -> encoded reservation, held during a reliable read
//	q/{queue}/meta             -> encoded queueMeta
//	qnames/{queue}             -> empty marker, used only to enumerate queue names
const (
	queueKeyPrefix = "q/"
	prefixAvail    = "avail/"
	prefixReserved = "reserved/"
	metaSuffix     = "meta"
	qnamesPrefix   = "qnames/"
)

func queuePrefix(queue string) string {
	return queueKeyPrefix + queue + "/"
}

func availKey(queue string, seq uint64) []byte {
	prefix := queuePrefix(queue) + prefixAvail
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func availPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixAvail)
}

func reservedKey(queue string, xid uint32) []byte {
	prefix := queuePrefix(queue) + prefixReserved
	key := make([]byte, len(prefix)+4)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], xid)
	return key
}

func reservedPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixReserved)
}

func metaKey(queue string) []byte {
	return []byte(queuePrefix(queue) + metaSuffix)
}

func qnameKey(queue string) []byte {
	return []byte(qnamesPrefix + queue)
}

func qnamesPrefixBytes() []byte {
	return []byte(qnamesPrefix)
}

func queueFromQnameKey(key []byte) string {
	return strings.TrimPrefix(string(key), qnamesPrefix)
}
