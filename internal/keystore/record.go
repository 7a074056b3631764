package keystore

import "encoding/binary"

// Record states, per spec.md §3.
const (
	StateEmpty     byte = 0
	StateLive      byte = 1
	StateTombstone byte = 2
)

// record is the fixed-width on-disk key-record layout from spec.md §3:
//
//	state (1) | klen (2) | key (maxKeyLen, zero-padded) | vid (8) | vlen (4) | hash_tag (8)
//
// Width is constant per database (recordWidth = 23 + maxKeyLen).
type record struct {
	state   byte
	klen    uint16
	key     []byte // maxKeyLen bytes, zero-padded
	vid     uint64
	vlen    uint32
	hashTag uint64
}

func recordWidth(maxKeyLen int) int {
	return 1 + 2 + maxKeyLen + 8 + 4 + 8
}

func (r *record) encode(buf []byte, maxKeyLen int) {
	buf[0] = r.state
	binary.LittleEndian.PutUint16(buf[1:3], r.klen)
	off := 3
	copy(buf[off:off+maxKeyLen], r.key)
	off += maxKeyLen
	binary.LittleEndian.PutUint64(buf[off:off+8], r.vid)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], r.vlen)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], r.hashTag)
}

func decodeRecord(buf []byte, maxKeyLen int) record {
	var r record
	r.state = buf[0]
	r.klen = binary.LittleEndian.Uint16(buf[1:3])
	off := 3
	r.key = append([]byte(nil), buf[off:off+maxKeyLen]...)
	off += maxKeyLen
	r.vid = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.vlen = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	r.hashTag = binary.LittleEndian.Uint64(buf[off : off+8])
	return r
}

func (r *record) actualKey() []byte {
	return r.key[:r.klen]
}

func newLiveRecord(key []byte, maxKeyLen int, vid uint64, vlen uint32, hashTag uint64) record {
	padded := make([]byte, maxKeyLen)
	copy(padded, key)
	return record{
		state:   StateLive,
		klen:    uint16(len(key)),
		key:     padded,
		vid:     vid,
		vlen:    vlen,
		hashTag: hashTag,
	}
}
