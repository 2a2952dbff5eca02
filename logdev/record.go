package logdev

import (
	"encoding/binary"
	"unsafe"
)

// logRecord is the in-memory form of a record, owned by the tracker from
// append until its group's flush completion has been delivered.
type logRecord struct {
	streamID uint32
	seq      int64
	data     []byte
	ctx      any
}

func (r *logRecord) serializedSize() int64 {
	return serializedRecordSize + int64(len(r.data))
}

// isInlineable decides whether the payload is packed into the group's inline
// area. Payloads go out-of-band only when they are large, an exact multiple
// of the flush boundary, and start on an aligned address — anything else
// cannot be carried by reference in a DMA write.
func (r *logRecord) isInlineable(fsm uint64, optimalInlineSize uint32) bool {
	if isSizeInlineable(len(r.data), fsm, optimalInlineSize) {
		return true
	}
	return uintptr(unsafe.Pointer(&r.data[0]))%uintptr(fsm) != 0
}

func isSizeInlineable(sz int, fsm uint64, optimalInlineSize uint32) bool {
	return sz < int(optimalInlineSize) || uint64(sz)%fsm != 0
}

// RecordHeader is the packed per-record slot stored inside a group.
type RecordHeader struct {
	Size     uint32
	Offset   uint32 // within the group; relative to the OOB area when !Inlined
	Inlined  bool
	Seq      int64
	StreamID uint32
}

func (h RecordHeader) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], h.Size)
	offsetAndFlag := h.Offset & 0x7FFFFFFF
	if h.Inlined {
		offsetAndFlag |= 1 << 31
	}
	binary.LittleEndian.PutUint32(buf[4:], offsetAndFlag)
	binary.LittleEndian.PutUint64(buf[8:], uint64(h.Seq))
	binary.LittleEndian.PutUint32(buf[16:], h.StreamID)
}

func decodeRecordHeader(buf []byte) RecordHeader {
	offsetAndFlag := binary.LittleEndian.Uint32(buf[4:])
	return RecordHeader{
		Size:     binary.LittleEndian.Uint32(buf[0:]),
		Offset:   offsetAndFlag & 0x7FFFFFFF,
		Inlined:  offsetAndFlag&(1<<31) != 0,
		Seq:      int64(binary.LittleEndian.Uint64(buf[8:])),
		StreamID: binary.LittleEndian.Uint32(buf[16:]),
	}
}

// dataOffset returns the record payload's offset from the group start.
func (h RecordHeader) dataOffset(oobDataOffset uint32) uint32 {
	if h.Inlined {
		return h.Offset
	}
	return oobDataOffset + h.Offset
}
