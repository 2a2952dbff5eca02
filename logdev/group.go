package logdev

import (
	"encoding/binary"
	"fmt"
)

// GroupHeader is the parsed on-disk log group header.
type GroupHeader struct {
	Magic            uint32
	Version          uint32
	NRecords         uint32
	StartLogIdx      int64
	GroupSize        uint32
	InlineDataOffset uint32
	OOBDataOffset    uint32
	FooterOffset     uint32
	PrevGrpCRC       uint32
	CurGrpCRC        uint32
	LogdevID         uint32
}

func (h GroupHeader) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.NRecords)
	binary.LittleEndian.PutUint64(buf[12:], uint64(h.StartLogIdx))
	binary.LittleEndian.PutUint32(buf[20:], h.GroupSize)
	binary.LittleEndian.PutUint32(buf[24:], h.InlineDataOffset)
	binary.LittleEndian.PutUint32(buf[28:], h.OOBDataOffset)
	binary.LittleEndian.PutUint32(buf[32:], h.FooterOffset)
	binary.LittleEndian.PutUint32(buf[36:], h.PrevGrpCRC)
	binary.LittleEndian.PutUint32(buf[40:], h.CurGrpCRC)
	binary.LittleEndian.PutUint32(buf[44:], h.LogdevID)
}

// ParseGroupHeader decodes a group header without validating it.
func ParseGroupHeader(buf []byte) (GroupHeader, error) {
	if len(buf) < logGroupHdrSize {
		return GroupHeader{}, fmt.Errorf("%w: %d bytes is smaller than a group header", ErrCorruptData, len(buf))
	}
	return GroupHeader{
		Magic:            binary.LittleEndian.Uint32(buf[0:]),
		Version:          binary.LittleEndian.Uint32(buf[4:]),
		NRecords:         binary.LittleEndian.Uint32(buf[8:]),
		StartLogIdx:      int64(binary.LittleEndian.Uint64(buf[12:])),
		GroupSize:        binary.LittleEndian.Uint32(buf[20:]),
		InlineDataOffset: binary.LittleEndian.Uint32(buf[24:]),
		OOBDataOffset:    binary.LittleEndian.Uint32(buf[28:]),
		FooterOffset:     binary.LittleEndian.Uint32(buf[32:]),
		PrevGrpCRC:       binary.LittleEndian.Uint32(buf[36:]),
		CurGrpCRC:        binary.LittleEndian.Uint32(buf[40:]),
		LogdevID:         binary.LittleEndian.Uint32(buf[44:]),
	}, nil
}

// Record returns the nth record slot of the group image.
func (h GroupHeader) Record(groupBuf []byte, n uint32) RecordHeader {
	off := logGroupHdrSize + n*serializedRecordSize
	return decodeRecordHeader(groupBuf[off:])
}

// groupFooter mirrors the on-disk footer: a 24-bit magic packed with an
// 8-bit version, the group's starting log index, and padding.
type groupFooter struct {
	magic       uint32
	version     uint8
	startLogIdx int64
}

func (f groupFooter) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], f.magic&0x00FFFFFF|uint32(f.version)<<24)
	binary.LittleEndian.PutUint64(buf[4:], uint64(f.startLogIdx))
}

func decodeGroupFooter(buf []byte) groupFooter {
	packed := binary.LittleEndian.Uint32(buf[0:])
	return groupFooter{
		magic:       packed & 0x00FFFFFF,
		version:     uint8(packed >> 24),
		startLogIdx: int64(binary.LittleEndian.Uint64(buf[4:])),
	}
}

// Compile-time constants sizing the group buffers.
const (
	optimalNumRecords = 16
	inlineLogBufSize  = 512 * optimalNumRecords
	// maxRecordsInBatch keeps the header plus all record slots within the
	// initial read window, so a scan always sees every slot in one read.
	maxRecordsInBatch = (initialReadSize - logGroupHdrSize) / serializedRecordSize
)

// LogGroup assembles one group of records into a flushable image: a
// contiguous head buffer (header, record slots, inline payloads), the
// out-of-band payloads carried by reference, and a footer buffer.
type LogGroup struct {
	buf       []byte
	footerBuf []byte

	maxRecords uint32
	nRecords   uint32

	inlinePos uint32 // absolute cursor into buf
	oobPos    uint32 // bytes accumulated in the OOB area
	oobBufs   [][]byte

	actualDataSize uint32

	flushLogIdxFrom int64
	flushLogIdxUpto int64
	logDevOffset    int64

	fsm               uint64
	optimalInlineSize uint32

	iovecs    [][]byte
	groupSize uint32
}

func newLogGroup(fsm uint64, optimalInlineSize uint32) *LogGroup {
	return &LogGroup{
		buf:               make([]byte, inlineLogBufSize),
		fsm:               fsm,
		optimalInlineSize: optimalInlineSize,
	}
}

// reset prepares the group for a fresh batch of at most maxRecords records.
func (lg *LogGroup) reset(maxRecords uint32) {
	if maxRecords > maxRecordsInBatch {
		maxRecords = maxRecordsInBatch
	}
	lg.maxRecords = maxRecords
	lg.nRecords = 0
	lg.inlinePos = logGroupHdrSize + maxRecords*serializedRecordSize
	lg.oobPos = 0
	lg.oobBufs = lg.oobBufs[:0]
	lg.actualDataSize = 0
	lg.flushLogIdxFrom = -1
	lg.flushLogIdxUpto = -1
	lg.logDevOffset = 0
	lg.iovecs = nil
	lg.groupSize = 0

	if uint32(len(lg.buf)) < lg.inlinePos {
		lg.createOverflowBuf(lg.inlinePos)
	}
	clear(lg.buf[:lg.inlinePos])
}

// createOverflowBuf grows the head buffer to hold at least minNeeded bytes.
func (lg *LogGroup) createOverflowBuf(minNeeded uint32) {
	sz := roundUp32(minNeeded*2, uint32(lg.fsm))
	nbuf := make([]byte, sz)
	copy(nbuf, lg.buf)
	lg.buf = nbuf
}

// addRecord serializes one record into the group. It returns false when the
// group is full and the record must wait for the next flush.
func (lg *LogGroup) addRecord(rec *logRecord, logIdx int64) bool {
	if lg.nRecords >= lg.maxRecords {
		return false
	}

	size := uint32(len(rec.data))
	hdr := RecordHeader{Size: size, Seq: rec.seq, StreamID: rec.streamID}

	if len(rec.data) == 0 || rec.isInlineable(lg.fsm, lg.optimalInlineSize) {
		if lg.inlinePos+size > uint32(len(lg.buf)) {
			lg.createOverflowBuf(lg.inlinePos + size)
		}
		hdr.Inlined = true
		hdr.Offset = lg.inlinePos
		copy(lg.buf[lg.inlinePos:], rec.data)
		lg.inlinePos += size
	} else {
		hdr.Offset = lg.oobPos
		lg.oobBufs = append(lg.oobBufs, rec.data)
		lg.oobPos += size
	}

	hdr.encodeTo(lg.buf[logGroupHdrSize+lg.nRecords*serializedRecordSize:])
	lg.nRecords++
	lg.actualDataSize += size

	if lg.flushLogIdxFrom < 0 {
		lg.flushLogIdxFrom = logIdx
	}
	lg.flushLogIdxUpto = logIdx
	return true
}

// finish seals the group: stamps the header and footer, computes the group
// CRC chained onto prevCRC, and lays out the write vector.
func (lg *LogGroup) finish(logdevID uint32, prevCRC uint32) [][]byte {
	fsm := uint32(lg.fsm)
	oobDataOffset := roundUp32(lg.inlinePos, fsm)
	footerOffset := oobDataOffset + lg.oobPos
	lg.groupSize = roundUp32(footerOffset+logGroupFooterSize, fsm)

	if oobDataOffset > uint32(len(lg.buf)) {
		lg.createOverflowBuf(oobDataOffset)
	}
	clear(lg.buf[lg.inlinePos:oobDataOffset])

	hdr := GroupHeader{
		Magic:            LogGroupHdrMagic,
		Version:          logGroupHdrVersion,
		NRecords:         lg.nRecords,
		StartLogIdx:      lg.flushLogIdxFrom,
		GroupSize:        lg.groupSize,
		InlineDataOffset: logGroupHdrSize + lg.maxRecords*serializedRecordSize,
		OOBDataOffset:    oobDataOffset,
		FooterOffset:     footerOffset,
		PrevGrpCRC:       prevCRC,
		LogdevID:         logdevID,
	}
	hdr.encodeTo(lg.buf[:logGroupHdrSize])

	// Group CRC covers everything after the header through the OOB area.
	crc := crcBytes(initCRC32, lg.buf[logGroupHdrSize:oobDataOffset])
	for _, b := range lg.oobBufs {
		crc = crcBytes(crc, b)
	}
	binary.LittleEndian.PutUint32(lg.buf[40:], crc)

	footerLen := lg.groupSize - footerOffset
	if uint32(len(lg.footerBuf)) < footerLen {
		lg.footerBuf = make([]byte, footerLen)
	}
	fbuf := lg.footerBuf[:footerLen]
	clear(fbuf)
	groupFooter{magic: LogGroupFooterMagic, version: logGroupFooterVersion, startLogIdx: lg.flushLogIdxFrom}.encodeTo(fbuf)

	lg.iovecs = make([][]byte, 0, 2+len(lg.oobBufs))
	lg.iovecs = append(lg.iovecs, lg.buf[:oobDataOffset])
	lg.iovecs = append(lg.iovecs, lg.oobBufs...)
	lg.iovecs = append(lg.iovecs, fbuf)
	return lg.iovecs
}

func (lg *LogGroup) header() GroupHeader {
	h, _ := ParseGroupHeader(lg.buf)
	return h
}

func (lg *LogGroup) curGrpCRC() uint32 {
	return binary.LittleEndian.Uint32(lg.buf[40:])
}
