package logdev

import (
	"fmt"
	"io"
	"log/slog"
)

// StreamReader scans the journal forward, yielding one validated log group
// at a time. It tracks the CRC chain across groups and the expected start
// index of the next group so a torn tail is told apart from corruption.
type StreamReader struct {
	r      io.ReaderAt
	cur    int64
	probe  int64
	fsm    uint64
	logger *slog.Logger

	prevCRC    uint32
	haveChain  bool
	nextIdx    int64
	groupsRead uint64
}

// NewStreamReader starts a scan at startOffset. fsm is the journal's flush
// size multiple; every group starts on such a boundary.
func NewStreamReader(r io.ReaderAt, startOffset int64, fsm uint64, logger *slog.Logger) *StreamReader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StreamReader{
		r:       r,
		cur:     startOffset,
		probe:   startOffset,
		fsm:     fsm,
		logger:  logger,
		nextIdx: -1,
	}
}

// NextGroup returns the next group's full byte image and its device offset.
// A nil buffer with a nil error means end of stream: the bytes at the cursor
// do not form a valid continuation. A non-nil error means the chain itself
// is provably corrupt.
func (s *StreamReader) NextGroup() ([]byte, int64, error) {
	buf := make([]byte, initialReadSize)
	n, err := s.r.ReadAt(buf, s.cur)
	if n < logGroupHdrSize {
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, 0, fmt.Errorf("journal read at %d: %w", s.cur, err)
		}
		return nil, 0, nil
	}
	buf = buf[:n]

	hdr, err := ParseGroupHeader(buf)
	if err != nil {
		return nil, 0, nil
	}
	if hdr.Magic != LogGroupHdrMagic || hdr.Version != logGroupHdrVersion {
		return nil, 0, nil
	}
	if !s.saneGeometry(hdr) {
		return nil, 0, nil
	}
	if s.nextIdx >= 0 && hdr.StartLogIdx != s.nextIdx {
		// A stale group from a previous journal generation; clean tail.
		return nil, 0, nil
	}

	if int(hdr.GroupSize) > len(buf) {
		full := make([]byte, hdr.GroupSize)
		if _, err := s.r.ReadAt(full, s.cur); err != nil {
			return nil, 0, nil
		}
		buf = full
	} else {
		buf = buf[:hdr.GroupSize]
	}

	footer := decodeGroupFooter(buf[hdr.FooterOffset:])
	if footer.magic != LogGroupFooterMagic || footer.startLogIdx != hdr.StartLogIdx {
		// Header landed but the tail of the group did not: torn write.
		return nil, 0, nil
	}

	crc := crcBytes(initCRC32, buf[logGroupHdrSize:hdr.FooterOffset])
	if crc != hdr.CurGrpCRC {
		return nil, 0, nil
	}

	if s.haveChain && hdr.PrevGrpCRC != s.prevCRC {
		return nil, 0, fmt.Errorf("%w: group at %d chains prev_crc=%#x, expected %#x",
			ErrCorruptData, s.cur, hdr.PrevGrpCRC, s.prevCRC)
	}

	devOffset := s.cur
	s.cur += int64(hdr.GroupSize)
	s.probe = s.cur
	s.prevCRC = hdr.CurGrpCRC
	s.haveChain = true
	s.nextIdx = hdr.StartLogIdx + int64(hdr.NRecords)
	s.groupsRead++
	return buf, devOffset, nil
}

func (s *StreamReader) saneGeometry(hdr GroupHeader) bool {
	minSize := uint32(logGroupHdrSize + logGroupFooterSize)
	if hdr.GroupSize < minSize || uint64(hdr.GroupSize)%s.fsm != 0 {
		return false
	}
	if hdr.FooterOffset < logGroupHdrSize || hdr.FooterOffset+logGroupFooterSize > hdr.GroupSize {
		return false
	}
	if hdr.OOBDataOffset > hdr.FooterOffset {
		return false
	}
	if hdr.NRecords > maxRecordsInBatch {
		return false
	}
	return true
}

// GroupInNextPage probes the next page boundary for a header. Used after an
// apparent end of stream: a header with a future start idx out there means
// the scan stopped on corruption, not on the genuine tail.
func (s *StreamReader) GroupInNextPage() (GroupHeader, bool) {
	buf := make([]byte, s.fsm)
	s.probe += int64(s.fsm)
	if n, _ := s.r.ReadAt(buf, s.probe); n < logGroupHdrSize {
		return GroupHeader{}, false
	}
	hdr, err := ParseGroupHeader(buf)
	if err != nil || hdr.Magic != LogGroupHdrMagic {
		return GroupHeader{}, false
	}
	return hdr, true
}

// Cursor returns the device offset the next NextGroup call reads from.
func (s *StreamReader) Cursor() int64 { return s.cur }

// GroupsRead returns how many valid groups the scan has yielded.
func (s *StreamReader) GroupsRead() uint64 { return s.groupsRead }
