package logdev

import (
	"bytes"
	"testing"
	"unsafe"
)

// flatten renders the iovec array the way the device would land it.
func flatten(iovecs [][]byte) []byte {
	var out []byte
	for _, b := range iovecs {
		out = append(out, b...)
	}
	return out
}

// alignedPayload returns a buffer of the given size whose base address is
// aligned to boundary, filled with a repeating pattern.
func alignedPayload(size int, boundary int, fill byte) []byte {
	raw := make([]byte, size+boundary)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	off := int((uintptr(boundary) - addr%uintptr(boundary)) % uintptr(boundary))
	buf := raw[off : off+size]
	for i := range buf {
		buf[i] = fill + byte(i%7)
	}
	return buf
}

func TestGroupSingleInlineRecord(t *testing.T) {
	lg := newLogGroup(512, 512)
	lg.reset(16)

	payload := []byte("hello")
	if !lg.addRecord(&logRecord{streamID: 7, seq: 3, data: payload}, 42) {
		t.Fatal("addRecord refused a tiny record")
	}
	lg.finish(9, 0xCAFE)
	img := flatten(lg.iovecs)

	hdr, err := ParseGroupHeader(img)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Magic != LogGroupHdrMagic || hdr.Version != 0 {
		t.Errorf("bad header magic/version: %#x/%d", hdr.Magic, hdr.Version)
	}
	if hdr.NRecords != 1 || hdr.StartLogIdx != 42 || hdr.LogdevID != 9 {
		t.Errorf("header fields: %+v", hdr)
	}
	if hdr.PrevGrpCRC != 0xCAFE {
		t.Errorf("prev crc not chained: %#x", hdr.PrevGrpCRC)
	}
	if int(hdr.GroupSize) != len(img) {
		t.Errorf("group size %d vs image %d", hdr.GroupSize, len(img))
	}
	if hdr.GroupSize%512 != 0 {
		t.Errorf("group size %d not aligned", hdr.GroupSize)
	}

	rec := hdr.Record(img, 0)
	if rec.Size != 5 || !rec.Inlined || rec.Seq != 3 || rec.StreamID != 7 {
		t.Errorf("record slot: %+v", rec)
	}
	got := img[rec.dataOffset(hdr.OOBDataOffset):][:rec.Size]
	if !bytes.Equal(got, payload) {
		t.Errorf("payload %q; want %q", got, payload)
	}

	// CRC covers end of header through the OOB area.
	if crcBytes(initCRC32, img[logGroupHdrSize:hdr.FooterOffset]) != hdr.CurGrpCRC {
		t.Error("stored group crc does not match recomputation")
	}

	footer := decodeGroupFooter(img[hdr.FooterOffset:])
	if footer.magic != LogGroupFooterMagic || footer.startLogIdx != 42 {
		t.Errorf("footer: %+v", footer)
	}
}

func TestGroupOOBRecord(t *testing.T) {
	lg := newLogGroup(512, 512)
	lg.reset(16)

	// Aligned, 512-multiple, >= optimal inline size: carried out of band.
	payload := alignedPayload(1024, 512, 0x11)
	if !lg.addRecord(&logRecord{streamID: 1, seq: 0, data: payload}, 0) {
		t.Fatal("addRecord refused")
	}
	lg.finish(0, 0)
	img := flatten(lg.iovecs)
	hdr, _ := ParseGroupHeader(img)

	rec := hdr.Record(img, 0)
	if rec.Inlined {
		t.Fatal("aligned 1024-byte payload should be out of band")
	}
	if hdr.OOBDataOffset%512 != 0 {
		t.Errorf("oob area must be aligned, got %d", hdr.OOBDataOffset)
	}
	got := img[rec.dataOffset(hdr.OOBDataOffset):][:rec.Size]
	if !bytes.Equal(got, payload) {
		t.Error("oob payload mismatch")
	}
}

func TestGroupInliningBoundaries(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		inlined bool
	}{
		{"exactly optimal aligned multiple", alignedPayload(512, 512, 1), false},
		{"optimal plus one", alignedPayload(513, 512, 2), true}, // not a flush-size multiple
		{"misaligned by one byte", alignedPayload(1024, 512, 3)[1:513], true},
		{"below optimal", alignedPayload(100, 512, 4), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lg := newLogGroup(512, 512)
			lg.reset(4)
			if !lg.addRecord(&logRecord{data: tc.payload}, 0) {
				t.Fatal("addRecord refused")
			}
			img := flatten(lg.finish(0, 0))
			hdr, _ := ParseGroupHeader(img)
			rec := hdr.Record(img, 0)
			if rec.Inlined != tc.inlined {
				t.Errorf("inlined = %v; want %v", rec.Inlined, tc.inlined)
			}
			got := img[rec.dataOffset(hdr.OOBDataOffset):][:rec.Size]
			if !bytes.Equal(got, tc.payload) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestGroupRejectsWhenFull(t *testing.T) {
	lg := newLogGroup(512, 512)
	lg.reset(2)
	if !lg.addRecord(&logRecord{data: []byte("a")}, 0) || !lg.addRecord(&logRecord{data: []byte("b")}, 1) {
		t.Fatal("first two records must fit")
	}
	if lg.addRecord(&logRecord{data: []byte("c")}, 2) {
		t.Error("third record should be rejected at max_records=2")
	}
}

func TestGroupOverflowGrowsInlineBuf(t *testing.T) {
	lg := newLogGroup(512, 4096)
	lg.reset(maxRecordsInBatch)

	// Large but odd-sized payloads stay inline and overflow the initial buffer.
	payload := alignedPayload(9000, 512, 5)[:8999]
	if !lg.addRecord(&logRecord{data: payload}, 0) {
		t.Fatal("overflowing record should be accepted via overflow buf")
	}
	img := flatten(lg.finish(0, 0))
	hdr, _ := ParseGroupHeader(img)
	rec := hdr.Record(img, 0)
	if !rec.Inlined {
		t.Fatal("odd-sized payload should be inlined")
	}
	got := img[rec.dataOffset(hdr.OOBDataOffset):][:rec.Size]
	if !bytes.Equal(got, payload) {
		t.Error("payload lost across overflow growth")
	}
}

func TestGroupMultiRecordOffsets(t *testing.T) {
	lg := newLogGroup(512, 512)
	lg.reset(8)

	small1 := []byte("first-record")
	big := alignedPayload(2048, 512, 6)
	small2 := []byte("third-record")
	for i, p := range [][]byte{small1, big, small2} {
		if !lg.addRecord(&logRecord{seq: int64(i), data: p}, int64(10+i)) {
			t.Fatalf("record %d refused", i)
		}
	}
	img := flatten(lg.finish(0, 0))
	hdr, _ := ParseGroupHeader(img)

	if hdr.NRecords != 3 || hdr.StartLogIdx != 10 {
		t.Fatalf("header: %+v", hdr)
	}
	want := [][]byte{small1, big, small2}
	for i := uint32(0); i < 3; i++ {
		rec := hdr.Record(img, i)
		got := img[rec.dataOffset(hdr.OOBDataOffset):][:rec.Size]
		if !bytes.Equal(got, want[i]) {
			t.Errorf("record %d payload mismatch", i)
		}
	}
}

func TestRecordHeaderCodec(t *testing.T) {
	in := RecordHeader{Size: 12345, Offset: 0x70F0F0F0 & 0x7FFFFFFF, Inlined: true, Seq: -1, StreamID: 99}
	buf := make([]byte, serializedRecordSize)
	in.encodeTo(buf)
	if out := decodeRecordHeader(buf); out != in {
		t.Errorf("codec mismatch: %+v != %+v", out, in)
	}
}
