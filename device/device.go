// Package device provides the chunk-backed block device the journal and the
// write-back cache write to. A device is a single preallocated file with a
// fixed block size; all I/O is block aligned.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

const (
	devHeaderMagic   uint32 = 0x4A444556
	devHeaderVersion uint32 = 1
	devHeaderSize           = 40
)

var (
	ErrBadHeader  = errors.New("device header corrupted")
	ErrUnaligned  = errors.New("unaligned device access")
	ErrOutOfRange = errors.New("device access out of range")
)

// Device is a fixed-capacity chunk file. Block 0 of the file holds the
// device header; data blocks start right after it.
type Device struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	blockSize uint32
	capacity  uint64 // data blocks, excluding the header block
	id        uuid.UUID
	logger    *slog.Logger
}

// Format creates (or re-creates) a device file with the given geometry and
// stamps a fresh identity into its header.
func Format(path string, capacityBlks uint64, blockSize uint32, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if blockSize == 0 || blockSize%512 != 0 {
		return nil, fmt.Errorf("block size %d is not a multiple of 512", blockSize)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	d := &Device{
		f:         f,
		path:      path,
		blockSize: blockSize,
		capacity:  capacityBlks,
		id:        uuid.New(),
		logger:    logger,
	}

	hdr := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(hdr[0:], devHeaderMagic)
	binary.LittleEndian.PutUint32(hdr[4:], devHeaderVersion)
	binary.LittleEndian.PutUint32(hdr[8:], blockSize)
	binary.LittleEndian.PutUint64(hdr[16:], capacityBlks)
	copy(hdr[24:], d.id[:])

	if _, err := f.WriteAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write device header: %w", err)
	}
	if err := f.Truncate(int64(blockSize) * int64(capacityBlks+1)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size device file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}

	logger.Info("Device formatted", "path", path, "blocks", capacityBlks, "block_size", blockSize, "uuid", d.id)
	return d, nil
}

// Open opens an existing formatted device and validates its header.
func Open(path string, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, devHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("read device header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != devHeaderMagic {
		f.Close()
		return nil, fmt.Errorf("%w: magic mismatch", ErrBadHeader)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != devHeaderVersion {
		f.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadHeader, v)
	}

	d := &Device{
		f:         f,
		path:      path,
		blockSize: binary.LittleEndian.Uint32(hdr[8:]),
		capacity:  binary.LittleEndian.Uint64(hdr[16:]),
		logger:    logger,
	}
	copy(d.id[:], hdr[24:40])

	logger.Debug("Device opened", "path", path, "blocks", d.capacity, "uuid", d.id)
	return d, nil
}

func (d *Device) BlockSize() uint32    { return d.blockSize }
func (d *Device) CapacityBlks() uint64 { return d.capacity }
func (d *Device) UUID() uuid.UUID     { return d.id }

// OffsetOf maps a data block number to an absolute device offset.
func (d *Device) OffsetOf(blkNum uint64) int64 {
	return int64(d.blockSize) * int64(blkNum+1)
}

// BlkNumOf is the inverse of OffsetOf.
func (d *Device) BlkNumOf(devOffset int64) uint64 {
	return uint64(devOffset/int64(d.blockSize)) - 1
}

func (d *Device) checkRange(off int64, n int64) error {
	if off%int64(d.blockSize) != 0 {
		return fmt.Errorf("%w: offset %d", ErrUnaligned, off)
	}
	end := int64(d.blockSize) * int64(d.capacity+1)
	if off < int64(d.blockSize) || off+n > end {
		return fmt.Errorf("%w: [%d, %d) outside data region", ErrOutOfRange, off, off+n)
	}
	return nil
}

// WriteVec lands all buffers contiguously at devOffset in one vectored
// write, followed by a sync. The offset must be block aligned.
func (d *Device) WriteVec(devOffset int64, bufs [][]byte) error {
	var total int64
	for _, b := range bufs {
		total += int64(len(b))
	}
	if err := d.checkRange(devOffset, total); err != nil {
		return err
	}
	if err := pwritev(d.f, bufs, devOffset); err != nil {
		return fmt.Errorf("device writev at %d: %w", devOffset, err)
	}
	return d.f.Sync()
}

// WriteAt writes a single buffer at devOffset and syncs.
func (d *Device) WriteAt(devOffset int64, buf []byte) error {
	return d.WriteVec(devOffset, [][]byte{buf})
}

// ReadAt implements io.ReaderAt over the device file. Reads past the end of
// the data region are truncated like a regular file read.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// PunchHole releases the physical space of [devOffset, devOffset+size).
// The logical content reads back as zeros. Best effort on platforms
// without hole punching.
func (d *Device) PunchHole(devOffset, size int64) error {
	if err := d.checkRange(devOffset, size); err != nil {
		return err
	}
	return sysPunchHole(d.f, devOffset, size)
}

// Sync flushes the device file.
func (d *Device) Sync() error { return d.f.Sync() }

// Close closes the device file.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
