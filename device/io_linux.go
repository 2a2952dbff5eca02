//go:build linux

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

// pwritev lands all buffers in a single vectored positional write. Short
// writes continue from where the kernel stopped.
func pwritev(f *os.File, bufs [][]byte, off int64) error {
	iov := make([][]byte, 0, len(bufs))
	for _, b := range bufs {
		if len(b) > 0 {
			iov = append(iov, b)
		}
	}
	for len(iov) > 0 {
		n, err := unix.Pwritev(int(f.Fd()), iov, off)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		off += int64(n)
		for n > 0 && len(iov) > 0 {
			if n >= len(iov[0]) {
				n -= len(iov[0])
				iov = iov[1:]
			} else {
				iov[0] = iov[0][n:]
				n = 0
			}
		}
	}
	return nil
}

// sysPunchHole uses fallocate to deallocate disk space while keeping the
// file size.
func sysPunchHole(f *os.File, offset, size int64) error {
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, size)
}
