// Package guestmem provides bounds-checked access to guest-physical memory.
// All host-side reads and writes of guest data structures go through a
// Region so that a malformed guest pointer can never reach host memory
// outside the guest's allocation.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrOutOfRange is returned when a guest-physical address range falls
	// outside the memory region.
	ErrOutOfRange = errors.New("guest address out of range")

	// ErrStringTooLong is returned when a NUL-terminated guest string
	// exceeds the caller's limit.
	ErrStringTooLong = errors.New("guest string too long")
)

// Region is a window onto guest-physical memory spanning [Base, Base+Size).
type Region struct {
	mem  io.ReaderAt
	wmem io.WriterAt
	base uint64
	size uint64
}

// New builds a Region over mem covering size bytes of guest-physical address
// space starting at base.
func New(mem interface {
	io.ReaderAt
	io.WriterAt
}, base, size uint64) *Region {
	return &Region{mem: mem, wmem: mem, base: base, size: size}
}

func (r *Region) Base() uint64 { return r.base }
func (r *Region) Size() uint64 { return r.size }

// CheckRange validates that [addr, addr+length) lies entirely within the
// region. It rejects ranges whose end overflows a uint64.
func (r *Region) CheckRange(addr, length uint64) error {
	end := addr + length
	if end < addr {
		return fmt.Errorf("guestmem: [0x%x, +0x%x): %w", addr, length, ErrOutOfRange)
	}
	if addr < r.base || end > r.base+r.size {
		return fmt.Errorf("guestmem: [0x%x, +0x%x): %w", addr, length, ErrOutOfRange)
	}
	return nil
}

// ReadAt reads len(p) bytes of guest memory starting at guest-physical
// address addr.
func (r *Region) ReadAt(p []byte, addr uint64) error {
	if err := r.CheckRange(addr, uint64(len(p))); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := r.mem.ReadAt(p, int64(addr)); err != nil {
		return fmt.Errorf("guestmem: read 0x%x: %w", addr, err)
	}
	return nil
}

// WriteAt writes p to guest memory starting at guest-physical address addr.
func (r *Region) WriteAt(p []byte, addr uint64) error {
	if err := r.CheckRange(addr, uint64(len(p))); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := r.wmem.WriteAt(p, int64(addr)); err != nil {
		return fmt.Errorf("guestmem: write 0x%x: %w", addr, err)
	}
	return nil
}

func (r *Region) ReadUint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := r.ReadAt(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (r *Region) WriteUint32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return r.WriteAt(buf[:], addr)
}

func (r *Region) ReadUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := r.ReadAt(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (r *Region) WriteUint64(addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return r.WriteAt(buf[:], addr)
}

// CString reads a NUL-terminated string starting at addr. It gives up after
// maxLen bytes without finding a terminator.
func (r *Region) CString(addr uint64, maxLen int) (string, error) {
	const chunkSize = 256

	var out []byte
	for len(out) < maxLen {
		n := chunkSize
		if rem := maxLen - len(out); rem < n {
			n = rem
		}
		// Clamp the chunk to the end of the region so a string close to the
		// boundary is still readable.
		if avail := r.base + r.size - (addr + uint64(len(out))); uint64(n) > avail {
			n = int(avail)
			if n == 0 {
				return "", fmt.Errorf("guestmem: string at 0x%x: %w", addr, ErrOutOfRange)
			}
		}

		buf := make([]byte, n)
		if err := r.ReadAt(buf, addr+uint64(len(out))); err != nil {
			return "", err
		}

		for i, b := range buf {
			if b == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf...)
	}

	return "", fmt.Errorf("guestmem: string at 0x%x: %w", addr, ErrStringTooLong)
}
