package guestmem

import (
	"fmt"
)

// Buffer is an in-memory guest address space used by tests and by code that
// stages guest data before a VM exists. Offsets are absolute guest-physical
// addresses; the buffer covers [base, base+len(data)).
type Buffer struct {
	base uint64
	data []byte
}

func NewBuffer(base uint64, size int) *Buffer {
	return &Buffer{base: base, data: make([]byte, size)}
}

func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	gpa := uint64(off)
	if off < 0 || gpa < b.base || gpa > b.base+uint64(len(b.data)) {
		return 0, fmt.Errorf("guestmem: buffer read GPA 0x%x out of bounds", gpa)
	}
	n := copy(p, b.data[gpa-b.base:])
	if n < len(p) {
		return n, fmt.Errorf("guestmem: buffer short read")
	}
	return n, nil
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	gpa := uint64(off)
	if off < 0 || gpa < b.base || gpa > b.base+uint64(len(b.data)) {
		return 0, fmt.Errorf("guestmem: buffer write GPA 0x%x out of bounds", gpa)
	}
	n := copy(b.data[gpa-b.base:], p)
	if n < len(p) {
		return n, fmt.Errorf("guestmem: buffer short write")
	}
	return n, nil
}

// Region returns a Region covering the whole buffer.
func (b *Buffer) Region() *Region {
	return New(b, b.base, uint64(len(b.data)))
}
