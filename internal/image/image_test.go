package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/vesselvm/vessel/internal/hv"
)

type elfSegment struct {
	paddr   uint64
	data    []byte
	memSize uint64
}

// buildELF assembles a minimal 64-bit little-endian ELF executable in memory.
func buildELF(t *testing.T, machine uint16, entry uint64, segs []elfSegment) []byte {
	t.Helper()

	const (
		ehSize = 64
		phSize = 56
	)

	var buf bytes.Buffer
	le := binary.LittleEndian

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	buf.Write(make([]byte, 9))

	write16 := func(v uint16) { binary.Write(&buf, le, v) }
	write32 := func(v uint32) { binary.Write(&buf, le, v) }
	write64 := func(v uint64) { binary.Write(&buf, le, v) }

	write16(2) // e_type: ET_EXEC
	write16(machine)
	write32(1) // e_version
	write64(entry)
	write64(ehSize) // e_phoff
	write64(0)      // e_shoff
	write32(0)      // e_flags
	write16(ehSize)
	write16(phSize)
	write16(uint16(len(segs))) // e_phnum
	write16(0)                 // e_shentsize
	write16(0)                 // e_shnum
	write16(0)                 // e_shstrndx

	dataOff := uint64(ehSize + phSize*len(segs))
	off := dataOff
	for _, seg := range segs {
		write32(1) // p_type: PT_LOAD
		write32(7) // p_flags: rwx
		write64(off)
		write64(seg.paddr) // p_vaddr
		write64(seg.paddr)
		write64(uint64(len(seg.data)))
		write64(seg.memSize)
		write64(0x1000) // p_align
		off += uint64(len(seg.data))
	}

	for _, seg := range segs {
		buf.Write(seg.data)
	}

	return buf.Bytes()
}

func TestParseELF(t *testing.T) {
	code := []byte{0xf4, 0x90, 0x90, 0x90}
	raw := buildELF(t, uint16(62 /* EM_X86_64 */), 0x201000, []elfSegment{
		{paddr: 0x200000, data: []byte("header"), memSize: 6},
		{paddr: 0x201000, data: code, memSize: 0x2000},
	})

	img, err := ParseELF(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseELF: %v", err)
	}

	if img.Entry != 0x201000 {
		t.Errorf("Entry = %#x, want 0x201000", img.Entry)
	}
	if img.Arch != hv.ArchitectureX86_64 {
		t.Errorf("Arch = %v, want x86_64", img.Arch)
	}
	if len(img.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(img.Segments))
	}

	if !bytes.Equal(img.Segments[1].Data, code) {
		t.Errorf("segment data = %x, want %x", img.Segments[1].Data, code)
	}
	if img.Segments[1].MemSize != 0x2000 {
		t.Errorf("segment MemSize = %#x, want 0x2000", img.Segments[1].MemSize)
	}

	if img.LowestAddr() != 0x200000 {
		t.Errorf("LowestAddr = %#x, want 0x200000", img.LowestAddr())
	}
	if img.HighestAddr() != 0x203000 {
		t.Errorf("HighestAddr = %#x, want 0x203000", img.HighestAddr())
	}
}

func TestParseELFAarch64(t *testing.T) {
	raw := buildELF(t, uint16(183 /* EM_AARCH64 */), 0x40000000, []elfSegment{
		{paddr: 0x40000000, data: []byte{1, 2, 3, 4}, memSize: 4},
	})

	img, err := ParseELF(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseELF: %v", err)
	}
	if img.Arch != hv.ArchitectureARM64 {
		t.Errorf("Arch = %v, want arm64", img.Arch)
	}
}

func TestParseELFRejectsGarbage(t *testing.T) {
	if _, err := ParseELF(bytes.NewReader([]byte("not an elf file at all"))); !errors.Is(err, ErrNotELF) {
		t.Errorf("ParseELF(garbage) = %v, want ErrNotELF", err)
	}
}

func TestParseELFRejectsUnknownMachine(t *testing.T) {
	raw := buildELF(t, uint16(8 /* EM_MIPS */), 0x1000, []elfSegment{
		{paddr: 0x1000, data: []byte{1}, memSize: 1},
	})

	if _, err := ParseELF(bytes.NewReader(raw)); !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("ParseELF(mips) = %v, want ErrUnsupportedImage", err)
	}
}

func TestParseELFRejectsNoSegments(t *testing.T) {
	raw := buildELF(t, uint16(62), 0x1000, nil)

	if _, err := ParseELF(bytes.NewReader(raw)); !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("ParseELF(no segments) = %v, want ErrUnsupportedImage", err)
	}
}
