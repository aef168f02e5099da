// Package image loads statically linked guest kernel images.
package image

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vesselvm/vessel/internal/hv"
)

var (
	ErrNotELF           = errors.New("image: not an ELF file")
	ErrUnsupportedImage = errors.New("image: unsupported ELF image")
)

// Segment is one loadable region of the image. MemSize may exceed len(Data),
// in which case the remainder is zero-filled in guest memory.
type Segment struct {
	Addr    uint64
	Data    []byte
	MemSize uint64
}

// Image is a parsed guest kernel: its entry point, target architecture and
// loadable segments addressed by guest-physical address.
type Image struct {
	Entry    uint64
	Arch     hv.CpuArchitecture
	Segments []Segment
}

// LowestAddr returns the smallest guest-physical address any segment loads at.
func (img *Image) LowestAddr() uint64 {
	lowest := ^uint64(0)
	for _, seg := range img.Segments {
		if seg.Addr < lowest {
			lowest = seg.Addr
		}
	}
	return lowest
}

// HighestAddr returns the guest-physical address one past the last byte any
// segment occupies.
func (img *Image) HighestAddr() uint64 {
	var highest uint64
	for _, seg := range img.Segments {
		if end := seg.Addr + seg.MemSize; end > highest {
			highest = end
		}
	}
	return highest
}

// LoadELF parses the ELF executable at path.
func LoadELF(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: open %s: %w", path, err)
	}
	defer f.Close()

	img, err := ParseELF(f)
	if err != nil {
		return nil, fmt.Errorf("image: parse %s: %w", path, err)
	}

	return img, nil
}

// ParseELF parses a statically linked 64-bit ELF executable. Segments are
// placed at their physical load addresses.
func ParseELF(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotELF, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: only 64-bit images are supported", ErrUnsupportedImage)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: only little-endian images are supported", ErrUnsupportedImage)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: image must be a statically linked executable, got %v", ErrUnsupportedImage, f.Type)
	}

	var arch hv.CpuArchitecture
	switch f.Machine {
	case elf.EM_X86_64:
		arch = hv.ArchitectureX86_64
	case elf.EM_AARCH64:
		arch = hv.ArchitectureARM64
	default:
		return nil, fmt.Errorf("%w: machine %v", ErrUnsupportedImage, f.Machine)
	}

	img := &Image{
		Entry: f.Entry,
		Arch:  arch,
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, fmt.Errorf("image: read segment at 0x%x: %w", prog.Paddr, err)
		}

		img.Segments = append(img.Segments, Segment{
			Addr:    prog.Paddr,
			Data:    data,
			MemSize: prog.Memsz,
		})
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrUnsupportedImage)
	}

	return img, nil
}
