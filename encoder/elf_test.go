package encoder

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/dwarf2btf/dwarf2btf/internal"
)

// Minimal ELF64 little-endian image builder for symbol table tests.

type testSection struct {
	name string
	addr uint64
	data []byte
}

type testSym struct {
	name  string
	typ   elf.SymType
	shndx elf.SectionIndex
	value uint64
	size  uint64
}

const (
	ehsize  = 64
	shsize  = 64
	symsize = 24
)

type strtab struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func newStrtab() *strtab {
	st := &strtab{offsets: map[string]uint32{"": 0}}
	st.buf.WriteByte(0)
	return st
}

func (st *strtab) add(s string) uint32 {
	if off, ok := st.offsets[s]; ok {
		return off
	}
	off := uint32(st.buf.Len())
	st.offsets[s] = off
	st.buf.WriteString(s)
	st.buf.WriteByte(0)
	return off
}

// buildELF lays out the given sections starting at index 1, followed by
// .symtab, .strtab and .shstrtab.
func buildELF(t *testing.T, secs []testSection, syms []testSym) *internal.SafeELFFile {
	t.Helper()

	le := binary.LittleEndian

	symtab := new(bytes.Buffer)
	names := newStrtab()
	symtab.Write(make([]byte, symsize)) // null symbol
	for _, sym := range syms {
		var ent [symsize]byte
		le.PutUint32(ent[0:], names.add(sym.name))
		ent[4] = byte(elf.ST_INFO(elf.STB_GLOBAL, sym.typ))
		le.PutUint16(ent[6:], uint16(sym.shndx))
		le.PutUint64(ent[8:], sym.value)
		le.PutUint64(ent[16:], sym.size)
		symtab.Write(ent[:])
	}

	symtabIdx := 1 + len(secs)
	strtabIdx := symtabIdx + 1
	shstrIdx := strtabIdx + 1
	shnum := shstrIdx + 1

	type shdr struct {
		name    uint32
		typ     elf.SectionType
		addr    uint64
		data    []byte
		link    uint32
		info    uint32
		entsize uint64
		alloc   bool
		dataOff uint64
	}

	shstr := newStrtab()
	headers := make([]shdr, 0, shnum)
	headers = append(headers, shdr{}) // null section

	for _, sec := range secs {
		headers = append(headers, shdr{
			name:  shstr.add(sec.name),
			typ:   elf.SHT_PROGBITS,
			addr:  sec.addr,
			data:  sec.data,
			alloc: true,
		})
	}
	headers = append(headers, shdr{
		name:    shstr.add(".symtab"),
		typ:     elf.SHT_SYMTAB,
		data:    symtab.Bytes(),
		link:    uint32(strtabIdx),
		info:    1,
		entsize: symsize,
	})
	headers = append(headers, shdr{
		name: shstr.add(".strtab"),
		typ:  elf.SHT_STRTAB,
		data: names.buf.Bytes(),
	})
	headers = append(headers, shdr{
		name: shstr.add(".shstrtab"),
		typ:  elf.SHT_STRTAB,
		data: shstr.buf.Bytes(),
	})

	// Section data follows the ELF header, section headers follow the
	// data.
	off := uint64(ehsize)
	for i := range headers {
		headers[i].dataOff = off
		off += uint64(len(headers[i].data))
	}
	shoff := off

	img := new(bytes.Buffer)
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1}
	img.Write(ident[:])
	binary.Write(img, le, uint16(elf.ET_EXEC))
	binary.Write(img, le, uint16(elf.EM_X86_64))
	binary.Write(img, le, uint32(1))
	binary.Write(img, le, uint64(0)) // entry
	binary.Write(img, le, uint64(0)) // phoff
	binary.Write(img, le, shoff)
	binary.Write(img, le, uint32(0)) // flags
	binary.Write(img, le, uint16(ehsize))
	binary.Write(img, le, uint16(0)) // phentsize
	binary.Write(img, le, uint16(0)) // phnum
	binary.Write(img, le, uint16(shsize))
	binary.Write(img, le, uint16(shnum))
	binary.Write(img, le, uint16(shstrIdx))

	for _, h := range headers {
		img.Write(h.data)
	}

	for _, h := range headers {
		var flags uint64
		if h.alloc {
			flags = uint64(elf.SHF_ALLOC)
		}
		binary.Write(img, le, h.name)
		binary.Write(img, le, uint32(h.typ))
		binary.Write(img, le, flags)
		binary.Write(img, le, h.addr)
		binary.Write(img, le, h.dataOff)
		binary.Write(img, le, uint64(len(h.data)))
		binary.Write(img, le, h.link)
		binary.Write(img, le, h.info)
		binary.Write(img, le, uint64(1)) // addralign
		binary.Write(img, le, h.entsize)
	}

	f, err := internal.NewSafeELFFile(bytes.NewReader(img.Bytes()))
	qt.Assert(t, qt.IsNil(err), qt.Commentf("synthetic ELF must parse"))
	return f
}

func mcountData(addrs ...uint64) []byte {
	buf := make([]byte, 8*len(addrs))
	for i, addr := range addrs {
		binary.LittleEndian.PutUint64(buf[i*8:], addr)
	}
	return buf
}
