package internal

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"io"
)

// SafeELFFile wraps debug/elf with panic recovery. debug/elf still crashes
// on various malformed inputs, so every accessor turns a parser panic into
// an error.
//
// https://github.com/golang/go/issues?q=is%3Aissue+is%3Aopen+debug%2Felf+in%3Atitle
type SafeELFFile struct {
	*elf.File
}

// recoverParseError converts a panic into an error assigned to *err. Meant
// to be deferred around debug/elf calls; results of the enclosing function
// keep their zero values when it fires.
func recoverParseError(what string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panicked: %s", what, r)
	}
}

// NewSafeELFFile parses an ELF image.
func NewSafeELFFile(r io.ReaderAt) (safe *SafeELFFile, err error) {
	defer recoverParseError("parsing ELF file", &err)

	file, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}

	return &SafeELFFile{file}, nil
}

// Symbols reads the symbol table.
func (se *SafeELFFile) Symbols() (syms []elf.Symbol, err error) {
	defer recoverParseError("reading ELF symbols", &err)

	return se.File.Symbols()
}

// DWARF reads the debug info.
func (se *SafeELFFile) DWARF() (data *dwarf.Data, err error) {
	defer recoverParseError("reading DWARF data", &err)

	return se.File.DWARF()
}

// SectionByIndex returns the section with the given index, or an error if
// it doesn't exist.
func (se *SafeELFFile) SectionByIndex(idx elf.SectionIndex) (*elf.Section, error) {
	if int(idx) >= len(se.Sections) {
		return nil, fmt.Errorf("no section with index %d", idx)
	}

	return se.Sections[int(idx)], nil
}

// SectionData reads the full contents of the section with the given index.
func (se *SafeELFFile) SectionData(idx elf.SectionIndex) (data []byte, err error) {
	defer recoverParseError(fmt.Sprintf("reading section %d", idx), &err)

	sec, err := se.SectionByIndex(idx)
	if err != nil {
		return nil, err
	}

	return sec.Data()
}
