package btf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/dwarf2btf/dwarf2btf/cu"
	"github.com/dwarf2btf/dwarf2btf/internal"
)

// SectionName is the ELF section the encoded blob is installed into.
const SectionName = ".BTF"

// PerCPUSection is the ELF section holding per-CPU variables.
const PerCPUSection = ".data..percpu"

// TypeID identifies a type in the generated blob. ID 0 is void.
type TypeID uint32

// VarLinkage is the linkage of a KindVar type.
type VarLinkage uint32

const (
	LinkageStatic VarLinkage = iota
	LinkageGlobalAllocated
)

// VarSecinfo describes the placement of a variable within a data section.
type VarSecinfo struct {
	Type   TypeID
	Offset uint32
	Size   uint32
}

// SecInfo accumulates VarSecinfo records for a future KindDatasec type.
type SecInfo []VarSecinfo

// Add appends a placement record.
func (s *SecInfo) Add(id TypeID, offset, size uint32) {
	*s = append(*s, VarSecinfo{Type: id, Offset: offset, Size: size})
}

// Writer accumulates BTF types for a single object file.
//
// Types are numbered in the order they are added, starting right after the
// base BTF (or at 1 without one). The zero value is not usable, call
// NewWriter.
type Writer struct {
	// Filename of the object the blob belongs to.
	Filename string

	// ELF-derived state, used by the symbol passes of the encoder. All of
	// it stays zero when the writer is created without an ELF handle.
	ELF           *internal.SafeELFFile
	Symtab        []elf.Symbol
	PercpuShndx   elf.SectionIndex
	PercpuBase    uint64
	PercpuSize    uint32
	PercpuSecinfo SecInfo

	bo        binary.ByteOrder
	buf       *bytes.Buffer
	strings   *stringTable
	baseTypes uint32
	nrTypes   uint32
	// Buffer offset of the most recently written btfType header, for
	// patching vlen and kind_flag as members arrive.
	lastHdrOff int
}

// NewWriter creates a writer for the given object file.
//
// f may be nil, in which case the symbol table and per-CPU section state
// stay empty. base offsets the first allocated type ID past an existing
// blob.
func NewWriter(filename string, f *internal.SafeELFFile, base *BaseBTF) (*Writer, error) {
	w := &Writer{
		Filename:   filename,
		ELF:        f,
		bo:         internal.NativeEndian,
		buf:        bytes.NewBuffer(make([]byte, btfHeaderLen, 4096)),
		strings:    newStringTable(),
		lastHdrOff: -1,
	}

	if base != nil {
		w.baseTypes = base.NumTypes()
		w.nrTypes = w.baseTypes
	}

	if f == nil {
		return w, nil
	}

	w.bo = f.ByteOrder

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}
	w.Symtab = syms

	for i, sec := range f.Sections {
		if sec.Name == PerCPUSection {
			w.PercpuShndx = elf.SectionIndex(i)
			w.PercpuBase = sec.Addr
			w.PercpuSize = uint32(sec.Size)
			break
		}
	}

	return w, nil
}

// TypeCount returns the number of types the blob refers to, including the
// base BTF.
func (w *Writer) TypeCount() uint32 {
	return w.nrTypes
}

func (w *Writer) addString(s string) uint32 {
	off, err := w.strings.Insert(s)
	if err != nil {
		// Names come out of symbol tables and DWARF strings, neither of
		// which can contain a null byte.
		panic(err)
	}
	return off
}

func (w *Writer) addType(raw *rawType) (TypeID, error) {
	w.lastHdrOff = w.buf.Len()
	if err := raw.Marshal(w.buf, w.bo); err != nil {
		return 0, err
	}

	w.nrTypes++
	return TypeID(w.nrTypes), nil
}

// patchLastHeader rewrites the most recently written type header in place.
func (w *Writer) patchLastHeader(fn func(*btfType)) {
	b := w.buf.Bytes()[w.lastHdrOff:]

	var hdr btfType
	hdr.NameOff = w.bo.Uint32(b[0:])
	hdr.Info = w.bo.Uint32(b[4:])
	hdr.SizeType = w.bo.Uint32(b[8:])

	fn(&hdr)

	w.bo.PutUint32(b[0:], hdr.NameOff)
	w.bo.PutUint32(b[4:], hdr.Info)
	w.bo.PutUint32(b[8:], hdr.SizeType)
}

// refID maps a core ID into blob ID space. Core ID 0 is void and stays 0.
func refID(id cu.TypeID, typeIDOff TypeID) TypeID {
	if id == cu.Void {
		return 0
	}
	return typeIDOff + TypeID(id)
}

// AddBaseType adds a KindInt type. name overrides the tag's own name, which
// supports synthesized types.
func (w *Writer) AddBaseType(bt *cu.BaseType, name string) (TypeID, error) {
	if bt.Float {
		return 0, fmt.Errorf("float base type %q is not supported", name)
	}

	byteSize := (bt.BitSize + 7) / 8

	var raw rawType
	raw.NameOff = w.addString(name)
	raw.SetKind(KindInt)
	raw.SetSize(byteSize)

	var encoding uint32
	switch {
	case bt.Signed:
		encoding = intSigned
	case bt.Char:
		encoding = intChar
	case bt.Bool:
		encoding = intBool
	}

	var bi btfInt
	bi.SetEncoding(encoding)
	bi.SetBits(byte(bt.BitSize))
	raw.data = bi

	return w.addType(&raw)
}

// AddRefType adds a type that only points at another one: qualifiers,
// pointers, typedefs, forwards and functions. isUnion is only meaningful for
// KindForward.
func (w *Writer) AddRefType(kind Kind, ref TypeID, name string, isUnion bool) (TypeID, error) {
	var raw rawType
	raw.NameOff = w.addString(name)
	raw.SetKind(kind)
	raw.SetType(ref)
	if kind == KindForward {
		raw.SetKindFlag(isUnion)
	}

	return w.addType(&raw)
}

// AddStruct adds a KindStruct or KindUnion header. Members follow via
// AddMember.
func (w *Writer) AddStruct(kind Kind, name string, byteSize uint32) (TypeID, error) {
	if kind != KindStruct && kind != KindUnion {
		return 0, fmt.Errorf("invalid composite kind %d", kind)
	}

	var raw rawType
	raw.NameOff = w.addString(name)
	raw.SetKind(kind)
	raw.SetSize(byteSize)

	return w.addType(&raw)
}

// AddMember appends a member to the composite type added last.
//
// bitOffset counts from the start of the containing type, per DWARF's
// recommended scheme, which is also what BTF wants.
func (w *Writer) AddMember(name string, typ TypeID, bitfieldSize uint8, bitOffset uint32) error {
	offset := bitOffset
	if bitfieldSize > 0 {
		offset = uint32(bitfieldSize)<<24 | (bitOffset & 0xffffff)
	}

	m := btfMember{
		NameOff: w.addString(name),
		Type:    typ,
		Offset:  offset,
	}
	if err := binary.Write(w.buf, w.bo, &m); err != nil {
		return err
	}

	w.patchLastHeader(func(hdr *btfType) {
		hdr.SetVlen(hdr.Vlen() + 1)
		if bitfieldSize > 0 {
			hdr.SetKindFlag(true)
		}
	})
	return nil
}

// AddArray adds a KindArray type.
func (w *Writer) AddArray(elem, index TypeID, nelems uint32) (TypeID, error) {
	var raw rawType
	raw.SetKind(KindArray)
	raw.data = &btfArray{
		Type:      elem,
		IndexType: index,
		Nelems:    nelems,
	}

	return w.addType(&raw)
}

// AddEnum adds a KindEnum header. Values follow via AddEnumValue.
func (w *Writer) AddEnum(name string, byteSize uint32) (TypeID, error) {
	var raw rawType
	raw.NameOff = w.addString(name)
	raw.SetKind(KindEnum)
	raw.SetSize(byteSize)

	return w.addType(&raw)
}

// AddEnumValue appends an enumerator to the enum added last. Values are
// truncated to 32 bits on the wire.
func (w *Writer) AddEnumValue(name string, value int64) error {
	e := btfEnum{
		NameOff: w.addString(name),
		Val:     uint32(value),
	}
	if err := binary.Write(w.buf, w.bo, &e); err != nil {
		return err
	}

	w.patchLastHeader(func(hdr *btfType) {
		hdr.SetVlen(hdr.Vlen() + 1)
	})
	return nil
}

// AddFuncProto adds a KindFuncProto type. Parameter and return core IDs are
// shifted by typeIDOff; a variadic prototype gets the anonymous void
// sentinel parameter.
func (w *Writer) AddFuncProto(proto *cu.FuncProto, typeIDOff TypeID) (TypeID, error) {
	var raw rawType
	raw.SetKind(KindFuncProto)
	raw.SetType(refID(proto.Return, typeIDOff))

	params := make([]btfParam, 0, len(proto.Params)+1)
	for _, p := range proto.Params {
		params = append(params, btfParam{
			NameOff: w.addString(p.Name),
			Type:    refID(p.Type, typeIDOff),
		})
	}
	if proto.Variadic {
		params = append(params, btfParam{})
	}

	raw.SetVlen(len(params))
	raw.data = params

	return w.addType(&raw)
}

// AddVar adds a KindVar type.
func (w *Writer) AddVar(typ TypeID, name string, linkage VarLinkage) (TypeID, error) {
	var raw rawType
	raw.NameOff = w.addString(name)
	raw.SetKind(KindVar)
	raw.SetType(typ)
	raw.data = btfVariable{Linkage: uint32(linkage)}

	return w.addType(&raw)
}

// AddDatasec adds a KindDatasec type covering the per-CPU section.
//
// Variables arrive in declaration order, but the kernel wants DATASEC
// entries sorted by offset, so the record is sorted on emission.
func (w *Writer) AddDatasec(name string, infos SecInfo) error {
	var raw rawType
	raw.NameOff = w.addString(name)
	raw.SetKind(KindDatasec)
	raw.SetSize(w.PercpuSize)
	raw.SetVlen(len(infos))

	data := make([]btfVarSecinfo, 0, len(infos))
	for _, si := range infos {
		data = append(data, btfVarSecinfo{
			Type:   si.Type,
			Offset: si.Offset,
			Size:   si.Size,
		})
	}
	sort.Slice(data, func(i, j int) bool {
		return data[i].Offset < data[j].Offset
	})
	raw.data = data

	_, err := w.addType(&raw)
	return err
}

// Bytes assembles the blob: header, type section, string section.
func (w *Writer) Bytes() ([]byte, error) {
	length := w.buf.Len()
	typeLen := uint32(length - btfHeaderLen)
	stringLen := w.strings.Length()

	buf := make([]byte, length+stringLen)
	copy(buf, w.buf.Bytes())
	copy(buf[length:], w.strings.Bytes())

	header := &btfHeader{
		Magic:     btfMagic,
		Version:   1,
		Flags:     0,
		HdrLen:    uint32(btfHeaderLen),
		TypeOff:   0,
		TypeLen:   typeLen,
		StringOff: typeLen,
		StringLen: uint32(stringLen),
	}

	if err := binary.Write(sliceWriter(buf[:btfHeaderLen]), w.bo, header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	return buf, nil
}

// Encode writes the accumulated types into the object file's .BTF section,
// replacing any existing one. A writer without types leaves the object
// untouched.
func (w *Writer) Encode() error {
	if w.nrTypes == w.baseTypes {
		return nil
	}

	blob, err := w.Bytes()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "dwarf2btf-*.btf")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	objcopy := os.Getenv("DWARF2BTF_OBJCOPY")
	if objcopy == "" {
		objcopy = "objcopy"
		if _, err := exec.LookPath(objcopy); err != nil {
			objcopy = "llvm-objcopy"
		}
	}

	cmd := exec.Command(objcopy,
		"--remove-section", SectionName,
		"--add-section", SectionName+"="+tmp.Name(),
		w.Filename)
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", objcopy, err)
	}
	return nil
}
