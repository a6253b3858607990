// Package btf writes BPF Type Format blobs.
//
// The Writer exposes one operation per BTF kind and installs the finished
// blob as the .BTF section of an ELF object. It only ever writes; parsing
// BTF back is left to consumers.
package btf

import (
	"encoding/binary"
	"fmt"
	"io"
)

const btfMagic = 0xeB9F

// Mirrors struct btf_header in Documentation/bpf/btf.rst.
type btfHeader struct {
	Magic   uint16
	Version uint8
	Flags   uint8
	HdrLen  uint32

	TypeOff   uint32
	TypeLen   uint32
	StringOff uint32
	StringLen uint32
}

var btfHeaderLen = binary.Size(btfHeader{})

// Kind is the BTF type kind.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInt
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindEnum
	KindForward
	KindTypedef
	KindVolatile
	KindConst
	KindRestrict
	// Added ~4.20
	KindFunc
	KindFuncProto
	// Added ~5.1
	KindVar
	KindDatasec
)

const (
	btfTypeKindShift     = 24
	btfTypeKindLen       = 4
	btfTypeVlenShift     = 0
	btfTypeVlenLen       = 16
	btfTypeKindFlagShift = 31
	btfTypeKindFlagLen   = 1
)

// Based on struct btf_type in Documentation/bpf/btf.rst.
type btfType struct {
	NameOff uint32
	/* "info" bits arrangement
	 * bits  0-15: vlen (e.g. # of struct's members)
	 * bits 16-23: unused
	 * bits 24-27: kind (e.g. int, ptr, array...etc)
	 * bits 28-30: unused
	 * bit     31: kind_flag, currently used by
	 *             struct, union and fwd
	 */
	Info uint32
	/* "size" is used by INT, ENUM, STRUCT, UNION and DATASEC.
	 * "type" is used by PTR, TYPEDEF, VOLATILE, CONST, RESTRICT,
	 * FUNC, FUNC_PROTO and VAR.
	 */
	SizeType uint32
}

func mask(len uint32) uint32 {
	return (1 << len) - 1
}

func (bt *btfType) info(len, shift uint32) uint32 {
	return (bt.Info >> shift) & mask(len)
}

func (bt *btfType) setInfo(value, len, shift uint32) {
	bt.Info &^= mask(len) << shift
	bt.Info |= (value & mask(len)) << shift
}

func (bt *btfType) Kind() Kind {
	return Kind(bt.info(btfTypeKindLen, btfTypeKindShift))
}

func (bt *btfType) SetKind(kind Kind) {
	bt.setInfo(uint32(kind), btfTypeKindLen, btfTypeKindShift)
}

func (bt *btfType) Vlen() int {
	return int(bt.info(btfTypeVlenLen, btfTypeVlenShift))
}

func (bt *btfType) SetVlen(vlen int) {
	bt.setInfo(uint32(vlen), btfTypeVlenLen, btfTypeVlenShift)
}

func (bt *btfType) SetKindFlag(set bool) {
	var value uint32
	if set {
		value = 1
	}
	bt.setInfo(value, btfTypeKindFlagLen, btfTypeKindFlagShift)
}

func (bt *btfType) SetSize(size uint32) {
	bt.SizeType = size
}

func (bt *btfType) SetType(id TypeID) {
	bt.SizeType = uint32(id)
}

const (
	btfIntEncodingShift = 24
	btfIntEncodingLen   = 4
	btfIntBitsShift     = 0
	btfIntBitsLen       = 8
)

const (
	intSigned uint32 = 1 << 0
	intChar   uint32 = 1 << 1
	intBool   uint32 = 1 << 2
)

// Extra data of KindInt, see struct btf_type's int representation.
type btfInt struct {
	Raw uint32
}

func (bi *btfInt) SetEncoding(enc uint32) {
	bi.Raw &^= mask(btfIntEncodingLen) << btfIntEncodingShift
	bi.Raw |= (enc & mask(btfIntEncodingLen)) << btfIntEncodingShift
}

func (bi *btfInt) SetBits(bits byte) {
	bi.Raw &^= mask(btfIntBitsLen) << btfIntBitsShift
	bi.Raw |= (uint32(bits) & mask(btfIntBitsLen)) << btfIntBitsShift
}

type btfArray struct {
	Type      TypeID
	IndexType TypeID
	Nelems    uint32
}

type btfMember struct {
	NameOff uint32
	Type    TypeID
	Offset  uint32
}

type btfEnum struct {
	NameOff uint32
	Val     uint32
}

type btfParam struct {
	NameOff uint32
	Type    TypeID
}

type btfVariable struct {
	Linkage uint32
}

type btfVarSecinfo struct {
	Type   TypeID
	Offset uint32
	Size   uint32
}

// rawType is a btfType header plus the kind-specific trailer.
type rawType struct {
	btfType
	data any
}

func (rt *rawType) Marshal(w io.Writer, bo binary.ByteOrder) error {
	if err := binary.Write(w, bo, &rt.btfType); err != nil {
		return err
	}

	if rt.data == nil {
		return nil
	}

	return binary.Write(w, bo, rt.data)
}

// sliceWriter writes into a fixed-size byte slice.
type sliceWriter []byte

func (sw sliceWriter) Write(p []byte) (int, error) {
	if len(p) != len(sw) {
		return 0, fmt.Errorf("size mismatch: got %d, want %d", len(p), len(sw))
	}

	return copy(sw, p), nil
}
