package cu

import (
	"debug/dwarf"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/dwarf2btf/dwarf2btf/internal"
)

// DWARF base type encodings, DWARF v4 section 7.8.
const (
	encBoolean      = 0x02
	encFloat        = 0x04
	encSigned       = 0x05
	encSignedChar   = 0x06
	encUnsigned     = 0x07
	encUnsignedChar = 0x08
)

// DW_OP_addr, the only location opcode relevant for statically allocated
// variables.
const opAddr = 0x03

// Load reads all compilation units from the ELF's debug info.
//
// Type tags are numbered densely in DIE order, starting at 1 within each
// unit. The returned units borrow the ELF handle.
func Load(f *internal.SafeELFFile, filename string) ([]*Unit, error) {
	data, err := f.DWARF()
	if err != nil {
		return nil, errors.Wrap(err, "load DWARF data")
	}

	r := data.Reader()
	var units []*Unit
	for {
		ent, err := r.Next()
		if err != nil {
			return nil, errors.Wrap(err, "read DWARF entry")
		}
		if ent == nil {
			break
		}

		if ent.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}

		unit, err := loadUnit(r, ent, f, filename)
		if err != nil {
			name, _ := ent.Val(dwarf.AttrName).(string)
			return nil, errors.Wrapf(err, "load unit %q", name)
		}
		units = append(units, unit)
	}

	return units, nil
}

// die is one DWARF debugging information entry plus its children.
type die struct {
	entry    *dwarf.Entry
	children []*die
}

// readDIETree reads the children of an entry whose Children flag is set,
// stopping at the matching null entry.
func readDIETree(r *dwarf.Reader) ([]*die, error) {
	var children []*die
	for {
		ent, err := r.Next()
		if err != nil {
			return nil, err
		}
		if ent == nil {
			return nil, errors.Wrap(io.ErrUnexpectedEOF, "unterminated DIE tree")
		}
		if ent.Tag == 0 {
			return children, nil
		}

		d := &die{entry: ent}
		if ent.Children {
			d.children, err = readDIETree(r)
			if err != nil {
				return nil, err
			}
		}
		children = append(children, d)
	}
}

// typeProducingTag reports whether a DIE of this tag occupies a slot in the
// unit's type table.
func typeProducingTag(tag dwarf.Tag) bool {
	switch tag {
	case dwarf.TagBaseType,
		dwarf.TagConstType,
		dwarf.TagPointerType,
		dwarf.TagRestrictType,
		dwarf.TagVolatileType,
		dwarf.TagTypedef,
		dwarf.TagStructType,
		dwarf.TagUnionType,
		dwarf.TagClassType,
		dwarf.TagArrayType,
		dwarf.TagEnumerationType,
		dwarf.TagSubroutineType,
		dwarf.TagUnspecifiedType,
		dwarf.TagReferenceType,
		dwarf.TagRvalueReferenceType,
		dwarf.TagPtrToMemberType,
		dwarf.TagStringType:
		return true
	}
	return false
}

type unitLoader struct {
	bo  binary.ByteOrder
	ids map[dwarf.Offset]TypeID
	// varByOff supports resolving DW_AT_specification links after all
	// variables have been seen.
	varByOff map[dwarf.Offset]*Variable
	specOff  map[*Variable]dwarf.Offset

	unit *Unit
}

func loadUnit(r *dwarf.Reader, ent *dwarf.Entry, f *internal.SafeELFFile, filename string) (*Unit, error) {
	name, _ := ent.Val(dwarf.AttrName).(string)

	unit := &Unit{
		Name:     name,
		Filename: filename,
		ELF:      f,
	}

	var dies []*die
	if ent.Children {
		var err error
		dies, err = readDIETree(r)
		if err != nil {
			return nil, err
		}
	}

	bo := binary.ByteOrder(internal.NativeEndian)
	if f != nil {
		bo = f.ByteOrder
	}

	ul := &unitLoader{
		bo:       bo,
		ids:      make(map[dwarf.Offset]TypeID),
		varByOff: make(map[dwarf.Offset]*Variable),
		specOff:  make(map[*Variable]dwarf.Offset),
		unit:     unit,
	}

	ul.assignIDs(dies)
	if err := ul.build(dies, 1); err != nil {
		return nil, err
	}
	ul.resolveSpecs()

	return unit, nil
}

// assignIDs numbers every type-producing DIE in stream order. The resulting
// table is dense and 1-based, which the encoder's drift check relies on.
func (ul *unitLoader) assignIDs(dies []*die) {
	for _, d := range dies {
		if typeProducingTag(d.entry.Tag) {
			ul.ids[d.entry.Offset] = TypeID(len(ul.ids) + 1)
		}
		ul.assignIDs(d.children)
	}
}

func (ul *unitLoader) build(dies []*die, depth int) error {
	for _, d := range dies {
		switch tag := d.entry.Tag; {
		case typeProducingTag(tag):
			ul.unit.Types = append(ul.unit.Types, ul.makeTag(d))

		case tag == dwarf.TagSubprogram:
			ul.unit.Funcs = append(ul.unit.Funcs, ul.makeFunction(d))

		case tag == dwarf.TagVariable:
			v := ul.makeVariable(d, depth)
			ul.varByOff[d.entry.Offset] = v
			ul.unit.Vars = append(ul.unit.Vars, v)
		}

		if err := ul.build(d.children, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (ul *unitLoader) resolveSpecs() {
	for v, off := range ul.specOff {
		v.Spec = ul.varByOff[off]
	}
}

// typeRef resolves a DIE's DW_AT_type to a core ID. A missing attribute or
// an unnumbered target both mean void.
func (ul *unitLoader) typeRef(ent *dwarf.Entry) TypeID {
	off, ok := ent.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return Void
	}
	return ul.ids[off]
}

func (ul *unitLoader) makeTag(d *die) Tag {
	ent := d.entry
	name, _ := ent.Val(dwarf.AttrName).(string)

	switch ent.Tag {
	case dwarf.TagBaseType:
		return makeBaseType(ent, name)
	case dwarf.TagConstType:
		return &Ref{Kind: RefConst, Type: ul.typeRef(ent)}
	case dwarf.TagPointerType:
		return &Ref{Kind: RefPointer, Type: ul.typeRef(ent)}
	case dwarf.TagRestrictType:
		return &Ref{Kind: RefRestrict, Type: ul.typeRef(ent)}
	case dwarf.TagVolatileType:
		return &Ref{Kind: RefVolatile, Type: ul.typeRef(ent)}
	case dwarf.TagTypedef:
		return &Typedef{Name: name, Type: ul.typeRef(ent)}
	case dwarf.TagStructType:
		return ul.makeComposite(d, Struct, name)
	case dwarf.TagUnionType:
		return ul.makeComposite(d, Union, name)
	case dwarf.TagClassType:
		return ul.makeComposite(d, Class, name)
	case dwarf.TagArrayType:
		return ul.makeArray(d)
	case dwarf.TagEnumerationType:
		return ul.makeEnum(d, name)
	case dwarf.TagSubroutineType:
		return &Subroutine{Proto: ul.makeFuncProto(d)}
	default:
		return &Unsupported{Tag: ent.Tag}
	}
}

func makeBaseType(ent *dwarf.Entry, name string) *BaseType {
	bt := &BaseType{Name: name}

	if bits, ok := ent.Val(dwarf.AttrBitSize).(int64); ok {
		bt.BitSize = uint32(bits)
	} else if size, ok := ent.Val(dwarf.AttrByteSize).(int64); ok {
		bt.BitSize = uint32(size) * 8
	}

	enc, _ := ent.Val(dwarf.AttrEncoding).(int64)
	switch enc {
	case encSigned:
		bt.Signed = true
	case encSignedChar:
		bt.Signed = true
		bt.Char = true
	case encUnsignedChar:
		bt.Char = true
	case encBoolean:
		bt.Bool = true
	case encFloat:
		bt.Float = true
	}

	return bt
}

func (ul *unitLoader) makeComposite(d *die, kind CompositeKind, name string) *Composite {
	ent := d.entry
	c := &Composite{Kind: kind, Name: name}

	if decl, ok := ent.Val(dwarf.AttrDeclaration).(bool); ok && decl {
		c.Forward = true
		return c
	}

	if size, ok := ent.Val(dwarf.AttrByteSize).(int64); ok {
		c.ByteSize = uint32(size)
	}

	for _, child := range d.children {
		if child.entry.Tag != dwarf.TagMember {
			continue
		}
		c.Members = append(c.Members, ul.makeMember(child.entry))
	}

	return c
}

func (ul *unitLoader) makeMember(ent *dwarf.Entry) Member {
	name, _ := ent.Val(dwarf.AttrName).(string)
	m := Member{
		Name: name,
		Type: ul.typeRef(ent),
	}

	if bits, ok := ent.Val(dwarf.AttrBitSize).(int64); ok {
		m.BitfieldSize = uint8(bits)
	}

	if dbo, ok := ent.Val(dwarf.AttrDataBitOffset).(int64); ok {
		// DWARF 4 style, counted from the start of the containing
		// entity. Matches BTF directly.
		m.BitOffset = uint32(dbo)
		return m
	}

	if dml, ok := ent.Val(dwarf.AttrDataMemberLoc).(int64); ok {
		m.BitOffset = uint32(dml) * 8
	}

	if bo, ok := ent.Val(dwarf.AttrBitOffset).(int64); ok {
		// Legacy DWARF 2 bitfield addressing, counted from the most
		// significant bit of the storage unit.
		storage := int64(4)
		if size, ok := ent.Val(dwarf.AttrByteSize).(int64); ok {
			storage = size
		}
		if ul.bo == binary.ByteOrder(binary.BigEndian) {
			m.BitOffset += uint32(bo)
		} else {
			m.BitOffset += uint32(storage*8 - bo - int64(m.BitfieldSize))
		}
	}

	return m
}

func (ul *unitLoader) makeArray(d *die) *Array {
	a := &Array{Type: ul.typeRef(d.entry)}

	for _, child := range d.children {
		if child.entry.Tag != dwarf.TagSubrangeType {
			continue
		}

		var dim uint32
		if count, ok := child.entry.Val(dwarf.AttrCount).(int64); ok {
			dim = uint32(count)
		} else if upper, ok := child.entry.Val(dwarf.AttrUpperBound).(int64); ok {
			dim = uint32(upper + 1)
		}
		a.Dims = append(a.Dims, dim)
	}

	if len(a.Dims) == 0 {
		a.Dims = []uint32{0}
	}

	return a
}

func (ul *unitLoader) makeEnum(d *die, name string) *Enum {
	e := &Enum{Name: name}
	if size, ok := d.entry.Val(dwarf.AttrByteSize).(int64); ok {
		e.ByteSize = uint32(size)
	}

	for _, child := range d.children {
		if child.entry.Tag != dwarf.TagEnumerator {
			continue
		}
		vname, _ := child.entry.Val(dwarf.AttrName).(string)
		value, _ := child.entry.Val(dwarf.AttrConstValue).(int64)
		e.Values = append(e.Values, Enumerator{Name: vname, Value: value})
	}

	return e
}

func (ul *unitLoader) makeFuncProto(d *die) FuncProto {
	proto := FuncProto{Return: ul.typeRef(d.entry)}

	for _, child := range d.children {
		switch child.entry.Tag {
		case dwarf.TagFormalParameter:
			name, _ := child.entry.Val(dwarf.AttrName).(string)
			proto.Params = append(proto.Params, Param{
				Name: name,
				Type: ul.typeRef(child.entry),
			})
		case dwarf.TagUnspecifiedParameters:
			proto.Variadic = true
		}
	}

	return proto
}

func (ul *unitLoader) makeFunction(d *die) *Function {
	ent := d.entry
	name, _ := ent.Val(dwarf.AttrName).(string)
	decl, _ := ent.Val(dwarf.AttrDeclaration).(bool)
	ext, _ := ent.Val(dwarf.AttrExternal).(bool)

	return &Function{
		Name:        name,
		Proto:       ul.makeFuncProto(d),
		Declaration: decl,
		External:    ext,
	}
}

func (ul *unitLoader) makeVariable(d *die, depth int) *Variable {
	ent := d.entry
	name, _ := ent.Val(dwarf.AttrName).(string)
	decl, _ := ent.Val(dwarf.AttrDeclaration).(bool)
	ext, _ := ent.Val(dwarf.AttrExternal).(bool)

	v := &Variable{
		Name:        name,
		Type:        ul.typeRef(ent),
		External:    ext,
		Declaration: decl,
		Scope:       ScopeLocal,
	}
	if depth == 1 {
		v.Scope = ScopeGlobal
	}

	if loc, ok := ent.Val(dwarf.AttrLocation).([]byte); ok {
		v.Addr = decodeAddr(ul.bo, loc)
	}

	if off, ok := ent.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
		ul.specOff[v] = off
	}

	return v
}

// decodeAddr extracts the address from a DW_OP_addr location expression.
// Anything else (registers, frame offsets) yields 0, which excludes the
// variable from per-CPU matching.
func decodeAddr(bo binary.ByteOrder, loc []byte) uint64 {
	if len(loc) == 0 || loc[0] != opAddr {
		return 0
	}

	switch len(loc) - 1 {
	case 4:
		return uint64(bo.Uint32(loc[1:]))
	case 8:
		return bo.Uint64(loc[1:])
	}
	return 0
}
