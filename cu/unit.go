package cu

import (
	"github.com/dwarf2btf/dwarf2btf/internal"
)

// VarScope is the scope of a variable.
type VarScope uint8

const (
	ScopeUnknown VarScope = iota
	ScopeGlobal
	ScopeLocal
)

// Function is a subprogram defined or declared in a unit.
type Function struct {
	Name        string
	Proto       FuncProto
	Declaration bool
	External    bool
}

// Variable is a variable defined or declared in a unit.
//
// Spec points at the declaration named by this entry's DW_AT_specification
// link, pairing a definition with its declaration. It is nil for entries
// without such a link.
type Variable struct {
	Name        string
	Type        TypeID
	Addr        uint64
	External    bool
	Declaration bool
	Scope       VarScope
	Spec        *Variable
}

// Unit is a single compilation unit.
//
// Types is the dense, 1-based type table: Types[0] has TypeID 1. The unit
// borrows the ELF handle from the loader; it stays valid for as long as the
// loader keeps the file open.
type Unit struct {
	// Name is the source name of the unit (DW_AT_name).
	Name string
	// Filename is the path of the object file the unit was loaded from.
	Filename string
	ELF      *internal.SafeELFFile

	Types []Tag
	Funcs []*Function
	Vars  []*Variable
}

// NumTypes returns the number of entries in the type table.
func (u *Unit) NumTypes() uint32 {
	return uint32(len(u.Types))
}

// TypeByID returns the tag with the given ID, or nil for void and
// out-of-range IDs.
func (u *Unit) TypeByID(id TypeID) Tag {
	if id == Void || int(id) > len(u.Types) {
		return nil
	}
	return u.Types[int(id)-1]
}

// FindBaseTypeByName returns the ID of the first base type with the given
// name.
func (u *Unit) FindBaseTypeByName(name string) (TypeID, bool) {
	for i, tag := range u.Types {
		bt, ok := tag.(*BaseType)
		if !ok {
			continue
		}
		if bt.Name == name {
			return TypeID(i + 1), true
		}
	}
	return Void, false
}
