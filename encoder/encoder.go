// Package encoder translates compilation units into BTF.
//
// An Encoder is a single encoding session over a stream of units. Units
// belonging to the same object file accumulate into one writer; a unit from
// a different file finalizes the active writer and starts a new one.
package encoder

import (
	"errors"
	"fmt"
	"os"

	"github.com/dwarf2btf/dwarf2btf/btf"
	"github.com/dwarf2btf/dwarf2btf/cu"
)

// Options configures an encoding session.
type Options struct {
	// Verbose enables progress output on stdout.
	Verbose bool
	// Force downgrades invalid symbol names and void-typed per-CPU
	// variables from fatal errors to skips.
	Force bool
	// SkipEncodingVars disables the per-CPU variable passes entirely.
	SkipEncodingVars bool
	// BaseBTF offsets all emitted type IDs past an existing blob.
	BaseBTF *btf.BaseBTF
}

// Encoder is an encoding session. Not safe for concurrent use; drive it
// from one goroutine.
type Encoder struct {
	opts Options

	w      *btf.Writer
	funcs  []elfFunction
	percpu []varInfo

	arrayIndexID  btf.TypeID
	hasIndexType  bool
	needIndexType bool
}

// New creates an idle encoding session.
func New(opts Options) *Encoder {
	return &Encoder{opts: opts}
}

// EncodeUnit translates one unit.
//
// The first unit of an object file opens a writer and collects the object's
// symbol table; every unit then contributes its types, eligible functions
// and per-CPU variables. Any error tears the session down; the next call
// starts fresh.
func (e *Encoder) EncodeUnit(u *cu.Unit) (err error) {
	defer func() {
		if err != nil {
			e.teardown()
		}
	}()

	if e.w != nil && e.w.Filename != u.Filename {
		if err := e.finishWriter(); err != nil {
			return err
		}

		// Finished one file, add one empty line.
		if e.opts.Verbose {
			fmt.Println()
		}
	}

	if e.w == nil {
		w, err := btf.NewWriter(u.Filename, u.ELF, e.opts.BaseBTF)
		if err != nil {
			return err
		}
		e.w = w

		if err := e.collectSymbols(!e.opts.SkipEncodingVars); err != nil {
			return err
		}

		e.hasIndexType = false
		e.needIndexType = false
		e.arrayIndexID = 0

		if e.opts.Verbose {
			fmt.Printf("File %s:\n", w.Filename)
		}
	}

	typeIDOff := btf.TypeID(e.w.TypeCount())

	if !e.hasIndexType {
		if id, ok := u.FindBaseTypeByName("int"); ok {
			e.hasIndexType = true
			e.arrayIndexID = typeIDOff + btf.TypeID(id)
		} else {
			// The search covers the whole type table, so the unit has
			// no "int" at all. Reserve the slot right past the unit's
			// last type for a synthetic index type; arrayIndexID is not
			// revisited for the rest of the unit.
			e.hasIndexType = false
			e.arrayIndexID = typeIDOff + btf.TypeID(u.NumTypes()) + 1
		}
	}

	for i, tag := range u.Types {
		coreID := cu.TypeID(i + 1)

		id, err := e.encodeTag(tag, typeIDOff)
		if err != nil {
			return err
		}
		if err := checkIDDrift(tag, coreID, id, typeIDOff); err != nil {
			return err
		}
	}

	// The synthetic index type has to come after the regular type table,
	// or every ID after it would drift.
	if e.needIndexType && !e.hasIndexType {
		bt := cu.BaseType{BitSize: 32}
		if _, err := e.w.AddBaseType(&bt, "__ARRAY_SIZE_TYPE__"); err != nil {
			return err
		}
		e.hasIndexType = true
	}

	if err := e.encodeFunctions(u, typeIDOff); err != nil {
		return err
	}

	if e.opts.SkipEncodingVars {
		return nil
	}
	return e.encodeVariables(u, typeIDOff)
}

// Finish commits the active session, if any.
func (e *Encoder) Finish() error {
	if e.w == nil {
		return nil
	}
	return e.finishWriter()
}

// finishWriter emits the per-CPU DATASEC, writes the blob into the object
// and ends the session.
func (e *Encoder) finishWriter() error {
	if len(e.w.PercpuSecinfo) != 0 {
		if err := e.w.AddDatasec(btf.PerCPUSection, e.w.PercpuSecinfo); err != nil {
			e.teardown()
			return err
		}
	}

	err := e.w.Encode()
	e.teardown()
	return err
}

func (e *Encoder) teardown() {
	e.funcs = nil
	e.percpu = nil
	e.w = nil
}

func checkIDDrift(tag cu.Tag, coreID cu.TypeID, id btf.TypeID, typeIDOff btf.TypeID) error {
	if id == typeIDOff+btf.TypeID(coreID) {
		return nil
	}

	fmt.Fprintf(os.Stderr, "%s id drift, core_id: %d, btf_type_id: %d, type_id_off: %d\n",
		tagKindName(tag), coreID, id, typeIDOff)
	return errors.New("id drift")
}

func tagKindName(tag cu.Tag) string {
	switch t := tag.(type) {
	case *cu.BaseType:
		return "base_type"
	case *cu.Ref:
		return t.Kind.String()
	case *cu.Typedef:
		return "typedef"
	case *cu.Composite:
		return t.Kind.String()
	case *cu.Array:
		return "array"
	case *cu.Enum:
		return "enumeration"
	case *cu.Subroutine:
		return "subroutine"
	default:
		return "unknown"
	}
}

// refID maps a core ID into blob ID space. Core ID 0 is the special void
// type and stays 0.
func refID(id cu.TypeID, typeIDOff btf.TypeID) btf.TypeID {
	if id == cu.Void {
		return 0
	}
	return typeIDOff + btf.TypeID(id)
}

func (e *Encoder) encodeTag(tag cu.Tag, typeIDOff btf.TypeID) (btf.TypeID, error) {
	switch t := tag.(type) {
	case *cu.BaseType:
		return e.w.AddBaseType(t, t.Name)

	case *cu.Ref:
		var kind btf.Kind
		switch t.Kind {
		case cu.RefConst:
			kind = btf.KindConst
		case cu.RefPointer:
			kind = btf.KindPointer
		case cu.RefRestrict:
			kind = btf.KindRestrict
		case cu.RefVolatile:
			kind = btf.KindVolatile
		default:
			return 0, fmt.Errorf("unsupported ref kind %d", t.Kind)
		}
		return e.w.AddRefType(kind, refID(t.Type, typeIDOff), "", false)

	case *cu.Typedef:
		return e.w.AddRefType(btf.KindTypedef, refID(t.Type, typeIDOff), t.Name, false)

	case *cu.Composite:
		if t.Forward {
			return e.w.AddRefType(btf.KindForward, 0, t.Name, t.Kind == cu.Union)
		}
		return e.encodeComposite(t, typeIDOff)

	case *cu.Array:
		// TODO: Encode one dimension at a time.
		e.needIndexType = true
		return e.w.AddArray(refID(t.Type, typeIDOff), e.arrayIndexID, t.Nelems())

	case *cu.Enum:
		return e.encodeEnum(t)

	case *cu.Subroutine:
		return e.w.AddFuncProto(&t.Proto, typeIDOff)

	case *cu.Unsupported:
		fmt.Fprintf(os.Stderr, "Unsupported DWARF tag %s (0x%x)\n", t.Tag, uint32(t.Tag))
		return 0, errors.New("unsupported tag")

	default:
		return 0, fmt.Errorf("unsupported tag %T", tag)
	}
}

func (e *Encoder) encodeComposite(t *cu.Composite, typeIDOff btf.TypeID) (btf.TypeID, error) {
	kind := btf.KindStruct
	if t.Kind == cu.Union {
		kind = btf.KindUnion
	}

	id, err := e.w.AddStruct(kind, t.Name, t.ByteSize)
	if err != nil {
		return id, err
	}

	for _, m := range t.Members {
		// Member bit offsets already follow DWARF's recommended
		// addressing scheme, which is what BTF wants. No conversion.
		if err := e.w.AddMember(m.Name, typeIDOff+btf.TypeID(m.Type), m.BitfieldSize, m.BitOffset); err != nil {
			return id, err
		}
	}

	return id, nil
}

func (e *Encoder) encodeEnum(t *cu.Enum) (btf.TypeID, error) {
	id, err := e.w.AddEnum(t.Name, t.ByteSize)
	if err != nil {
		return id, err
	}

	for _, v := range t.Values {
		if err := e.w.AddEnumValue(v.Name, v.Value); err != nil {
			return id, err
		}
	}

	return id, nil
}

func hasArgNames(proto *cu.FuncProto) bool {
	for _, p := range proto.Params {
		if p.Name == "" {
			return false
		}
	}
	return true
}

func (e *Encoder) encodeFunctions(u *cu.Unit, typeIDOff btf.TypeID) error {
	for _, fn := range u.Funcs {
		// A populated function table means the object looks like a
		// kernel and the ftrace location filter applies. Otherwise
		// keep the plain DWARF declaration check.
		if len(e.funcs) > 0 {
			if !hasArgNames(&fn.Proto) {
				continue
			}
			if !e.shouldGenerateFunction(fn.Name) {
				continue
			}
		} else {
			if fn.Declaration || !fn.External {
				continue
			}
		}

		protoID, err := e.w.AddFuncProto(&fn.Proto, typeIDOff)
		if err == nil {
			_, err = e.w.AddRefType(btf.KindFunc, protoID, fn.Name, false)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to encode function '%s': %s\n", fn.Name, err)
			return err
		}
	}

	return nil
}

func (e *Encoder) encodeVariables(u *cu.Unit, typeIDOff btf.TypeID) error {
	if e.w.PercpuShndx == 0 || len(e.w.Symtab) == 0 {
		return nil
	}

	if e.opts.Verbose {
		fmt.Printf("search cu '%s' for percpu global variables.\n", u.Name)
	}

	for _, v := range u.Vars {
		if v.Declaration && v.Spec == nil {
			continue
		}
		// Per-CPU variables are allocated in global space.
		if v.Scope != cu.ScopeGlobal && v.Spec == nil {
			continue
		}

		// The address belongs to the defining entry; record it before
		// following the specification link to the declaration that
		// carries name, type and linkage.
		addr := v.Addr
		if v.Spec != nil {
			v = v.Spec
		}

		size, name, ok := e.percpuVar(addr)
		if !ok {
			// Not a per-CPU variable.
			continue
		}

		if v.Type == cu.Void {
			fmt.Fprintf(os.Stderr, "error: found variable '%s' in CU '%s' that has void type\n", name, u.Name)
			if e.opts.Force {
				continue
			}
			return errors.New("void-typed per-CPU variable")
		}

		typ := typeIDOff + btf.TypeID(v.Type)
		linkage := btf.LinkageStatic
		if v.External {
			linkage = btf.LinkageGlobalAllocated
		}

		if e.opts.Verbose {
			fmt.Printf("Variable '%s' from CU '%s' at address 0x%x encoded\n", name, u.Name, addr)
		}

		id, err := e.w.AddVar(typ, name, linkage)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: failed to encode variable '%s' at addr 0x%x\n", name, addr)
			return err
		}

		// The matching DATASEC entry is buffered until the session
		// finishes, since DATASEC has to come last.
		offset := uint32(addr - e.w.PercpuBase)
		e.w.PercpuSecinfo.Add(id, offset, size)
	}

	return nil
}
