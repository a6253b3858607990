package btf

import (
	"bytes"
	"testing"

	cebtf "github.com/cilium/ebpf/btf"
	"github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"

	"github.com/dwarf2btf/dwarf2btf/cu"
)

func parseBlob(t *testing.T, w *Writer) *cebtf.Spec {
	t.Helper()

	blob, err := w.Bytes()
	qt.Assert(t, qt.IsNil(err))

	spec, err := cebtf.LoadSpecFromReader(bytes.NewReader(blob))
	qt.Assert(t, qt.IsNil(err), qt.Commentf("emitted blob must parse"))
	return spec
}

func TestWriterAllKinds(t *testing.T) {
	w, err := NewWriter("test.o", nil, nil)
	qt.Assert(t, qt.IsNil(err))
	w.PercpuSize = 0x1000

	intID, err := w.AddBaseType(&cu.BaseType{BitSize: 32, Signed: true}, "int")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(intID, TypeID(1)))

	ptrID, err := w.AddRefType(KindPointer, intID, "", false)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(ptrID, TypeID(2)))

	structID, err := w.AddStruct(KindStruct, "s", 16)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(structID, TypeID(3)))
	qt.Assert(t, qt.IsNil(w.AddMember("a", intID, 0, 0)))
	qt.Assert(t, qt.IsNil(w.AddMember("b", ptrID, 0, 64)))

	arrayID, err := w.AddArray(intID, intID, 12)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(arrayID, TypeID(4)))

	enumID, err := w.AddEnum("e", 4)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(enumID, TypeID(5)))
	qt.Assert(t, qt.IsNil(w.AddEnumValue("E_A", 0)))
	qt.Assert(t, qt.IsNil(w.AddEnumValue("E_B", 23)))

	fwdID, err := w.AddRefType(KindForward, 0, "u", true)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(fwdID, TypeID(6)))

	protoID, err := w.AddFuncProto(&cu.FuncProto{
		Return: cu.TypeID(1),
		Params: []cu.Param{{Name: "x", Type: cu.TypeID(1)}},
	}, 0)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(protoID, TypeID(7)))

	funcID, err := w.AddRefType(KindFunc, protoID, "f", false)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(funcID, TypeID(8)))

	varID, err := w.AddVar(intID, "v", LinkageGlobalAllocated)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(varID, TypeID(9)))

	w.PercpuSecinfo.Add(varID, 0x40, 4)
	qt.Assert(t, qt.IsNil(w.AddDatasec(PerCPUSection, w.PercpuSecinfo)))

	qt.Assert(t, qt.Equals(w.TypeCount(), uint32(10)))

	spec := parseBlob(t, w)

	typ, err := spec.TypeByID(cebtf.TypeID(structID))
	qt.Assert(t, qt.IsNil(err))
	s, ok := typ.(*cebtf.Struct)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(s.Name, "s"))
	qt.Assert(t, qt.Equals(s.Size, uint32(16)))
	qt.Assert(t, qt.HasLen(s.Members, 2))
	qt.Assert(t, qt.Equals(s.Members[0].Name, "a"))
	qt.Assert(t, qt.Equals(s.Members[1].Offset, cebtf.Bits(64)))

	typ, err = spec.TypeByID(cebtf.TypeID(arrayID))
	qt.Assert(t, qt.IsNil(err))
	arr, ok := typ.(*cebtf.Array)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(arr.Nelems, uint32(12)))

	typ, err = spec.TypeByID(cebtf.TypeID(enumID))
	qt.Assert(t, qt.IsNil(err))
	enum, ok := typ.(*cebtf.Enum)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.HasLen(enum.Values, 2))
	qt.Assert(t, qt.Equals(enum.Values[1].Value, uint64(23)))

	typ, err = spec.TypeByID(cebtf.TypeID(fwdID))
	qt.Assert(t, qt.IsNil(err))
	fwd, ok := typ.(*cebtf.Fwd)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(fwd.Kind, cebtf.FwdUnion))

	typ, err = spec.TypeByID(cebtf.TypeID(funcID))
	qt.Assert(t, qt.IsNil(err))
	fn, ok := typ.(*cebtf.Func)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(fn.Name, "f"))
	proto, ok := fn.Type.(*cebtf.FuncProto)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.HasLen(proto.Params, 1))
	qt.Assert(t, qt.Equals(proto.Params[0].Name, "x"))

	typ, err = spec.TypeByID(cebtf.TypeID(varID))
	qt.Assert(t, qt.IsNil(err))
	v, ok := typ.(*cebtf.Var)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(v.Name, "v"))
	qt.Assert(t, qt.Equals(v.Linkage, cebtf.GlobalVar))

	typ, err = spec.TypeByID(cebtf.TypeID(w.TypeCount()))
	qt.Assert(t, qt.IsNil(err))
	ds, ok := typ.(*cebtf.Datasec)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(ds.Name, PerCPUSection))
	qt.Assert(t, qt.HasLen(ds.Vars, 1))
	qt.Assert(t, qt.Equals(ds.Vars[0].Offset, uint32(0x40)))
	qt.Assert(t, qt.Equals(ds.Vars[0].Size, uint32(4)))
}

func TestWriterBitfieldMember(t *testing.T) {
	w, err := NewWriter("test.o", nil, nil)
	qt.Assert(t, qt.IsNil(err))

	intID, err := w.AddBaseType(&cu.BaseType{BitSize: 32, Signed: true}, "int")
	qt.Assert(t, qt.IsNil(err))

	_, err = w.AddStruct(KindStruct, "flags", 8)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(w.AddMember("whole", intID, 0, 0)))
	qt.Assert(t, qt.IsNil(w.AddMember("narrow", intID, 3, 32)))

	spec := parseBlob(t, w)

	typ, err := spec.AnyTypeByName("flags")
	qt.Assert(t, qt.IsNil(err))
	s := typ.(*cebtf.Struct)
	qt.Assert(t, qt.HasLen(s.Members, 2))
	qt.Assert(t, qt.Equals(s.Members[1].Offset, cebtf.Bits(32)))
	qt.Assert(t, qt.Equals(s.Members[1].BitfieldSize, cebtf.Bits(3)))
}

func TestWriterVariadicProto(t *testing.T) {
	w, err := NewWriter("test.o", nil, nil)
	qt.Assert(t, qt.IsNil(err))

	intID, err := w.AddBaseType(&cu.BaseType{BitSize: 32, Signed: true}, "int")
	qt.Assert(t, qt.IsNil(err))

	protoID, err := w.AddFuncProto(&cu.FuncProto{
		Return:   cu.TypeID(1),
		Params:   []cu.Param{{Name: "fmt", Type: cu.TypeID(1)}},
		Variadic: true,
	}, 0)
	qt.Assert(t, qt.IsNil(err))
	_, err = w.AddRefType(KindFunc, protoID, "printf_like", false)
	qt.Assert(t, qt.IsNil(err))
	_ = intID

	spec := parseBlob(t, w)

	typ, err := spec.AnyTypeByName("printf_like")
	qt.Assert(t, qt.IsNil(err))
	proto := typ.(*cebtf.Func).Type.(*cebtf.FuncProto)
	// The variadic marker is the trailing anonymous void parameter.
	qt.Assert(t, qt.HasLen(proto.Params, 2))
	qt.Assert(t, qt.Equals(proto.Params[1].Name, ""))
}

func TestWriterBaseOffset(t *testing.T) {
	w, err := NewWriter("test.o", nil, &BaseBTF{nrTypes: 5})
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.Equals(w.TypeCount(), uint32(5)))

	id, err := w.AddBaseType(&cu.BaseType{BitSize: 32, Signed: true}, "int")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(id, TypeID(6)))
	qt.Assert(t, qt.Equals(w.TypeCount(), uint32(6)))
}

func TestWriterFloatUnsupported(t *testing.T) {
	w, err := NewWriter("test.o", nil, nil)
	qt.Assert(t, qt.IsNil(err))

	_, err = w.AddBaseType(&cu.BaseType{BitSize: 64, Float: true}, "double")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestWriterDeterministicOutput(t *testing.T) {
	build := func() []byte {
		w, err := NewWriter("test.o", nil, nil)
		qt.Assert(t, qt.IsNil(err))

		intID, err := w.AddBaseType(&cu.BaseType{BitSize: 32, Signed: true}, "int")
		qt.Assert(t, qt.IsNil(err))
		_, err = w.AddRefType(KindPointer, intID, "", false)
		qt.Assert(t, qt.IsNil(err))
		_, err = w.AddStruct(KindStruct, "pair", 8)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.IsNil(w.AddMember("x", intID, 0, 0)))
		qt.Assert(t, qt.IsNil(w.AddMember("y", intID, 0, 32)))

		blob, err := w.Bytes()
		qt.Assert(t, qt.IsNil(err))
		return blob
	}

	first := build()
	second := build()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("same input must produce byte-identical output (-first +second):\n%s", diff)
	}
}
