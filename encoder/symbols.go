package encoder

import (
	"debug/elf"
	"fmt"
	"slices"
	"sort"
)

// elfFunction is one FUNC symbol from the object's symbol table. The name
// borrows from the ELF string section.
type elfFunction struct {
	name      string
	addr      uint64
	generated bool
}

// The function table starts out sized for a small object and grows by 3/2,
// which keeps reallocation behavior sane on large kernels.
const initialFuncTableCap = 1000

// mcount entries are native-width addresses. The kernel's scripts/recordmcount
// always emits 8 byte records on 64 bit targets; 32 bit targets would need
// this parametrized.
const mcountRecordSize = 8

// funcsLayout holds the six kernel layout anchors scraped from the symbol
// table. Function filtering only activates once all of them are present.
type funcsLayout struct {
	mcountStart  uint64
	mcountStop   uint64
	initBegin    uint64
	initEnd      uint64
	initBPFBegin uint64
	initBPFEnd   uint64
	mcountSecIdx elf.SectionIndex
}

func (fl *funcsLayout) complete() bool {
	return fl.mcountStart != 0 && fl.mcountStop != 0 &&
		fl.initBegin != 0 && fl.initEnd != 0 &&
		fl.initBPFBegin != 0 && fl.initBPFEnd != 0
}

func (fl *funcsLayout) isInit(addr uint64) bool {
	return addr >= fl.initBegin && addr < fl.initEnd
}

func (fl *funcsLayout) isBPFInit(addr uint64) bool {
	return addr >= fl.initBPFBegin && addr < fl.initBPFEnd
}

func (e *Encoder) appendFunction(name string, addr uint64) {
	if len(e.funcs) == cap(e.funcs) {
		newCap := cap(e.funcs) * 3 / 2
		if newCap < initialFuncTableCap {
			newCap = initialFuncTableCap
		}
		grown := make([]elfFunction, len(e.funcs), newCap)
		copy(grown, e.funcs)
		e.funcs = grown
	}

	e.funcs = append(e.funcs, elfFunction{name: name, addr: addr})
}

func collectLayoutSymbol(sym *elf.Symbol, fl *funcsLayout) {
	switch sym.Name {
	case "__start_mcount_loc":
		if fl.mcountStart == 0 {
			fl.mcountStart = sym.Value
			fl.mcountSecIdx = sym.Section
		}
	case "__stop_mcount_loc":
		if fl.mcountStop == 0 {
			fl.mcountStop = sym.Value
		}
	case "__init_begin":
		if fl.initBegin == 0 {
			fl.initBegin = sym.Value
		}
	case "__init_end":
		if fl.initEnd == 0 {
			fl.initEnd = sym.Value
		}
	case "__init_bpf_preserve_type_begin":
		if fl.initBPFBegin == 0 {
			fl.initBPFBegin = sym.Value
		}
	case "__init_bpf_preserve_type_end":
		if fl.initBPFEnd == 0 {
			fl.initBPFEnd = sym.Value
		}
	}
}

// collectSymbols makes a single pass over the writer's symbol table,
// populating the function table, the per-CPU table and the layout anchors.
func (e *Encoder) collectSymbols(collectVars bool) error {
	var fl funcsLayout

	if collectVars {
		e.percpu = make([]varInfo, 0, maxPercpuVars)
	}

	for i := range e.w.Symtab {
		sym := &e.w.Symtab[i]

		if collectVars {
			if err := e.collectPercpuVar(sym); err != nil {
				return err
			}
		}

		if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Value != 0 {
			e.appendFunction(sym.Name, sym.Value)
		}

		collectLayoutSymbol(sym, &fl)
	}

	if collectVars {
		sort.Slice(e.percpu, func(i, j int) bool {
			return e.percpu[i].addr < e.percpu[j].addr
		})

		if e.opts.Verbose {
			fmt.Printf("Found %d per-CPU variables!\n", len(e.percpu))
		}
	}

	if len(e.funcs) > 0 && fl.complete() {
		sort.Slice(e.funcs, func(i, j int) bool {
			return e.funcs[i].name < e.funcs[j].name
		})
		if err := e.filterFunctions(&fl); err != nil {
			return fmt.Errorf("filter dwarf functions: %w", err)
		}
		if e.opts.Verbose {
			fmt.Printf("Found %d functions!\n", len(e.funcs))
		}
	} else {
		if e.opts.Verbose {
			fmt.Printf("vmlinux not detected, falling back to dwarf data\n")
		}
		e.funcs = nil
	}

	return nil
}

// filterFunctions drops collected functions that the kernel's function
// tracer cannot attach to: everything missing from the mcount table, plus
// init sections with the exception of .init.bpf.preserve_type.
func (e *Encoder) filterFunctions(fl *funcsLayout) error {
	data, err := e.w.ELF.SectionData(fl.mcountSecIdx)
	if err != nil {
		return fmt.Errorf("mcount section %d: %w", fl.mcountSecIdx, err)
	}

	sec, err := e.w.ELF.SectionByIndex(fl.mcountSecIdx)
	if err != nil {
		return err
	}

	offset := fl.mcountStart - sec.Addr
	count := (fl.mcountStop - fl.mcountStart) / mcountRecordSize

	if offset > uint64(len(data)) || count*mcountRecordSize > uint64(len(data))-offset {
		return fmt.Errorf("mcount table [%#x, %#x) lies outside section %d", fl.mcountStart, fl.mcountStop, fl.mcountSecIdx)
	}

	bo := e.w.ELF.ByteOrder
	addrs := make([]uint64, count)
	for i := range addrs {
		addrs[i] = bo.Uint64(data[offset+uint64(i)*mcountRecordSize:])
	}
	slices.Sort(addrs)

	// The function table is name sorted. Compacting in place keeps it that
	// way.
	valid := 0
	for i := range e.funcs {
		fn := &e.funcs[i]

		if fl.isInit(fn.addr) && !fl.isBPFInit(fn.addr) {
			continue
		}

		if _, ok := slices.BinarySearch(addrs, fn.addr); ok {
			if i != valid {
				e.funcs[valid] = e.funcs[i]
			}
			valid++
		}
	}

	e.funcs = e.funcs[:valid]
	return nil
}

// shouldGenerateFunction reports whether a function of the given name is in
// the filtered table and hasn't been emitted yet. A true result marks it
// emitted.
func (e *Encoder) shouldGenerateFunction(name string) bool {
	idx := sort.Search(len(e.funcs), func(i int) bool {
		return e.funcs[i].name >= name
	})
	if idx >= len(e.funcs) || e.funcs[idx].name != name {
		return false
	}

	fn := &e.funcs[idx]
	if fn.generated {
		return false
	}

	fn.generated = true
	return true
}
