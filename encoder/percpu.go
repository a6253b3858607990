package encoder

import (
	"debug/elf"
	"fmt"
	"sort"
)

// maxPercpuVars bounds the per-CPU table. A defconfig kernel stays well
// below this.
const maxPercpuVars = 4096

// varInfo is one per-CPU variable, keyed by its virtual address. The name
// borrows from the ELF string section.
type varInfo struct {
	addr uint64
	size uint32
	name string
}

// collectPercpuVar records a symbol if it is an allocated object in the
// per-CPU section.
func (e *Encoder) collectPercpuVar(sym *elf.Symbol) error {
	// A symbol's section index determines whether it's a per-CPU variable.
	if sym.Section != e.w.PercpuShndx {
		return nil
	}
	if elf.ST_TYPE(sym.Info) != elf.STT_OBJECT {
		return nil
	}

	// Only symbols with allocated space in the per-CPU section matter.
	// This excludes __ADDRESSABLE() and __UNIQUE_ID() artifacts, which
	// are emitted at address zero, and zero-sized symbols.
	addr := sym.Value
	if addr == 0 {
		return nil
	}

	size := uint32(sym.Size)
	if size == 0 {
		return nil
	}

	if !validName(sym.Name) {
		dumpInvalidSymbol("Found symbol of invalid name when encoding btf",
			sym.Name, e.opts.Verbose, e.opts.Force)
		if e.opts.Force {
			return nil
		}
		return fmt.Errorf("invalid per-CPU symbol name %q", sym.Name)
	}

	if e.opts.Verbose {
		fmt.Printf("Found per-CPU symbol '%s' at address 0x%x\n", sym.Name, addr)
	}

	if len(e.percpu) == maxPercpuVars {
		return fmt.Errorf("reached the limit of per-CPU variables: %d", maxPercpuVars)
	}

	e.percpu = append(e.percpu, varInfo{addr: addr, size: size, name: sym.Name})
	return nil
}

// percpuVar looks up a variable by address in the sorted per-CPU table.
func (e *Encoder) percpuVar(addr uint64) (size uint32, name string, ok bool) {
	idx := sort.Search(len(e.percpu), func(i int) bool {
		return e.percpu[i].addr >= addr
	})
	if idx >= len(e.percpu) || e.percpu[idx].addr != addr {
		return 0, "", false
	}

	return e.percpu[idx].size, e.percpu[idx].name, true
}
