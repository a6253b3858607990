package encoder

import (
	"fmt"
	"os"
)

// Matches KSYM_NAME_LEN in include/linux/kallsyms.h: names are stored in a
// 128 byte window that must end in a null.
const ksymNameLen = 128

func nameCharOK(c byte, first bool) bool {
	if c == '_' || c == '.' {
		return true
	}

	alpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	if first {
		return alpha
	}
	return alpha || (c >= '0' && c <= '9')
}

// validName reports whether the given name is valid in vmlinux BTF.
func validName(name string) bool {
	if name == "" || len(name) > ksymNameLen-1 {
		return false
	}

	for i := 0; i < len(name); i++ {
		if !nameCharOK(name[i], i == 0) {
			return false
		}
	}

	return true
}

func dumpInvalidSymbol(msg, sym string, verbose, force bool) {
	if force {
		if verbose {
			fmt.Fprintf(os.Stderr, "PAHOLE: Warning: %s, ignored (sym: '%s').\n", msg, sym)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "PAHOLE: Error: %s (sym: '%s').\n", msg, sym)
	fmt.Fprintf(os.Stderr, "PAHOLE: Error: Use '--btf_encode_force' to ignore such symbols and force emit the btf.\n")
}
