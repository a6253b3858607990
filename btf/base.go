package btf

import (
	"fmt"

	cebtf "github.com/cilium/ebpf/btf"
)

// BaseBTF carries the type count of an existing blob, so that types written
// on top of it get non-overlapping IDs.
type BaseBTF struct {
	nrTypes uint32
}

// NumTypes returns the number of types in the base blob, not counting void.
func (b *BaseBTF) NumTypes() uint32 {
	return b.nrTypes
}

// LoadBaseBTF reads the blob at path and counts its types.
func LoadBaseBTF(path string) (*BaseBTF, error) {
	spec, err := cebtf.LoadSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load base BTF %s: %w", path, err)
	}

	var n uint32
	iter := spec.Iterate()
	for iter.Next() {
		if _, ok := iter.Type.(*cebtf.Void); ok {
			continue
		}
		n++
	}

	return &BaseBTF{nrTypes: n}, nil
}
