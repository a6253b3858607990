package btf

import (
	"fmt"
	"strings"
)

// stringTable interns the names of a blob under construction.
//
// The section is built incrementally: every string is appended to buf, null
// terminated, the first time it is interned. Assembling the blob is then a
// plain copy, and the layout only depends on insertion order.
type stringTable struct {
	buf     []byte
	offsets map[string]uint32
}

func newStringTable() *stringTable {
	// Offset 0 doubles as the empty string and as "no name".
	return &stringTable{
		buf:     []byte{0},
		offsets: map[string]uint32{"": 0},
	}
}

// Insert returns the section offset of str, appending it on first use.
func (st *stringTable) Insert(str string) (uint32, error) {
	if strings.IndexByte(str, 0) != -1 {
		return 0, fmt.Errorf("string contains null: %q", str)
	}

	if offset, ok := st.offsets[str]; ok {
		return offset, nil
	}

	offset := uint32(len(st.buf))
	st.buf = append(st.buf, str...)
	st.buf = append(st.buf, 0)
	st.offsets[str] = offset
	return offset, nil
}

// Length returns the size of the section in bytes.
func (st *stringTable) Length() int {
	return len(st.buf)
}

// Bytes returns the section contents. Valid until the next Insert.
func (st *stringTable) Bytes() []byte {
	return st.buf
}
