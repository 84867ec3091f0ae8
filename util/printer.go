// Package util holds small helpers shared by tools in this repository.
package util

import (
	"fmt"
	"strings"
)

// DumpByteSlice formats a byte slice like xxd: hex bytes in rows, the row's
// starting position in hex at the left, and an ASCII rendering at the right
// when showASCII is set.
func DumpByteSlice(b []byte, bytesPerRow int, showASCII bool) string {
	var out strings.Builder
	numRows := len(b) / bytesPerRow
	if len(b)%bytesPerRow != 0 {
		numRows++
	}
	for i := 0; i < numRows; i++ {
		first := i * bytesPerRow
		last := first + bytesPerRow
		fmt.Fprintf(&out, "%08x:", first)
		var ascii []byte
		for j := first; j < last; j++ {
			if j%8 == 0 {
				out.WriteByte(' ')
			}
			if j < len(b) {
				fmt.Fprintf(&out, " %02x", b[j])
				c := b[j]
				if c < 0x20 || c > 0x7e {
					c = '.'
				}
				ascii = append(ascii, c)
			} else {
				out.WriteString("   ")
				ascii = append(ascii, ' ')
			}
		}
		if showASCII {
			fmt.Fprintf(&out, "  %s", string(ascii))
		}
		out.WriteByte('\n')
	}
	return out.String()
}
