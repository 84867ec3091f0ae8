// Package crc provides the CRC32c checksum used by the journal formats.
package crc

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32c continues a CRC32c (Castagnoli) checksum from base over b.
func CRC32c(base uint32, b []byte) uint32 {
	return crc32.Update(base, castagnoli, b)
}
