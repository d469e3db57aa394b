// Package checksum provides the checksums used by the on-disk formats:
// masked CRC32C for WAL fragments and table blocks, xxh3-64 for table
// footers and whole-file verification.
package checksum

import "hash/crc32"

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// Value computes the CRC32C of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Extend computes the CRC32C of concat(A, data) where initCRC is the CRC32C of A.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32cTable, data)
}

// Mask returns the stored form of crc. Checksumming data that embeds raw
// CRCs is weak, so every stored CRC is rotated and offset.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask inverts Mask.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}
