package gdnet

import "hash/crc32"

// ChecksumCallback computes a 32-bit checksum over the gathered buffers of a
// datagram. The connect ID of the addressed peer (or 0) occupies the
// checksum slot while the sum is computed, binding the checksum to the
// connection.
type ChecksumCallback func(buffers [][]byte) uint32

// ChecksumCRC32 is the stock checksum callback.
func ChecksumCRC32(buffers [][]byte) uint32 {
	crc := uint32(0)
	for _, buffer := range buffers {
		crc = crc32.Update(crc, crc32.IEEETable, buffer)
	}
	return crc
}
