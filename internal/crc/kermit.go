// Package crc computes the CRC-16/Kermit checksum used to trail every
// frame of the firmware-update wire protocol.
package crc

import "github.com/sigurn/crc16"

// kermitParams pins down CRC-16/Kermit: poly 0x1021, both shift directions
// reflected, zero init and xor-out. These are the parameters spec.md §4.1
// names explicitly, not one of the library's predefined tables.
var kermitParams = crc16.Params{
	Poly:   0x1021,
	Init:   0x0000,
	RefIn:  true,
	RefOut: true,
	XorOut: 0x0000,
	Check:  0x2189,
	Name:   "CRC-16/KERMIT",
}

var kermitTable = crc16.MakeTable(kermitParams)

// Checksum returns the CRC-16/Kermit of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, kermitTable)
}

// LittleEndianBytes returns the 2-byte little-endian encoding of
// Checksum(data), as required when appending the CRC trailer to a frame.
func LittleEndianBytes(data []byte) [2]byte {
	v := Checksum(data)
	return [2]byte{byte(v), byte(v >> 8)}
}
