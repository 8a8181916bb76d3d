// Package framer builds the two frame kinds the firmware-update protocol
// sends over I²C: the initialising frame that precedes a transfer, and the
// fixed-size data frames that carry the binary itself.
//
// Every frame shares the same envelope:
//
//	offset  size  meaning
//	0       1     0x8A                 sync byte
//	1       2     BE length (hex ASCII) see InitFrame / FwFrame
//	3       1     0x01                 protocol byte
//	4       1     0xA1 (start) | 0xA2 (data)
//	5..     var   payload
//	tail    2     LE CRC-16/Kermit
package framer

import (
	"encoding/hex"
	"fmt"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/crc"
)

const (
	syncByte       = 0x8A
	protocolByte   = 0x01
	regStart       = 0xA1
	regData        = 0xA2
	startOverhead  = 7 // start frame: length is 7 plus the nominal frame size, not the frame's own byte count
	dataOverhead   = 9 // data frame: sync+length(2)+protocol+register+frame number(2)+CRC(2), so length counts the whole frame
)

// InitFrame builds the single frame that kicks off a transfer.
//
// fwSize, frameSize, totalFrames, lastFrameSize, fwChecksum and reserved
// are already hex-ASCII strings of the fixed widths spec.md §4.1 requires:
// fwSize=8, frameSize=4, totalFrames=4, lastFrameSize=4, fwChecksum=8,
// reserved=4. The length prefix is 7 plus the frame size in bytes (not the
// hex string), rendered as 4 hex digits.
func InitFrame(fwSize, frameSize, totalFrames, lastFrameSize, fwChecksum, reserved string, frameSizeBytes int) ([]byte, error) {
	body := fwSize + frameSize + totalFrames + lastFrameSize + fwChecksum + reserved
	length := startOverhead + frameSizeBytes
	return build(regStart, length, body)
}

// FwFrame builds a single data frame carrying frameNumber (1-based) and the
// up-to-256-byte chunk frameData.
func FwFrame(frameNumber int, frameData []byte) ([]byte, error) {
	length := dataOverhead + len(frameData)
	body := fmt.Sprintf("%04x", frameNumber) + hex.EncodeToString(frameData)
	return build(regData, length, body)
}

// build assembles sync byte, 4-hex length, protocol byte, register byte,
// hex body and CRC-16/Kermit trailer, then decodes the whole hex string to
// bytes.
func build(register byte, length int, bodyHex string) ([]byte, error) {
	prefix := fmt.Sprintf("%02x%04x%02x%02x", syncByte, length, protocolByte, register)
	withoutCRC := prefix + bodyHex
	raw, err := hex.DecodeString(withoutCRC)
	if err != nil {
		return nil, fmt.Errorf("framer: malformed hex body: %w", err)
	}
	trailer := crc.LittleEndianBytes(raw)
	return append(raw, trailer[:]...), nil
}
