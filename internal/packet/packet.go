// Package packet implements the PacketBuilder: it turns a firmware binary
// into the frames the updater sends over I²C, and parses the device's
// verify reply.
package packet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/crc"
	"github.com/pi-top/pi-top-Firmware-Updater/internal/framer"
)

// FrameLength is the fixed chunk size used to split a binary into data
// frames; only the final frame may be shorter.
const FrameLength = 256

// ErrCRCMismatch is returned by ParseVerifyReply when the reply's trailing
// CRC does not match the CRC of its own preceding bytes.
var ErrCRCMismatch = errors.New("packet: CRC mismatch in verify reply")

// ErrMissingSyncByte is returned by ParseVerifyReply when the reply does
// not start with the 0x8A sync byte.
var ErrMissingSyncByte = errors.New("packet: verify reply missing 0x8a sync byte")

// Builder holds a reference to a staged binary file and builds the packets
// that carry it over the wire.
type Builder struct {
	path string
}

// New returns a Builder over the binary at path. The file is read lazily,
// once per call, matching the Python original's re-reads in
// PacketManager._get_frames_list/_get_firmware_checksum.
func New(path string) *Builder {
	return &Builder{path: path}
}

// Frames splits the file into FrameLength-sized chunks; the last chunk may
// be shorter.
func (b *Builder) Frames() ([][]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("packet: reading firmware file: %w", err)
	}
	var frames [][]byte
	for i := 0; i < len(data); i += FrameLength {
		end := i + FrameLength
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, data[i:end])
	}
	if len(frames) == 0 {
		frames = [][]byte{{}}
	}
	return frames, nil
}

// FirmwareChecksum sums the unsigned byte values of the whole file, masks
// to 32 bits, and renders as an 8-hex-digit, zero-padded, uppercase string.
func (b *Builder) FirmwareChecksum() (string, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return "", fmt.Errorf("packet: reading firmware file: %w", err)
	}
	var sum uint32
	for _, v := range data {
		sum += uint32(v)
	}
	return fmt.Sprintf("%08X", sum), nil
}

// MakeStartPacket builds the single frame describing total size, frame
// layout and checksum of the staged binary.
func (b *Builder) MakeStartPacket() ([]byte, error) {
	info, err := os.Stat(b.path)
	if err != nil {
		return nil, fmt.Errorf("packet: stat firmware file: %w", err)
	}
	frames, err := b.Frames()
	if err != nil {
		return nil, err
	}
	checksum, err := b.FirmwareChecksum()
	if err != nil {
		return nil, err
	}
	fwSize := fmt.Sprintf("%08x", info.Size())
	frameSize := fmt.Sprintf("%04x", FrameLength)
	totalFrames := fmt.Sprintf("%04x", len(frames))
	lastFrame := fmt.Sprintf("%04x", len(frames[len(frames)-1]))
	reserved := "0000"
	return framer.InitFrame(fwSize, frameSize, totalFrames, lastFrame, checksum, reserved, FrameLength)
}

// MakeDataPackets builds one data frame per chunk, numbered 1..N.
func (b *Builder) MakeDataPackets() ([][]byte, error) {
	frames, err := b.Frames()
	if err != nil {
		return nil, err
	}
	packets := make([][]byte, len(frames))
	for i, chunk := range frames {
		p, err := framer.FwFrame(i+1, chunk)
		if err != nil {
			return nil, fmt.Errorf("packet: building data frame %d: %w", i+1, err)
		}
		packets[i] = p
	}
	return packets, nil
}

// ParseVerifyReply interprets the 8 bytes read from FW_CHECK_OK and reports
// whether the device considers the firmware accepted.
//
// raw is the big-endian 8-byte register reply. It is hex-encoded, checked
// for the 0x8a sync marker and a matching CRC-16/Kermit trailer, then the
// remaining hex (after stripping the 5-byte header and 2-byte CRC) is
// parsed as a decimal integer; a value of 1 means "verified OK".
func ParseVerifyReply(raw [8]byte) (bool, error) {
	hexStr := hex.EncodeToString(raw[:])

	if hexStr[:2] != "8a" {
		return false, fmt.Errorf("%w: got %q", ErrMissingSyncByte, hexStr[:2])
	}

	receivedCRC := hexStr[len(hexStr)-4:]
	withoutCRC := hexStr[:len(hexStr)-4]
	wantCRCBytes, err := hex.DecodeString(withoutCRC)
	if err != nil {
		return false, fmt.Errorf("packet: decoding verify reply: %w", err)
	}
	wantCRC := crc.LittleEndianBytes(wantCRCBytes)
	if receivedCRC != hex.EncodeToString(wantCRC[:]) {
		return false, fmt.Errorf("%w: received %s, calculated %x", ErrCRCMismatch, receivedCRC, wantCRC)
	}

	body := withoutCRC[10:] // strip the 5-byte (10 hex char) sync/length/protocol/register header
	value, err := strconv.ParseInt(body, 10, 64)
	if err != nil {
		return false, fmt.Errorf("packet: verify reply body %q is not decimal: %w", body, err)
	}
	return value == 1, nil
}

// MakeVerifyReply is the inverse of ParseVerifyReply, used by tests and by
// in-memory bus fakes to synthesize a plausible device reply.
func MakeVerifyReply(ok bool) [8]byte {
	value := 0
	if ok {
		value = 1
	}
	body := fmt.Sprintf("%02x", value) // 1 byte of body: sync+length+protocol+regclass(5B) + body(1B) + CRC(2B) = 8B
	prefix := "8a" + fmt.Sprintf("%04x", 0x03) + "0103"
	withoutCRC := prefix + body
	raw, _ := hex.DecodeString(withoutCRC)
	crcBytes := crc.LittleEndianBytes(raw)
	full := append(raw, crcBytes[:]...)
	var out [8]byte
	copy(out[:], full)
	return out
}
