package framer

import (
	"encoding/hex"
	"testing"

	"github.com/pi-top/pi-top-Firmware-Updater/internal/crc"
)

func TestInitFrameEnvelope(t *testing.T) {
	frame, err := InitFrame("00001000", "0100", "0010", "00f0", "deadbeef", "0000", 256)
	if err != nil {
		t.Fatalf("InitFrame: %v", err)
	}
	if frame[0] != 0x8A {
		t.Fatalf("frame[0] = %#02x, want 0x8A", frame[0])
	}
	if frame[3] != 0x01 || frame[4] != 0xA1 {
		t.Fatalf("frame[3:5] = %#02x %#02x, want 0x01 0xA1", frame[3], frame[4])
	}
	wantLen := 7 + 256
	gotLen := int(frame[1])<<8 | int(frame[2])
	if gotLen != wantLen {
		t.Fatalf("length prefix = %d, want %d", gotLen, wantLen)
	}
	body := frame[:len(frame)-2]
	wantCRC := crc.LittleEndianBytes(body)
	gotCRC := frame[len(frame)-2:]
	if gotCRC[0] != wantCRC[0] || gotCRC[1] != wantCRC[1] {
		t.Fatalf("CRC trailer = % x, want % x", gotCRC, wantCRC[:])
	}
}

func TestFwFrameEnvelope(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	frame, err := FwFrame(3, payload)
	if err != nil {
		t.Fatalf("FwFrame: %v", err)
	}
	if frame[0] != 0x8A || frame[3] != 0x01 || frame[4] != 0xA2 {
		t.Fatalf("unexpected envelope header: % x", frame[:5])
	}
	wantLen := 9 + len(payload)
	gotLen := int(frame[1])<<8 | int(frame[2])
	if gotLen != wantLen {
		t.Fatalf("length prefix = %d, want %d", gotLen, wantLen)
	}
	frameNumber := frame[5:7]
	if hex.EncodeToString(frameNumber) != "0003" {
		t.Fatalf("frame number field = %x, want 0003", frameNumber)
	}
	gotPayload := frame[7 : 7+len(payload)]
	for i, b := range payload {
		if gotPayload[i] != b {
			t.Fatalf("payload[%d] = %#02x, want %#02x", i, gotPayload[i], b)
		}
	}
	body := frame[:len(frame)-2]
	wantCRC := crc.LittleEndianBytes(body)
	gotCRC := frame[len(frame)-2:]
	if gotCRC[0] != wantCRC[0] || gotCRC[1] != wantCRC[1] {
		t.Fatalf("CRC trailer = % x, want % x", gotCRC, wantCRC[:])
	}
}

func TestFwFrameCRCPadsToFourHex(t *testing.T) {
	// Frames 1..49, each with a one-byte chunk: every CRC trailer must
	// render as exactly 4 hex characters (spec.md §4.1). None of these CRCs
	// has a zero byte, so this checks the encoding width over many values.
	for n := 1; n < 50; n++ {
		frame, err := FwFrame(n, []byte{byte(n)})
		if err != nil {
			t.Fatalf("FwFrame(%d): %v", n, err)
		}
		crcBytes := frame[len(frame)-2:]
		s := hex.EncodeToString(crcBytes)
		if len(s) != 4 {
			t.Fatalf("CRC hex %q is not 4 characters wide", s)
		}
	}
}
