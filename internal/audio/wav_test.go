package audio

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"
)

var testFormat = PCMFormat{SampleRate: 16000, Channels: 1, BitDepth: 16}

func TestPCMFormat(t *testing.T) {
	if testFormat.FrameSize() != 2 {
		t.Errorf("Expected frame size 2, got %d", testFormat.FrameSize())
	}
	if testFormat.ByteRate() != 32000 {
		t.Errorf("Expected byte rate 32000, got %d", testFormat.ByteRate())
	}
	if testFormat.BytesFor(10*time.Second) != 320000 {
		t.Errorf("Expected 320000 bytes for 10s, got %d", testFormat.BytesFor(10*time.Second))
	}
	if testFormat.Duration(16000) != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", testFormat.Duration(16000))
	}

	stereo := PCMFormat{SampleRate: 44100, Channels: 2, BitDepth: 24}
	if stereo.FrameSize() != 6 {
		t.Errorf("Expected frame size 6, got %d", stereo.FrameSize())
	}
	if stereo.BytesFor(time.Second)%stereo.FrameSize() != 0 {
		t.Error("BytesFor must be frame aligned")
	}

	invalid := []PCMFormat{
		{SampleRate: 0, Channels: 1, BitDepth: 16},
		{SampleRate: 8000, Channels: 0, BitDepth: 16},
		{SampleRate: 8000, Channels: 1, BitDepth: 12},
	}
	for _, f := range invalid {
		if err := f.Validate(); err == nil {
			t.Errorf("Expected %+v to be invalid", f)
		}
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xFF, 0x7F, 0x00, 0x80}

	wav, err := EncodeWAV(pcm, testFormat)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(wav) != WAVHeaderSize+len(pcm) {
		t.Fatalf("Expected %d bytes, got %d", WAVHeaderSize+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("Missing canonical WAV markers")
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); size != uint32(len(pcm)) {
		t.Errorf("Expected data size %d, got %d", len(pcm), size)
	}
	if !bytes.Equal(wav[WAVHeaderSize:], pcm) {
		t.Error("PCM payload altered")
	}

	if _, err := EncodeWAV(nil, testFormat); err == nil {
		t.Error("Expected error for empty audio")
	}
}

func TestReadWAVHeader(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x10, 0x20}, 100)
	wav, err := EncodeWAV(pcm, testFormat)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	r := bytes.NewReader(wav)
	format, size, err := ReadWAVHeader(r)
	if err != nil {
		t.Fatalf("ReadWAVHeader failed: %v", err)
	}
	if format != testFormat {
		t.Errorf("Expected format %+v, got %+v", testFormat, format)
	}
	if size != uint32(len(pcm)) {
		t.Errorf("Expected data size %d, got %d", len(pcm), size)
	}
	if r.Len() != len(pcm) {
		t.Errorf("Reader should be positioned at PCM data, %d bytes remain", r.Len())
	}
}

func TestReadWAVHeaderSkipsUnknownChunks(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(8000))
	binary.Write(&buf, binary.LittleEndian, uint32(16000))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(4))
	buf.Write([]byte{1, 2, 3, 4})

	format, size, err := ReadWAVHeader(&buf)
	if err != nil {
		t.Fatalf("ReadWAVHeader failed: %v", err)
	}
	if format.SampleRate != 8000 || size != 4 {
		t.Errorf("Unexpected header: %+v size=%d", format, size)
	}
}

func TestReadWAVHeaderErrors(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		errorMsg string
	}{
		{"too short", []byte("RIFF"), "too short"},
		{"not riff", append([]byte("RIFX"), make([]byte, 40)...), "missing RIFF"},
		{"not wave", append([]byte("RIFF\x00\x00\x00\x00AVI "), make([]byte, 32)...), "missing WAVE"},
		{"no data chunk", []byte("RIFF\x00\x00\x00\x00WAVE"), "missing data chunk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadWAVHeader(bytes.NewReader(tt.data))
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}
