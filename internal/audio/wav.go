package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// PCMFormat describes interleaved little-endian linear PCM
type PCMFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// Validate checks the format is usable for capture and WAV export
func (f PCMFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels < 1 {
		return fmt.Errorf("channels must be at least 1, got %d", f.Channels)
	}
	if f.BitDepth%8 != 0 || f.BitDepth < 8 || f.BitDepth > 32 {
		return fmt.Errorf("unsupported bit depth: %d", f.BitDepth)
	}
	return nil
}

// FrameSize returns the number of bytes per sample frame
func (f PCMFormat) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// ByteRate returns the number of bytes per second of audio
func (f PCMFormat) ByteRate() int {
	return f.SampleRate * f.FrameSize()
}

// BytesFor returns the frame-aligned byte length of d
func (f PCMFormat) BytesFor(d time.Duration) int {
	frames := int(math.Round(d.Seconds() * float64(f.SampleRate)))
	return frames * f.FrameSize()
}

// Duration returns the playback length of n bytes
func (f PCMFormat) Duration(n int64) time.Duration {
	rate := f.ByteRate()
	if rate == 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(rate) * float64(time.Second))
}

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVHeaderSize is the size of the canonical header written by WriteWAVHeader
const WAVHeaderSize = 44

// NewWAVHeader builds a header for dataSize bytes of PCM in the given format.
// Sizes beyond the 32-bit RIFF limit are clamped.
func NewWAVHeader(format PCMFormat, dataSize int64) WAVHeader {
	size := uint32(math.MaxUint32 - 36)
	if dataSize >= 0 && dataSize < int64(size) {
		size = uint32(dataSize)
	}

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + size,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.ByteRate()),
		BlockAlign:    uint16(format.FrameSize()),
		BitsPerSample: uint16(format.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: size,
	}
}

// WriteWAVHeader writes a canonical WAV header announcing dataSize bytes of PCM
func WriteWAVHeader(w io.Writer, format PCMFormat, dataSize int64) error {
	if err := format.Validate(); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, NewWAVHeader(format, dataSize)); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	return nil
}

// EncodeWAV wraps raw PCM bytes into a complete WAV file
func EncodeWAV(pcm []byte, format PCMFormat) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))
	if err := WriteWAVHeader(buf, format, int64(len(pcm))); err != nil {
		return nil, err
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// ReadWAVHeader consumes the RIFF header of a PCM WAV stream up to the start
// of the data chunk and returns the format and the declared data size.
// Chunks other than "fmt " and "data" are skipped.
func ReadWAVHeader(r io.Reader) (PCMFormat, uint32, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return PCMFormat{}, 0, fmt.Errorf("WAV data too short: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return PCMFormat{}, 0, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(riff[8:12]) != "WAVE" {
		return PCMFormat{}, 0, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		format    PCMFormat
		sawFormat bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return PCMFormat{}, 0, fmt.Errorf("invalid WAV file: missing data chunk")
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return PCMFormat{}, 0, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return PCMFormat{}, 0, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if audioFormat := binary.LittleEndian.Uint16(body[0:2]); audioFormat != 1 {
				return PCMFormat{}, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", audioFormat)
			}
			format = PCMFormat{
				Channels:   int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate: int(binary.LittleEndian.Uint32(body[4:8])),
				BitDepth:   int(binary.LittleEndian.Uint16(body[14:16])),
			}
			if err := format.Validate(); err != nil {
				return PCMFormat{}, 0, err
			}
			sawFormat = true

		case "data":
			if !sawFormat {
				return PCMFormat{}, 0, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			return format, size, nil

		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return PCMFormat{}, 0, fmt.Errorf("failed to skip %q chunk: %w", id, err)
			}
		}
	}
}
