package vtrealtime

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header.
const WAVHeaderSize = 44

// WAVHeader holds the fields of a canonical 44-byte WAV header.
type WAVHeader struct {
	RIFF          string
	FileSize      uint32
	WAVE          string
	Fmt           string
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// Valid reports whether the header describes linear PCM audio this package can play.
func (h WAVHeader) Valid() bool {
	if h.RIFF != "RIFF" || h.WAVE != "WAVE" || h.Fmt != "fmt " {
		return false
	}
	if h.AudioFormat != 1 {
		return false
	}
	if h.NumChannels != 1 && h.NumChannels != 2 {
		return false
	}
	if h.SampleRate < 8000 || h.SampleRate > 192000 {
		return false
	}
	switch h.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return false
	}
	bytesPerSample := uint32(h.BitsPerSample / 8)
	if uint32(h.BlockAlign) != uint32(h.NumChannels)*bytesPerSample {
		return false
	}
	return h.ByteRate == h.SampleRate*uint32(h.NumChannels)*bytesPerSample
}

// DecodedWAV is a decoded WAV container. IsValid mirrors Header.Valid().
type DecodedWAV struct {
	Data    []byte
	Header  WAVHeader
	IsValid bool
}

// PCMData holds mono samples in [-1, 1]. Stereo input is averaged down to mono.
type PCMData struct {
	Samples     []float64
	SampleRate  int
	NumChannels int
	Duration    time.Duration
}

// DecodeBase64WAV decodes a base64 WAV payload and parses its header.
// An optional data URL prefix ("data:audio/wav;base64,") is stripped.
// A header that fails validation is reported through IsValid, not as an error.
func DecodeBase64WAV(s string) (*DecodedWAV, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyAudio
	}
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if rawErr != nil {
			return nil, NewAudioDecodeError("invalid base64", err)
		}
	}

	header, err := ParseWAVHeader(data)
	if err != nil {
		return nil, err
	}
	return &DecodedWAV{Data: data, Header: header, IsValid: header.Valid()}, nil
}

// ParseWAVHeader reads the canonical header fields from the first 44 bytes.
func ParseWAVHeader(data []byte) (WAVHeader, error) {
	if len(data) < WAVHeaderSize {
		return WAVHeader{}, NewAudioDecodeError(fmt.Sprintf("buffer too small for WAV header (%d bytes)", len(data)), nil)
	}
	le := binary.LittleEndian
	return WAVHeader{
		RIFF:          string(data[0:4]),
		FileSize:      le.Uint32(data[4:8]),
		WAVE:          string(data[8:12]),
		Fmt:           string(data[12:16]),
		FmtSize:       le.Uint32(data[16:20]),
		AudioFormat:   le.Uint16(data[20:22]),
		NumChannels:   le.Uint16(data[22:24]),
		SampleRate:    le.Uint32(data[24:28]),
		ByteRate:      le.Uint32(data[28:32]),
		BlockAlign:    le.Uint16(data[32:34]),
		BitsPerSample: le.Uint16(data[34:36]),
	}, nil
}

// findDataChunk scans RIFF chunks after the 12-byte preamble and returns the
// payload of the first "data" chunk. A data chunk shorter than its declared size
// is an error.
func findDataChunk(data []byte) ([]byte, error) {
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if id == "data" {
			if size < 0 || body+size > len(data) {
				return nil, NewAudioDecodeError(fmt.Sprintf("data chunk truncated: declared %d bytes, have %d", size, len(data)-body), nil)
			}
			return data[body : body+size], nil
		}
		if size < 0 || body+size > len(data) {
			break
		}
		// chunks are word aligned
		offset = body + size + size%2
	}
	return nil, NewAudioDecodeError("data chunk not found", nil)
}

// ExtractPCMSamples converts the data chunk into normalized mono samples.
func ExtractPCMSamples(data []byte, header WAVHeader) (*PCMData, error) {
	if !header.Valid() {
		return nil, NewAudioDecodeError("invalid WAV header", nil)
	}
	payload, err := findDataChunk(data)
	if err != nil {
		return nil, err
	}

	channels := int(header.NumChannels)
	bytesPerSample := int(header.BitsPerSample / 8)
	frameBytes := channels * bytesPerSample
	frames := len(payload) / frameBytes

	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		base := i * frameBytes
		for ch := 0; ch < channels; ch++ {
			off := base + ch*bytesPerSample
			sum += decodeSample(payload[off:off+bytesPerSample], header.BitsPerSample)
		}
		samples[i] = clampUnit(sum / float64(channels))
	}

	return &PCMData{
		Samples:     samples,
		SampleRate:  int(header.SampleRate),
		NumChannels: channels,
		Duration:    time.Duration(float64(frames) / float64(header.SampleRate) * float64(time.Second)),
	}, nil
}

func decodeSample(b []byte, bits uint16) float64 {
	switch bits {
	case 8:
		return (float64(b[0]) - 128) / 128
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608
	case 32:
		f := float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		if math.IsNaN(f) {
			return 0
		}
		return f
	}
	return 0
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// WAVDuration returns the playback duration of a decoded WAV.
func WAVDuration(w *DecodedWAV) (time.Duration, error) {
	if w == nil || !w.IsValid {
		return 0, NewAudioDecodeError("invalid WAV header", nil)
	}
	payload, err := findDataChunk(w.Data)
	if err != nil {
		return 0, err
	}
	frames := len(payload) / int(w.Header.BlockAlign)
	return time.Duration(float64(frames) / float64(w.Header.SampleRate) * float64(time.Second)), nil
}

// WAVFromPCM16Mono converts raw PCM16 audio data to a complete WAV file.
// The input should be 16-bit little-endian PCM data (mono channel).
func WAVFromPCM16Mono(pcm []byte, sampleRate int) []byte {
	return wavContainer(pcm, sampleRate, 1, 16)
}

// EncodeWAV encodes mono or stereo samples in [-1, 1] as a PCM WAV file. Samples
// are interleaved per frame for stereo. bits is 8, 16, 24, or 32 (IEEE float).
func EncodeWAV(samples []float64, sampleRate, channels, bits int) ([]byte, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("vtrealtime: unsupported channel count %d", channels)
	}
	switch bits {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("vtrealtime: unsupported bit depth %d", bits)
	}
	bytesPerSample := bits / 8
	pcm := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		s = clampUnit(s)
		b := pcm[i*bytesPerSample:]
		switch bits {
		case 8:
			b[0] = byte(math.Round(s*127) + 128)
		case 16:
			binary.LittleEndian.PutUint16(b, uint16(int16(math.Round(s*32767))))
		case 24:
			v := int32(math.Round(s * 8388607))
			b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
		case 32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(s)))
		}
	}
	// 32-bit keeps the PCM format code; the decoder reads 32-bit samples as float
	return wavContainer(pcm, sampleRate, channels, bits), nil
}

func wavContainer(pcm []byte, sampleRate, channels, bits int) []byte {
	blockAlign := uint16(channels * bits / 8)
	byteRate := uint32(sampleRate) * uint32(blockAlign)
	dataLen := uint32(len(pcm))
	out := make([]byte, WAVHeaderSize+len(pcm))

	// RIFF header
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], 36+dataLen)
	copy(out[8:], "WAVE")

	// Format chunk
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], byteRate)
	binary.LittleEndian.PutUint16(out[32:], blockAlign)
	binary.LittleEndian.PutUint16(out[34:], uint16(bits))

	// Data chunk
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], dataLen)
	copy(out[44:], pcm)
	return out
}

// PCM16BytesFor calculates the number of bytes needed for PCM16 mono audio of given duration.
func PCM16BytesFor(ms int, sampleRate int) int { return (ms * sampleRate * 2) / 1000 }

// ToneWAV renders a mono 16-bit sine tone. Amplitude is in [0, 1].
func ToneWAV(freq float64, d time.Duration, sampleRate int, amplitude float64) []byte {
	pcm := make([]byte, PCM16BytesFor(int(d.Milliseconds()), sampleRate))
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(clampUnit(v)*32767)))
	}
	return WAVFromPCM16Mono(pcm, sampleRate)
}
