package vtrealtime

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func encodeB64(t *testing.T, samples []float64, rate, channels, bits int) string {
	t.Helper()
	wav, err := EncodeWAV(samples, rate, channels, bits)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return base64.StdEncoding.EncodeToString(wav)
}

func decodePCM(t *testing.T, b64 string) *PCMData {
	t.Helper()
	wav, err := DecodeBase64WAV(b64)
	if err != nil {
		t.Fatalf("DecodeBase64WAV: %v", err)
	}
	if !wav.IsValid {
		t.Fatalf("header not valid: %+v", wav.Header)
	}
	pcm, err := ExtractPCMSamples(wav.Data, wav.Header)
	if err != nil {
		t.Fatalf("ExtractPCMSamples: %v", err)
	}
	return pcm
}

func TestWAVFromPCM16Mono(t *testing.T) {
	pcm := make([]byte, 1000)
	for i := range pcm {
		pcm[i] = byte(i % 256)
	}

	wav := WAVFromPCM16Mono(pcm, 24000)

	if len(wav) != WAVHeaderSize+len(pcm) {
		t.Errorf("expected WAV length %d, got %d", WAVHeaderSize+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[12:16]) != "fmt " || string(wav[36:40]) != "data" {
		t.Error("missing RIFF/WAVE/fmt/data markers")
	}

	header, err := ParseWAVHeader(wav)
	if err != nil {
		t.Fatalf("ParseWAVHeader: %v", err)
	}
	if !header.Valid() {
		t.Errorf("header should be valid: %+v", header)
	}
	if header.FileSize != uint32(36+len(pcm)) {
		t.Errorf("file size = %d, want %d", header.FileSize, 36+len(pcm))
	}
	if header.SampleRate != 24000 || header.ByteRate != 48000 || header.BlockAlign != 2 || header.BitsPerSample != 16 {
		t.Errorf("unexpected header fields %+v", header)
	}
	if dataLen := binary.LittleEndian.Uint32(wav[40:44]); dataLen != uint32(len(pcm)) {
		t.Errorf("data length = %d, want %d", dataLen, len(pcm))
	}
}

func TestPCM16BytesFor(t *testing.T) {
	tests := []struct {
		ms, rate, want int
	}{
		{1000, 24000, 48000},
		{500, 24000, 24000},
		{100, 16000, 3200},
		{0, 24000, 0},
	}
	for _, tt := range tests {
		if got := PCM16BytesFor(tt.ms, tt.rate); got != tt.want {
			t.Errorf("PCM16BytesFor(%d, %d) = %d, want %d", tt.ms, tt.rate, got, tt.want)
		}
	}
}

func TestExtractPCMSamples_BitDepths(t *testing.T) {
	in := []float64{0, 0.5, -0.5, 1, -1}
	for _, bits := range []int{8, 16, 24, 32} {
		pcm := decodePCM(t, encodeB64(t, in, 16000, 1, bits))
		if len(pcm.Samples) != len(in) {
			t.Fatalf("%d-bit: got %d samples, want %d", bits, len(pcm.Samples), len(in))
		}
		for i, want := range in {
			if math.Abs(pcm.Samples[i]-want) > 0.01 {
				t.Errorf("%d-bit sample %d = %f, want %f", bits, i, pcm.Samples[i], want)
			}
		}
	}
}

func TestExtractPCMSamples_StereoAveraged(t *testing.T) {
	// two frames: (0.5, -0.5) and (1, 1)
	pcm := decodePCM(t, encodeB64(t, []float64{0.5, -0.5, 1, 1}, 16000, 2, 16))
	if pcm.NumChannels != 2 || len(pcm.Samples) != 2 {
		t.Fatalf("got %d channels / %d samples", pcm.NumChannels, len(pcm.Samples))
	}
	if math.Abs(pcm.Samples[0]) > 0.001 || math.Abs(pcm.Samples[1]-1) > 0.001 {
		t.Errorf("unexpected mono mix %v", pcm.Samples)
	}
}

func TestExtractPCMSamples_SkipsExtraChunks(t *testing.T) {
	wav, err := EncodeWAV([]float64{0.25, 0.25}, 16000, 1, 16)
	if err != nil {
		t.Fatal(err)
	}
	// odd-sized LIST chunk plus pad byte between fmt and data
	list := []byte("LIST\x03\x00\x00\x00abc\x00")
	spliced := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	pcm := decodePCM(t, base64.StdEncoding.EncodeToString(spliced))
	if len(pcm.Samples) != 2 || math.Abs(pcm.Samples[0]-0.25) > 0.001 {
		t.Errorf("unexpected samples %v", pcm.Samples)
	}
}

func TestExtractPCMSamples_NoDataChunk(t *testing.T) {
	wav, _ := EncodeWAV([]float64{0.1}, 16000, 1, 16)
	copy(wav[36:40], "junk")
	header, _ := ParseWAVHeader(wav)
	_, err := ExtractPCMSamples(wav, header)
	var decErr *AudioDecodeError
	if !errors.As(err, &decErr) {
		t.Errorf("expected AudioDecodeError, got %v", err)
	}
}

func TestDecodeBase64WAV_Errors(t *testing.T) {
	if _, err := DecodeBase64WAV("   "); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("empty input: got %v, want ErrEmptyAudio", err)
	}

	var decErr *AudioDecodeError
	if _, err := DecodeBase64WAV("!!not base64!!"); !errors.As(err, &decErr) {
		t.Errorf("bad base64: got %v, want AudioDecodeError", err)
	}

	short := base64.StdEncoding.EncodeToString(make([]byte, 10))
	if _, err := DecodeBase64WAV(short); !errors.As(err, &decErr) {
		t.Errorf("short buffer: got %v, want AudioDecodeError", err)
	}
}

func TestDecodeBase64WAV_DataURL(t *testing.T) {
	b64 := encodeB64(t, []float64{0.1, 0.2}, 22050, 1, 16)
	wav, err := DecodeBase64WAV("data:audio/wav;base64," + b64)
	if err != nil {
		t.Fatalf("DecodeBase64WAV: %v", err)
	}
	if !wav.IsValid || wav.Header.SampleRate != 22050 {
		t.Errorf("unexpected header %+v", wav.Header)
	}
}

func TestDecodeBase64WAV_InvalidHeaderIsNotAnError(t *testing.T) {
	wav, _ := EncodeWAV([]float64{0.1}, 16000, 1, 16)
	binary.LittleEndian.PutUint16(wav[20:], 3) // IEEE float format code

	decoded, err := DecodeBase64WAV(base64.StdEncoding.EncodeToString(wav))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.IsValid {
		t.Error("non-PCM format should not be valid")
	}
	if _, err := ExtractPCMSamples(decoded.Data, decoded.Header); err == nil {
		t.Error("expected error extracting samples from invalid header")
	}
}

func TestWAVHeader_Valid(t *testing.T) {
	base := WAVHeader{
		RIFF: "RIFF", WAVE: "WAVE", Fmt: "fmt ", FmtSize: 16, AudioFormat: 1,
		NumChannels: 1, SampleRate: 16000, ByteRate: 32000, BlockAlign: 2, BitsPerSample: 16,
	}
	if !base.Valid() {
		t.Fatal("base header should be valid")
	}

	tests := []struct {
		name   string
		mutate func(h *WAVHeader)
	}{
		{"bad riff", func(h *WAVHeader) { h.RIFF = "RIFX" }},
		{"three channels", func(h *WAVHeader) { h.NumChannels = 3 }},
		{"low sample rate", func(h *WAVHeader) { h.SampleRate = 4000; h.ByteRate = 8000 }},
		{"high sample rate", func(h *WAVHeader) { h.SampleRate = 384000; h.ByteRate = 768000 }},
		{"12 bits", func(h *WAVHeader) { h.BitsPerSample = 12 }},
		{"block align mismatch", func(h *WAVHeader) { h.BlockAlign = 4 }},
		{"byte rate mismatch", func(h *WAVHeader) { h.ByteRate = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := base
			tt.mutate(&h)
			if h.Valid() {
				t.Errorf("header should be invalid: %+v", h)
			}
		})
	}
}

func TestWAVDuration(t *testing.T) {
	wav, err := DecodeBase64WAV(base64.StdEncoding.EncodeToString(ToneWAV(440, time.Second, 16000, 0.5)))
	if err != nil {
		t.Fatal(err)
	}
	d, err := WAVDuration(wav)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	if d != time.Second {
		t.Errorf("duration = %v, want 1s", d)
	}
	if _, err := WAVDuration(nil); err == nil {
		t.Error("expected error for nil WAV")
	}
}

func TestEncodeWAV_Unsupported(t *testing.T) {
	if _, err := EncodeWAV(nil, 16000, 3, 16); err == nil {
		t.Error("expected error for 3 channels")
	}
	if _, err := EncodeWAV(nil, 16000, 1, 12); err == nil {
		t.Error("expected error for 12-bit samples")
	}
}

func BenchmarkExtractPCMSamples(b *testing.B) {
	wav := ToneWAV(220, time.Second, 24000, 0.8)
	header, _ := ParseWAVHeader(wav)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ExtractPCMSamples(wav, header)
	}
}

func TestDecode_TruncatedDataChunk(t *testing.T) {
	wav := ToneWAV(440, 100*time.Millisecond, 16000, 0.5)
	cut := wav[:len(wav)-100]

	decoded, err := DecodeBase64WAV(base64.StdEncoding.EncodeToString(cut))
	if err != nil {
		t.Fatalf("header should still parse: %v", err)
	}
	var decErr *AudioDecodeError
	if _, err := ExtractPCMSamples(decoded.Data, decoded.Header); !errors.As(err, &decErr) {
		t.Errorf("ExtractPCMSamples = %v, want AudioDecodeError", err)
	}
	if _, err := WAVDuration(decoded); !errors.As(err, &decErr) {
		t.Errorf("WAVDuration = %v, want AudioDecodeError", err)
	}
	if _, err := ExtractLipSync(base64.StdEncoding.EncodeToString(cut), 1024); !errors.As(err, &decErr) {
		t.Errorf("ExtractLipSync = %v, want AudioDecodeError", err)
	}
}
