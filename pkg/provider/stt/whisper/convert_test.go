package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestPcmToFloat32_Empty(t *testing.T) {
	out := pcmToFloat32(nil)
	if len(out) != 0 {
		t.Fatalf("expected 0 samples, got %d", len(out))
	}
}

func TestPcmToFloat32_FullScale(t *testing.T) {
	tests := []struct {
		name  string
		value int16
		want  float32
	}{
		{"max positive", 32767, 32767.0 / 32768.0},
		{"max negative", -32768, -1.0},
		{"zero", 0, 0.0},
		{"mid positive", 16384, 16384.0 / 32768.0},
		{"mid negative", -16384, -16384.0 / 32768.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := make([]byte, 2)
			binary.LittleEndian.PutUint16(pcm, uint16(tt.value))
			out := pcmToFloat32(pcm)
			if math.Abs(float64(out[0]-tt.want)) > 1e-6 {
				t.Errorf("pcmToFloat32(%d) = %f; want %f", tt.value, out[0], tt.want)
			}
		})
	}
}

func TestPcmToFloat32_OddByteCount(t *testing.T) {
	// 3 bytes → only 1 complete sample (trailing byte ignored)
	pcm := []byte{0x00, 0x40, 0xFF}
	out := pcmToFloat32(pcm)
	if len(out) != 1 {
		t.Fatalf("expected 1 sample from 3-byte input, got %d", len(out))
	}
}

func TestEncodeWAV_HeaderLayout(t *testing.T) {
	pcm := make([]byte, 3200) // 100 ms at 16 kHz mono
	wav := encodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d; want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE markers")
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("RIFF size = %d; want %d", got, 36+len(pcm))
	}
	if string(wav[12:16]) != "fmt " {
		t.Error("missing fmt sub-chunk marker")
	}
	if got := binary.LittleEndian.Uint16(wav[20:22]); got != 1 {
		t.Errorf("audio format = %d; want 1 (PCM)", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels = %d; want 1", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d; want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d; want 32000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != 16 {
		t.Errorf("bits per sample = %d; want 16", got)
	}
	if string(wav[36:40]) != "data" {
		t.Error("missing data sub-chunk marker")
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d; want %d", got, len(pcm))
	}
}

func TestEncodeWAV_PayloadCopied(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	wav := encodeWAV(pcm, 16000, 1)
	for i, b := range pcm {
		if wav[44+i] != b {
			t.Errorf("payload byte %d = %#x; want %#x", i, wav[44+i], b)
		}
	}
}
