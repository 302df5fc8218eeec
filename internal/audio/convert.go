package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SamplesFromFloat32LE decodes a little-endian IEEE-754 float32 payload into
// samples. Browser extensions that capture via the Web Audio API send this
// format. Returns an error when the payload is not 4-byte aligned.
func SamplesFromFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("audio: float32 payload of %d bytes is not 4-byte aligned", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}

// SamplesFromPCM16LE decodes 16-bit signed little-endian PCM into normalized
// float32 samples in [-1, 1). Deployments that downsample in the extension
// send this format instead of float32. Returns an error when the payload is
// not 2-byte aligned.
func SamplesFromPCM16LE(data []byte) ([]float32, error) {
	if len(data)%bytesPerSample != 0 {
		return nil, fmt.Errorf("audio: pcm16 payload of %d bytes is not sample-aligned", len(data))
	}
	samples := make([]float32, len(data)/bytesPerSample)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		samples[i] = float32(s) / 32768.0
	}
	return samples, nil
}

// Resample converts samples from srcRate to dstRate using linear
// interpolation. When the rates match (or either is non-positive) the input
// slice is returned unchanged. Output length is floor(len*dst/src), so total
// duration is preserved within one sample.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// EncodePCM16 clamps samples to [-1, 1] and encodes them as 16-bit signed
// little-endian PCM.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, in PCM sample units (0–32767). Returns 0 for buffers shorter
// than one sample. Used for decode-time diagnostics only; it plays no part in
// scheduling decisions.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
