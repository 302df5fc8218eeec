package audio

import "fmt"

// Format identifies the sample encoding of inbound audio payloads. The wire
// protocol carries no per-message format marker; the encoding is fixed per
// deployment by configuration and every client of a deployment must send the
// same one.
type Format string

const (
	// FormatFloat32 is little-endian IEEE-754 float32, the Web Audio API's
	// native capture format and the default.
	FormatFloat32 Format = "float32"

	// FormatPCM16 is 16-bit signed little-endian PCM, sent by extensions
	// that convert before uploading to halve the payload size.
	FormatPCM16 Format = "pcm16"
)

// ParseFormat validates s as a wire sample format. The empty string selects
// the default, [FormatFloat32].
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatFloat32, FormatPCM16:
		return Format(s), nil
	case "":
		return FormatFloat32, nil
	default:
		return "", fmt.Errorf("audio: unknown input format %q (want %q or %q)", s, FormatFloat32, FormatPCM16)
	}
}

// Decode converts a wire payload into float32 samples according to the
// format.
func (f Format) Decode(data []byte) ([]float32, error) {
	switch f {
	case FormatFloat32, "":
		return SamplesFromFloat32LE(data)
	case FormatPCM16:
		return SamplesFromPCM16LE(data)
	default:
		return nil, fmt.Errorf("audio: unknown input format %q", f)
	}
}
