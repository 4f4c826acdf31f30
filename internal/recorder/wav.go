package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	wavHeaderSize = 44
	bitsPerSample = 16
)

// ErrUnsupportedWAV is returned by [DecodeWAV] for anything other than
// 16-bit integer PCM.
var ErrUnsupportedWAV = errors.New("recorder: unsupported wav format")

// EncodeWAV writes samples in [-1, 1] as a mono 16-bit PCM WAV file.
// Out-of-range samples are clipped.
func EncodeWAV(w io.Writer, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("recorder: invalid sample rate %d", sampleRate)
	}
	const channels = 1
	dataSize := len(samples) * bitsPerSample / 8
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, wavHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+2*i:], uint16(toPCM16(s)))
	}

	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("recorder: write wav: %w", err)
	}
	return nil
}

func toPCM16(s float32) int16 {
	switch {
	case s != s:
		return 0
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return -math.MaxInt16
	}
	return int16(s * math.MaxInt16)
}

// maxFmtChunk is the largest fmt chunk accepted. WAVE_FORMAT_EXTENSIBLE
// headers are 40 bytes.
const maxFmtChunk = 1024

// DecodeWAV reads a 16-bit PCM WAV stream. Multi-channel audio is mixed down
// to mono by averaging. Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(r io.Reader) (samples []float32, sampleRate int, err error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("recorder: read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedWAV)
	}

	channels := 0
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, 0, fmt.Errorf("recorder: read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 || size > maxFmtChunk {
				return nil, 0, fmt.Errorf("%w: fmt chunk of %d bytes", ErrUnsupportedWAV, size)
			}
			var fmtChunk [16]byte
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return nil, 0, fmt.Errorf("recorder: read fmt chunk: %w", err)
			}
			if _, err := io.CopyN(io.Discard, r, size-16+size%2); err != nil {
				return nil, 0, fmt.Errorf("recorder: read fmt chunk: %w", err)
			}
			format := binary.LittleEndian.Uint16(fmtChunk[0:2])
			channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			bits := binary.LittleEndian.Uint16(fmtChunk[14:16])
			if format != 1 || bits != bitsPerSample || channels < 1 {
				return nil, 0, fmt.Errorf("%w: format %d, %d bits, %d channels", ErrUnsupportedWAV, format, bits, channels)
			}
		case "data":
			if channels == 0 {
				return nil, 0, fmt.Errorf("%w: data chunk before fmt chunk", ErrUnsupportedWAV)
			}
			data, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return nil, 0, fmt.Errorf("recorder: read data chunk: %w", err)
			}
			return mixDown(data, channels), sampleRate, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return nil, 0, fmt.Errorf("recorder: skip %q chunk: %w", id, err)
			}
		}
	}
}

func mixDown(data []byte, channels int) []float32 {
	frame := 2 * channels
	out := make([]float32, len(data)/frame)
	for i := range out {
		var sum float32
		for c := range channels {
			v := int16(binary.LittleEndian.Uint16(data[i*frame+2*c:]))
			sum += float32(v) / math.MaxInt16
		}
		out[i] = sum / float32(channels)
	}
	return out
}
