package main

import (
	"encoding/binary"
	"fmt"
	"os"
)

// readWAVMono16k parses a canonical little-endian RIFF/WAVE file containing
// 16-bit PCM and returns it as mono float32 samples in [-1, 1]. Stereo input
// is downmixed by averaging channels. This is deliberately minimal: the CLI
// shell is non-core per the component design, and the rest of the pipeline
// only needs a flat float32 PCM buffer at the checkpoint's fixed sample
// rate, not a general-purpose audio container library.
func readWAVMono16k(path string) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE file")
	}

	var (
		numChannels   uint16
		bitsPerSample uint16
		data          []byte
		sawFmt        bool
	)

	offset := 12
	for offset+8 <= len(raw) {
		chunkID := string(raw[offset : offset+4])
		chunkSize := binary.LittleEndian.Uint32(raw[offset+4 : offset+8])
		body := offset + 8
		end := body + int(chunkSize)
		if end > len(raw) {
			end = len(raw)
		}
		switch chunkID {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("truncated fmt chunk")
			}
			numChannels = binary.LittleEndian.Uint16(raw[body+2 : body+4])
			bitsPerSample = binary.LittleEndian.Uint16(raw[body+14 : body+16])
			sawFmt = true
		case "data":
			data = raw[body:end]
		}
		offset = end
		if chunkSize%2 == 1 {
			offset++ // chunks are word-aligned
		}
	}

	if !sawFmt {
		return nil, fmt.Errorf("missing fmt chunk")
	}
	if data == nil {
		return nil, fmt.Errorf("missing data chunk")
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d, want 16", bitsPerSample)
	}
	if numChannels == 0 {
		return nil, fmt.Errorf("invalid channel count")
	}

	frameBytes := int(numChannels) * 2
	nFrames := len(data) / frameBytes
	out := make([]float32, nFrames)
	for i := 0; i < nFrames; i++ {
		var sum int32
		base := i * frameBytes
		for ch := 0; ch < int(numChannels); ch++ {
			v := int16(binary.LittleEndian.Uint16(data[base+ch*2 : base+ch*2+2]))
			sum += int32(v)
		}
		out[i] = float32(sum) / float32(numChannels) / 32768.0
	}

	return out, nil
}
