package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// PCMMIMEType returns the MIME type tag for 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// Encode converts a frame into its wire form. Each sample is clamped to
// [-1, 1], scaled by 32767, rounded, and packed as little-endian int16.
// The frame's sample rate defaults to [InputFormat] when unset.
func Encode(frame Frame) EncodedBlob {
	rate := frame.SampleRate
	if rate <= 0 {
		rate = InputFormat.SampleRate
	}
	return EncodedBlob{
		MIMEType: PCMMIMEType(rate),
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM(frame.Samples)),
	}
}

// FloatToPCM packs samples as 16-bit little-endian PCM.
func FloatToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(math.Round(v * 32767))
}

// Decode reverses the base64 step of [Encode].
func Decode(data string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, &FormatError{Reason: "invalid base64", Err: err}
	}
	return b, nil
}

// DecodeAudio interprets pcm as interleaved little-endian int16 samples and
// returns a playable buffer with ceil(len/2/channels) samples per channel.
// Each sample is divided by 32768.
func DecodeAudio(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("audio: decode: invalid channel count %d", channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: decode: invalid sample rate %d", sampleRate)
	}
	if len(pcm)%(2*channels) != 0 {
		return nil, &FormatError{
			Reason: fmt.Sprintf("%d bytes is not a multiple of %d", len(pcm), 2*channels),
		}
	}

	n := (len(pcm)/2 + channels - 1) / channels
	buf := &Buffer{
		Samples:    make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for ch := range buf.Samples {
		buf.Samples[ch] = make([]float32, n)
	}
	for i := 0; i < len(pcm)/2; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		buf.Samples[i%channels][i/channels] = float32(v) / 32768
	}
	return buf, nil
}

// DecodeBlob decodes a base64 PCM payload straight into a buffer.
func DecodeBlob(data string, f Format) (*Buffer, error) {
	pcm, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return DecodeAudio(pcm, f.SampleRate, f.Channels)
}
