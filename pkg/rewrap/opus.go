package rewrap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/at-wat/ebml-go/webm"
	"layeh.com/gopus"
)

// pcmFrameMs is the Opus frame duration used by the cold-path encoder.
const pcmFrameMs = 20

// maxOpusPacket bounds one encoded Opus packet.
const maxOpusPacket = 4000

// PCM16ToOpusWebM encodes raw little-endian 16-bit PCM into Opus and muxes
// it into WebM. This is the cold path: a real encode, used only when a
// provider cannot emit a compressed format the listener accepts.
type PCM16ToOpusWebM struct {
	// SampleRate of the incoming PCM. Must be an Opus-supported rate.
	SampleRate int

	// Channels of the incoming PCM, 1 or 2.
	Channels int
}

func (PCM16ToOpusWebM) Source() string { return "pcm16" }

func (PCM16ToOpusWebM) Target() string { return "opus_webm" }

func (p PCM16ToOpusWebM) Rewrap(dst io.Writer, src io.Reader) error {
	sampleRate := p.SampleRate
	if sampleRate == 0 {
		sampleRate = 48000
	}
	channels := p.Channels
	if channels == 0 {
		channels = 1
	}

	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("create opus encoder: %w", err)
	}

	writers, err := webm.NewSimpleBlockWriter(nopWriteCloser{dst}, []webm.TrackEntry{{
		Name:        "Audio",
		TrackNumber: 1,
		TrackUID:    1,
		CodecID:     "A_OPUS",
		TrackType:   2,
		Audio: &webm.Audio{
			SamplingFrequency: float64(sampleRate),
			Channels:          uint64(channels),
		},
	}})
	if err != nil {
		return fmt.Errorf("open webm muxer: %w", err)
	}
	audio := writers[0]

	samplesPerFrame := sampleRate * pcmFrameMs / 1000
	frameBytes := samplesPerFrame * channels * 2
	buf := make([]byte, frameBytes)
	pcm := make([]int16, samplesPerFrame*channels)

	var timestampMs int64
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			// Zero-pad a trailing short frame to a full Opus frame.
			for i := n; i < frameBytes; i++ {
				buf[i] = 0
			}
			for i := range pcm {
				pcm[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
			}
			packet, encErr := enc.Encode(pcm, samplesPerFrame, maxOpusPacket)
			if encErr != nil {
				_ = audio.Close()
				return fmt.Errorf("encode opus frame: %w", encErr)
			}
			if _, wErr := audio.Write(true, timestampMs, packet); wErr != nil {
				_ = audio.Close()
				return fmt.Errorf("write webm block: %w", wErr)
			}
			timestampMs += pcmFrameMs
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			_ = audio.Close()
			return fmt.Errorf("read pcm: %w", err)
		}
	}
	if err := audio.Close(); err != nil {
		return fmt.Errorf("finalise webm: %w", err)
	}
	return nil
}
