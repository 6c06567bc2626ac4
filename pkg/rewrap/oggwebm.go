package rewrap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/at-wat/ebml-go/webm"
)

// opusSampleRate is the clock rate of Opus timestamps.
const opusSampleRate = 48000

// OggOpusToWebM moves Opus packets from an Ogg container into a WebM
// container by packet copy. No decoding happens; this is the hot path for
// providers whose native output is Opus-in-Ogg while listeners expect
// Opus-in-WebM.
type OggOpusToWebM struct{}

func (OggOpusToWebM) Source() string { return "ogg_opus" }

func (OggOpusToWebM) Target() string { return "opus_webm" }

func (OggOpusToWebM) Rewrap(dst io.Writer, src io.Reader) error {
	packets := &oggPacketReader{r: src}

	head, err := packets.next()
	if err != nil {
		return fmt.Errorf("open ogg stream: %w", err)
	}
	sampleRate, channels, err := parseOpusHead(head)
	if err != nil {
		return err
	}

	writers, err := webm.NewSimpleBlockWriter(nopWriteCloser{dst}, []webm.TrackEntry{{
		Name:        "Audio",
		TrackNumber: 1,
		TrackUID:    1,
		CodecID:     "A_OPUS",
		TrackType:   2,
		Audio: &webm.Audio{
			SamplingFrequency: float64(sampleRate),
			Channels:          channels,
		},
	}})
	if err != nil {
		return fmt.Errorf("open webm muxer: %w", err)
	}
	audio := writers[0]

	// Block timestamps mark packet starts, accumulated from each packet's
	// TOC duration.
	var elapsed int64
	for {
		pkt, err := packets.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			_ = audio.Close()
			return fmt.Errorf("parse ogg packet: %w", err)
		}
		// The comment header carries no audio.
		if bytes.HasPrefix(pkt, []byte("OpusTags")) {
			continue
		}
		if len(pkt) == 0 {
			continue
		}
		if _, err := audio.Write(true, elapsed*1000/opusSampleRate, pkt); err != nil {
			_ = audio.Close()
			return fmt.Errorf("write webm block: %w", err)
		}
		elapsed += opusPacketSamples(pkt)
	}
	if err := audio.Close(); err != nil {
		return fmt.Errorf("finalise webm: %w", err)
	}
	return nil
}

// parseOpusHead extracts the stream parameters from the Opus ID header
// (RFC 7845 §5.1).
func parseOpusHead(pkt []byte) (sampleRate uint32, channels uint64, err error) {
	if len(pkt) < 16 || !bytes.HasPrefix(pkt, []byte("OpusHead")) {
		return 0, 0, errors.New("ogg stream does not start with an OpusHead packet")
	}
	channels = uint64(pkt[9])
	if channels == 0 {
		channels = 1
	}
	sampleRate = binary.LittleEndian.Uint32(pkt[12:16])
	if sampleRate == 0 {
		sampleRate = opusSampleRate
	}
	return sampleRate, channels, nil
}

// oggPacketReader splits an Ogg stream into codec packets. A page may lace
// several packets together and a packet may continue across pages, so
// packet boundaries come from the segment table, not from page payloads.
type oggPacketReader struct {
	r       io.Reader
	packets [][]byte
	partial []byte
}

// next returns the next whole packet, or io.EOF at end of stream. A packet
// truncated by the end of the stream is dropped.
func (o *oggPacketReader) next() ([]byte, error) {
	for len(o.packets) == 0 {
		if err := o.readPage(); err != nil {
			return nil, err
		}
	}
	pkt := o.packets[0]
	o.packets = o.packets[1:]
	return pkt, nil
}

func (o *oggPacketReader) readPage() error {
	var header [27]byte
	if _, err := io.ReadFull(o.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	if string(header[:4]) != "OggS" {
		return errors.New("bad ogg capture pattern")
	}

	lacing := make([]byte, int(header[26]))
	if _, err := io.ReadFull(o.r, lacing); err != nil {
		return fmt.Errorf("ogg segment table: %w", err)
	}
	total := 0
	for _, l := range lacing {
		total += int(l)
	}
	payload := make([]byte, total)
	if _, err := io.ReadFull(o.r, payload); err != nil {
		return fmt.Errorf("ogg page payload: %w", err)
	}

	// A lacing value below 255 ends a packet; 255 continues it, possibly
	// into the next page.
	off := 0
	for _, l := range lacing {
		o.partial = append(o.partial, payload[off:off+int(l)]...)
		off += int(l)
		if l < 255 {
			o.packets = append(o.packets, o.partial)
			o.partial = nil
		}
	}
	return nil
}

// opusPacketSamples returns a packet's duration in 48 kHz samples, read
// from the TOC byte (RFC 6716 §3.1).
func opusPacketSamples(pkt []byte) int64 {
	if len(pkt) == 0 {
		return 0
	}
	toc := pkt[0]
	config := toc >> 3

	var frame int64
	switch {
	case config <= 11: // SILK-only: 10, 20, 40, 60 ms
		frame = []int64{480, 960, 1920, 2880}[config&0x3]
	case config <= 15: // hybrid: 10, 20 ms
		frame = []int64{480, 960}[config&0x1]
	default: // CELT-only: 2.5, 5, 10, 20 ms
		frame = []int64{120, 240, 480, 960}[config&0x3]
	}

	switch toc & 0x3 {
	case 0:
		return frame
	case 1, 2:
		return 2 * frame
	default:
		if len(pkt) < 2 {
			return frame
		}
		return frame * int64(pkt[1]&0x3f)
	}
}
