package rewrap

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

// ebmlMagic is the EBML document header every WebM file starts with.
var ebmlMagic = []byte{0x1a, 0x45, 0xdf, 0xa3}

func TestRegistry_PassThroughOnMiss(t *testing.T) {
	r := NewRegistry()
	var out bytes.Buffer
	if err := r.Rewrap(&out, strings.NewReader("raw bytes"), "mp3", "flac"); err != nil {
		t.Fatalf("Rewrap: %v", err)
	}
	if out.String() != "raw bytes" {
		t.Errorf("output = %q, want unchanged pass-through", out.String())
	}
}

func TestRegistry_IdenticalFormatsPassThrough(t *testing.T) {
	r := NewRegistry(OggOpusToWebM{})
	var out bytes.Buffer
	if err := r.Rewrap(&out, strings.NewReader("opus"), "ogg_opus", "ogg_opus"); err != nil {
		t.Fatalf("Rewrap: %v", err)
	}
	if out.String() != "opus" {
		t.Errorf("output = %q, want unchanged for identical formats", out.String())
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry(OggOpusToWebM{}, PCM16ToOpusWebM{SampleRate: 48000, Channels: 1})
	if _, ok := r.Lookup("ogg_opus", "opus_webm"); !ok {
		t.Error("hot-path rewrapper not registered")
	}
	if _, ok := r.Lookup("pcm16", "opus_webm"); !ok {
		t.Error("cold-path rewrapper not registered")
	}
	if _, ok := r.Lookup("mp3", "opus_webm"); ok {
		t.Error("unexpected rewrapper for an unsupported pair")
	}
}

// buildOggOpus produces a small Ogg stream carrying opaque Opus-like
// packets. Packet copy never inspects codec payloads, so synthetic
// packets suffice.
func buildOggOpus(t *testing.T, packets [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, 48000, 1)
	if err != nil {
		t.Fatalf("oggwriter: %v", err)
	}
	var ts uint32
	for i, p := range packets {
		err := w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: ts},
			Payload: p,
		})
		if err != nil {
			t.Fatalf("WriteRTP: %v", err)
		}
		ts += 960 // 20 ms at 48 kHz
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close oggwriter: %v", err)
	}
	return buf.Bytes()
}

func TestOggOpusToWebM_PacketCopy(t *testing.T) {
	ogg := buildOggOpus(t, [][]byte{
		{0xf8, 0x01, 0x02, 0x03},
		{0xf8, 0x04, 0x05},
		{0xf8, 0x06},
	})

	var out bytes.Buffer
	if err := (OggOpusToWebM{}).Rewrap(&out, bytes.NewReader(ogg)); err != nil {
		t.Fatalf("Rewrap: %v", err)
	}
	if !bytes.HasPrefix(out.Bytes(), ebmlMagic) {
		t.Errorf("output does not start with the EBML magic: %x", out.Bytes()[:4])
	}
	// The compressed packets must survive the container move untouched.
	for _, p := range [][]byte{{0xf8, 0x01, 0x02, 0x03}, {0xf8, 0x04, 0x05}} {
		if !bytes.Contains(out.Bytes(), p) {
			t.Errorf("packet %x not found in webm output", p)
		}
	}
}

// oggPage assembles one raw Ogg page lacing the given packets together.
// The CRC is left zero; the demuxer does not verify it.
func oggPage(t *testing.T, seq uint32, granule uint64, packets [][]byte) []byte {
	t.Helper()
	var lacing []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			lacing = append(lacing, 255)
			n -= 255
		}
		lacing = append(lacing, byte(n))
	}

	header := make([]byte, 27)
	copy(header, "OggS")
	binary.LittleEndian.PutUint64(header[6:], granule)
	binary.LittleEndian.PutUint32(header[18:], seq)
	header[26] = byte(len(lacing))

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(lacing)
	for _, p := range packets {
		buf.Write(p)
	}
	return buf.Bytes()
}

func opusHead(t *testing.T) []byte {
	t.Helper()
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1 // version
	head[9] = 1 // channels
	binary.LittleEndian.PutUint32(head[12:], 48000)
	return head
}

func TestOggOpusToWebM_SplitsPacketsSharingAPage(t *testing.T) {
	// Two 20 ms packets laced into one page must come out as two separate
	// blocks with 20 ms between their timestamps.
	p1 := []byte{0xf8, 0xaa, 0xbb}
	p2 := []byte{0xf8, 0xcc}

	var stream bytes.Buffer
	stream.Write(oggPage(t, 0, 0, [][]byte{opusHead(t)}))
	stream.Write(oggPage(t, 1, 0, [][]byte{[]byte("OpusTags\x00\x00\x00\x00")}))
	stream.Write(oggPage(t, 2, 1920, [][]byte{p1, p2}))

	var out bytes.Buffer
	if err := (OggOpusToWebM{}).Rewrap(&out, &stream); err != nil {
		t.Fatalf("Rewrap: %v", err)
	}

	fused := append(append([]byte{}, p1...), p2...)
	if bytes.Contains(out.Bytes(), fused) {
		t.Error("packets sharing a page were written as a single block")
	}

	// SimpleBlock layout: track number 0x81, int16 relative timestamp,
	// keyframe flag, then the payload.
	for _, tc := range []struct {
		pkt []byte
		ts  []byte
	}{
		{p1, []byte{0x00, 0x00}},
		{p2, []byte{0x00, 0x14}},
	} {
		idx := bytes.Index(out.Bytes(), tc.pkt)
		if idx < 4 {
			t.Fatalf("packet %x not found in webm output", tc.pkt)
		}
		got := out.Bytes()[idx-4 : idx]
		want := append(append([]byte{0x81}, tc.ts...), 0x80)
		if !bytes.Equal(got, want) {
			t.Errorf("block header before %x = %x, want %x", tc.pkt, got, want)
		}
	}
}

func TestOggOpusToWebM_PacketContinuedAcrossPages(t *testing.T) {
	// A 300-byte packet split as a 255-byte lacing segment on one page and
	// a 45-byte continuation on the next must be reassembled whole.
	long := bytes.Repeat([]byte{0xf8}, 300)

	var stream bytes.Buffer
	stream.Write(oggPage(t, 0, 0, [][]byte{opusHead(t)}))
	stream.Write(oggPage(t, 1, 0, [][]byte{[]byte("OpusTags\x00\x00\x00\x00")}))

	first := make([]byte, 27)
	copy(first, "OggS")
	binary.LittleEndian.PutUint32(first[18:], 2)
	first[26] = 1
	stream.Write(first)
	stream.WriteByte(255)
	stream.Write(long[:255])

	second := make([]byte, 27)
	copy(second, "OggS")
	second[5] = 0x01 // continuation flag
	binary.LittleEndian.PutUint64(second[6:], 960)
	binary.LittleEndian.PutUint32(second[18:], 3)
	second[26] = 1
	stream.Write(second)
	stream.WriteByte(45)
	stream.Write(long[255:])

	var out bytes.Buffer
	if err := (OggOpusToWebM{}).Rewrap(&out, &stream); err != nil {
		t.Fatalf("Rewrap: %v", err)
	}
	if !bytes.Contains(out.Bytes(), long) {
		t.Error("continued packet not reassembled in webm output")
	}
}

func TestOggOpusToWebM_RejectsGarbage(t *testing.T) {
	var out bytes.Buffer
	if err := (OggOpusToWebM{}).Rewrap(&out, strings.NewReader("not an ogg stream at all")); err == nil {
		t.Error("Rewrap accepted a non-Ogg input")
	}
}

func TestPCM16ToOpusWebM_Encodes(t *testing.T) {
	// 100 ms of silence at 48 kHz mono.
	pcm := make([]byte, 48000/10*2)

	var out bytes.Buffer
	rw := PCM16ToOpusWebM{SampleRate: 48000, Channels: 1}
	if err := rw.Rewrap(&out, bytes.NewReader(pcm)); err != nil {
		t.Fatalf("Rewrap: %v", err)
	}
	if !bytes.HasPrefix(out.Bytes(), ebmlMagic) {
		t.Error("output is not a webm stream")
	}
	if out.Len() >= len(pcm) {
		t.Errorf("encoded silence (%d bytes) not smaller than pcm (%d bytes)", out.Len(), len(pcm))
	}
}
