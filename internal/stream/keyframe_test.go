package stream

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func TestIsH264Keyframe(t *testing.T) {
	cases := []struct {
		name string
		nal  []byte
		want bool
	}{
		{"idr", []byte{0x65, 0x01, 0x02}, true},
		{"non-idr", []byte{0x61, 0x01, 0x02}, false},
		{"fu-a start idr", []byte{0x7c, 0x85, 0x00}, true},
		{"fu-a middle idr", []byte{0x7c, 0x05, 0x00}, false},
		{"stap-a with idr", []byte{0x78, 0x00, 0x02, 0x65, 0x00}, true},
		{"empty", []byte{}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isH264Keyframe(c.nal); got != c.want {
				t.Errorf("isH264Keyframe(%v) = %v, want %v", c.nal, got, c.want)
			}
		})
	}
}

func TestIsVP8Keyframe(t *testing.T) {
	key := []byte{0x10, 0x00}   // no extension bit, P bit clear
	delta := []byte{0x10, 0x01} // P bit set in the first payload byte
	if !isVP8Keyframe(key) {
		t.Error("expected key frame")
	}
	if isVP8Keyframe(delta) {
		t.Error("expected delta frame")
	}
}

func TestRewriterContinuity(t *testing.T) {
	r := newRewriter(webrtc.SSRC(42), 102)

	p1 := &rtp.Packet{Header: rtp.Header{SequenceNumber: 1000, Timestamp: 90000}}
	out1 := r.mapPacket(p1)
	if out1.SequenceNumber != 1 {
		t.Fatalf("first mapped seq = %d, want 1", out1.SequenceNumber)
	}
	if out1.SSRC != 42 || out1.PayloadType != 102 {
		t.Fatalf("rewriter did not stamp ssrc/pt: %+v", out1)
	}

	p2 := &rtp.Packet{Header: rtp.Header{SequenceNumber: 1001, Timestamp: 93000}}
	out2 := r.mapPacket(p2)
	if out2.SequenceNumber != 2 {
		t.Fatalf("second mapped seq = %d, want 2", out2.SequenceNumber)
	}

	// Simulate a layer switch: advance commits the floor, rebind resets
	// the base for the next layer's first packet.
	r.advance()
	r.rebind()

	p3 := &rtp.Packet{Header: rtp.Header{SequenceNumber: 5000, Timestamp: 500000}}
	out3 := r.mapPacket(p3)
	if want := out2.SequenceNumber + 1; out3.SequenceNumber != want {
		t.Fatalf("post-rebind seq = %d, want %d (continuous with previous layer)", out3.SequenceNumber, want)
	}
}
