package stream

import (
	"encoding/binary"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// isKeyframe reports whether pkt starts an intra-coded frame for the
// given codec (for H.264 FU-A, only the start fragment of an IDR
// counts), so a layer switch can tell
// when it is safe to start forwarding from the new layer without
// corrupting the subscriber's decoder. VP9/AV1 keyframe detection from
// a raw RTP payload without the dependency-descriptor extension is
// inherently approximate; those codecs are treated as always-ready and
// the downstream decoder's own resilience covers the gap.
func isKeyframe(mime string, payload []byte) bool {
	switch mime {
	case webrtc.MimeTypeH264:
		return isH264Keyframe(payload)
	case webrtc.MimeTypeVP8:
		return isVP8Keyframe(payload)
	default:
		// VP9, AV1: no cheap bitstream signal available without the
		// dependency-descriptor RTP extension; treat as always-ready.
		return true
	}
}

func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	nal := payload[0] & 0x1F
	switch nal {
	case 5: // IDR
		return true
	case 24: // STAP-A
		i := 1
		for i+2 <= len(payload) {
			size := int(binary.BigEndian.Uint16(payload[i : i+2]))
			i += 2
			if i+size > len(payload) || size <= 0 {
				break
			}
			if payload[i]&0x1F == 5 {
				return true
			}
			i += size
		}
		return false
	case 28: // FU-A
		if len(payload) < 2 {
			return false
		}
		fuHeader := payload[1]
		start := fuHeader&0x80 != 0
		orig := fuHeader & 0x1F
		return start && orig == 5
	default:
		return false
	}
}

// isVP8Keyframe inspects the VP8 payload descriptor + first payload
// byte: P bit 0 in the uncompressed header means a key frame.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	i := 0
	x := payload[0]&0x80 != 0
	i++
	if x {
		if len(payload) < i+1 {
			return false
		}
		ext := payload[i]
		i++
		if ext&0x80 != 0 { // I
			i++
			if len(payload) > i-1 && payload[i-1]&0x80 != 0 { // extended PictureID
				i++
			}
		}
		if ext&0x40 != 0 { // L
			i++
		}
		if ext&0x20 != 0 || ext&0x10 != 0 { // T or K
			i++
		}
	}
	if len(payload) < i+1 {
		return false
	}
	return payload[i]&0x01 == 0 // P bit: 0 == key frame
}

// rewriter gives a subscriber's outbound mirror track a continuous
// sequence number and timestamp across layer switches and across the
// publisher's own gaps. One rewriter per subscriber: a subscriber
// keeps a single local track across re-binds, so continuity has to be
// stitched here rather than per source layer.
type rewriter struct {
	ssrc     webrtc.SSRC
	pt       uint8
	inited   bool
	seqBase  uint16
	tsBase   uint32
	outSeq   uint16
	outTS    uint32
	lastIn   uint16
	lastInTS uint32
}

func newRewriter(ssrc webrtc.SSRC, pt uint8) *rewriter {
	return &rewriter{ssrc: ssrc, pt: pt}
}

// rebind resets the continuity base so the next packet delivered from
// a newly selected layer does not produce a sequence discontinuity
// relative to what was already sent on the subscriber's local track.
func (r *rewriter) rebind() {
	r.inited = false
}

func (r *rewriter) mapPacket(p *rtp.Packet) *rtp.Packet {
	cp := *p
	if !r.inited {
		r.seqBase = p.SequenceNumber
		r.tsBase = p.Timestamp
		r.outSeq++
		r.inited = true
	}
	dseq := p.SequenceNumber - r.seqBase
	dts := p.Timestamp - r.tsBase

	cp.PayloadType = r.pt
	cp.SSRC = uint32(r.ssrc)
	cp.SequenceNumber = r.outSeq + dseq
	cp.Timestamp = r.outTS + dts
	r.lastIn = p.SequenceNumber
	r.lastInTS = p.Timestamp
	return &cp
}

// advance commits the current packet as the new continuity floor,
// called right before a rebind so the next layer's deltas stack on top
// of what was already emitted rather than resetting to zero. The next
// mapPacket call's rebind-triggered init step supplies the final +1,
// so advance itself must not also add one.
func (r *rewriter) advance() {
	r.outSeq = r.outSeq + (r.lastIn - r.seqBase)
	r.outTS = r.outTS + (r.lastInTS - r.tsBase)
}
