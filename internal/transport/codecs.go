package transport

import (
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// Codec payload types are pinned so that cascade targets and local
// subscribers can be offered the same SDP regardless of which node
// produced it.
const (
	ptOpus = 111
	ptG722 = 9 // RFC 3551 static assignment; registered below with ClockRate 8000

	ptAV1  = 45
	ptVP9  = 98
	ptVP8  = 96
	ptH264 = 102
)

// videoRTCPFeedback is shared by every video codec: NACK (+PLI) so
// keyframe requests have somewhere to go, REMB/transport-cc so the
// browser's bandwidth estimator works.
func videoRTCPFeedback() []webrtc.RTCPFeedback {
	return []webrtc.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "transport-cc"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}
}

// newMediaEngine registers the supported codec set: AV1, VP9, VP8,
// H.264 (constrained baseline) for video and Opus, G.722 for audio.
func newMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}

	audio := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: ptOpus,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeG722, ClockRate: 8000, Channels: 1,
			},
			PayloadType: ptG722,
		},
	}
	for _, c := range audio {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, err
		}
	}

	video := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeAV1, ClockRate: 90000,
				RTCPFeedback: videoRTCPFeedback(),
			},
			PayloadType: ptAV1,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeVP9, ClockRate: 90000,
				SDPFmtpLine:  "profile-id=0",
				RTCPFeedback: videoRTCPFeedback(),
			},
			PayloadType: ptVP9,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
				RTCPFeedback: videoRTCPFeedback(),
			},
			PayloadType: ptVP8,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoRTCPFeedback(),
			},
			PayloadType: ptH264,
		},
	}
	for _, c := range video {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}

	// The SDES mid/rid extensions are what let the receiver demux
	// simulcast rids; a hand-built MediaEngine does not carry them.
	for _, uri := range []string{
		"urn:ietf:params:rtp-hdrext:sdes:mid",
		"urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id",
		"urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id",
	} {
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: "urn:ietf:params:rtp-hdrext:sdes:mid"}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	return m, nil
}

// newAPI builds the shared *webrtc.API: the fixed codec set plus the
// default interceptors and an interval-PLI sender, so a stalled
// publisher still gets nudged for a keyframe even while the coalesced
// per-layer request is in its cooldown window.
func newAPI(settingEngine webrtc.SettingEngine) (*webrtc.API, error) {
	m, err := newMediaEngine()
	if err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	ir.Add(pliFactory)

	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
