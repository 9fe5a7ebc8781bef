package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// FakePeer is the in-memory stand-in for Peer used by Stream Core and
// Session State Machine tests. It never touches a network; offers and
// answers are opaque tokens, and RequestKeyframe/AddSendTrack just
// record what happened (Keyframes, SentTracks) so tests can assert on
// it; AddICECandidate accepts and discards the candidate.
type FakePeer struct {
	mu sync.Mutex

	connState webrtc.PeerConnectionState
	iceState  webrtc.ICEConnectionState

	trackHandler func(TrackEvent)
	dcHandler    func(*DataChannel)
	onConnState  func(webrtc.PeerConnectionState)
	onICEState   func(webrtc.ICEConnectionState)

	Keyframes  []webrtc.SSRC
	Closed     bool
	SentTracks []*SendTrack
}

func NewFakePeer() *FakePeer {
	return &FakePeer{connState: webrtc.PeerConnectionStateNew, iceState: webrtc.ICEConnectionStateNew}
}

func (f *FakePeer) SetRemoteOffer(sdp string) error               { return nil }
func (f *FakePeer) CreateAnswer() (string, error)                 { return "fake-answer-sdp", nil }
func (f *FakePeer) SetLocal(webrtc.SessionDescription) error      { return nil }
func (f *FakePeer) SetLocalOffer() (string, error)                { return "fake-offer-sdp", nil }
func (f *FakePeer) SetRemoteAnswer(sdp string) error              { return nil }
func (f *FakePeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (f *FakePeer) AddRecvTransceiver(webrtc.RTPCodecType) error  { return nil }

func (f *FakePeer) AddSendTrack(t *SendTrack) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SentTracks = append(f.SentTracks, t)
	return nil, nil
}

func (f *FakePeer) RemoveSendTrack(*webrtc.RTPSender) error { return nil }

func (f *FakePeer) CreateDataChannel() (*DataChannel, error) { return &DataChannel{}, nil }

func (f *FakePeer) ICERestart() (string, error) { return "fake-restart-offer", nil }

func (f *FakePeer) RequestKeyframe(ssrc webrtc.SSRC) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Keyframes = append(f.Keyframes, ssrc)
	return nil
}

func (f *FakePeer) Stats() Stats { return Stats{} }

func (f *FakePeer) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}

func (f *FakePeer) ICEConnectionState() webrtc.ICEConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iceState
}

func (f *FakePeer) OnTrack(fn func(TrackEvent))                                   { f.trackHandler = fn }
func (f *FakePeer) OnDataChannel(fn func(*DataChannel))                           { f.dcHandler = fn }
func (f *FakePeer) OnICECandidate(func(*webrtc.ICECandidate))                     {}
func (f *FakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState))   { f.onConnState = fn }
func (f *FakePeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) { f.onICEState = fn }

func (f *FakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// SetConnectionState lets a test drive ICE/DTLS liveness transitions
// the way real pion callbacks would.
func (f *FakePeer) SetConnectionState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	f.connState = s
	cb := f.onConnState
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *FakePeer) SetICEState(s webrtc.ICEConnectionState) {
	f.mu.Lock()
	f.iceState = s
	cb := f.onICEState
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// EmitTrack lets a test simulate a publisher track arriving.
func (f *FakePeer) EmitTrack(ev TrackEvent) {
	if f.trackHandler != nil {
		f.trackHandler(ev)
	}
}

// FakeFacade builds FakePeers and real local tracks (track writing is
// still exercised so layer-store / data-bus tests see real RTP types).
type FakeFacade struct {
	mu    sync.Mutex
	Peers []*FakePeer
}

func NewFakeFacade() *FakeFacade { return &FakeFacade{} }

func (f *FakeFacade) NewPeer(role Role, _ []webrtc.ICEServer) (Peer, error) {
	p := NewFakePeer()
	f.mu.Lock()
	f.Peers = append(f.Peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *FakeFacade) NewLocalTrack(capability webrtc.RTPCodecCapability, id, streamID string) (*SendTrack, error) {
	t, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("fake facade: new local track: %w", err)
	}
	return &SendTrack{Local: t}, nil
}
