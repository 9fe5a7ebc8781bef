// Package transport wraps the WebRTC library behind a small
// capability surface. It is the only place that imports
// github.com/pion/webrtc/v4 for connection setup; everything above it
// (stream fan-out, sessions, cascades) talks to the Peer interface, so
// tests can swap in the in-memory fake (fake.go) and produce
// deterministic RTP sequences.
package transport

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Role captures the direction a peer is used in, which decides
// transceiver setup (publishers receive media, subscribers send it).
type Role int

const (
	RolePublish Role = iota
	RoleSubscribe
	RoleCascadeOut
	RoleCascadeIn
)

// Stats is the subset of RTCStats the sessions and admin endpoints
// need.
type Stats struct {
	BytesIn    uint64
	BytesOut   uint64
	RTT        time.Duration
	CodecParam string
}

// TrackEvent is delivered to OnTrack when the remote peer starts a new
// inbound media track (always the publish/cascade-in direction).
type TrackEvent struct {
	Track *webrtc.TrackRemote
	Kind  webrtc.RTPCodecType
	RID   string // simulcast rid: "", "f", "h", or "q"
}

// SendTrack is an outbound mirror track a subscriber can be offered.
type SendTrack struct {
	Local *webrtc.TrackLocalStaticRTP
}

// DataChannel is the session's single implicit data channel; label
// and negotiated-ness of whatever the client opened are ignored.
type DataChannel struct {
	raw *webrtc.DataChannel
}

func (d *DataChannel) Send(b []byte) error {
	if d == nil || d.raw == nil {
		return fmt.Errorf("transport: data channel not open")
	}
	return d.raw.Send(b)
}

func (d *DataChannel) OnMessage(fn func([]byte)) {
	if d == nil || d.raw == nil {
		return
	}
	d.raw.OnMessage(func(msg webrtc.DataChannelMessage) { fn(msg.Data) })
}

// Peer is the capability set exposed by a single peer connection.
// Calls return without waiting on the network, except CreateAnswer,
// which blocks until ICE gathering completes so the answer carries
// every local candidate; handshake and SRTP send run in goroutines the
// Peer itself manages.
type Peer interface {
	SetRemoteOffer(sdp string) error
	CreateAnswer() (string, error)
	SetLocal(sdp webrtc.SessionDescription) error
	SetLocalOffer() (string, error)
	SetRemoteAnswer(sdp string) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	AddRecvTransceiver(kind webrtc.RTPCodecType) error
	AddSendTrack(t *SendTrack) (*webrtc.RTPSender, error)
	RemoveSendTrack(s *webrtc.RTPSender) error

	CreateDataChannel() (*DataChannel, error)

	ICERestart() (string, error)
	RequestKeyframe(ssrc webrtc.SSRC) error

	Stats() Stats
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState

	OnTrack(func(TrackEvent))
	OnDataChannel(func(*DataChannel))
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))

	Close() error
}

// Facade constructs Peers sharing one codec/interceptor configuration.
type Facade interface {
	NewPeer(role Role, iceServers []webrtc.ICEServer) (Peer, error)
	NewLocalTrack(capability webrtc.RTPCodecCapability, id, streamID string) (*SendTrack, error)
}

type pionFacade struct {
	api *webrtc.API
}

// NewFacade builds the production Transport Facade backed by pion/webrtc.
func NewFacade(portMin, portMax uint16) (Facade, error) {
	se := webrtc.SettingEngine{}
	if portMin > 0 && portMax > 0 {
		if err := se.SetEphemeralUDPPortRange(portMin, portMax); err != nil {
			return nil, fmt.Errorf("transport: port range: %w", err)
		}
	}
	api, err := newAPI(se)
	if err != nil {
		return nil, err
	}
	return &pionFacade{api: api}, nil
}

func (f *pionFacade) NewLocalTrack(capability webrtc.RTPCodecCapability, id, streamID string) (*SendTrack, error) {
	t, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	return &SendTrack{Local: t}, nil
}

func (f *pionFacade) NewPeer(role Role, iceServers []webrtc.ICEServer) (Peer, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}
	p := &pionPeer{pc: pc, role: role}
	return p, nil
}

type pionPeer struct {
	pc   *webrtc.PeerConnection
	role Role
}

func (p *pionPeer) SetRemoteOffer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func (p *pionPeer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("transport: set local (answer): %w", err)
	}
	<-gatherComplete
	return p.pc.LocalDescription().SDP, nil
}

func (p *pionPeer) SetLocalOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("transport: set local (offer): %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) SetLocal(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

// SetRemoteAnswer completes a negotiation this peer initiated as the
// offerer (a cascade leg: our node is the one POSTing an SDP offer to
// a remote node's WHIP/WHEP endpoint and receiving an answer back).
func (p *pionPeer) SetRemoteAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	return err
}

func (p *pionPeer) AddSendTrack(t *SendTrack) (*webrtc.RTPSender, error) {
	return p.pc.AddTrack(t.Local)
}

func (p *pionPeer) RemoveSendTrack(s *webrtc.RTPSender) error {
	return p.pc.RemoveTrack(s)
}

func (p *pionPeer) CreateDataChannel() (*DataChannel, error) {
	dc, err := p.pc.CreateDataChannel("data", nil)
	if err != nil {
		return nil, err
	}
	return &DataChannel{raw: dc}, nil
}

func (p *pionPeer) ICERestart() (string, error) {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) RequestKeyframe(ssrc webrtc.SSRC) error {
	return p.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
	})
}

func (p *pionPeer) Stats() Stats {
	raw := p.pc.GetStats()
	var s Stats
	for _, st := range raw {
		switch v := st.(type) {
		case webrtc.TransportStats:
			s.BytesIn += v.BytesReceived
			s.BytesOut += v.BytesSent
		case webrtc.ICECandidatePairStats:
			if v.State == webrtc.StatsICECandidatePairStateSucceeded {
				s.RTT = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return s
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState   { return p.pc.ConnectionState() }
func (p *pionPeer) ICEConnectionState() webrtc.ICEConnectionState { return p.pc.ICEConnectionState() }

func (p *pionPeer) OnTrack(fn func(TrackEvent)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(TrackEvent{Track: remote, Kind: remote.Kind(), RID: remote.RID()})
	})
}

func (p *pionPeer) OnDataChannel(fn func(*DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) { fn(&DataChannel{raw: dc}) })
}

func (p *pionPeer) OnICECandidate(fn func(*webrtc.ICECandidate)) { p.pc.OnICECandidate(fn) }

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *pionPeer) Close() error { return p.pc.Close() }

// ReadRTP is a small helper used by the Stream Core's fan-out loop: a
// thin pass-through that drops the interceptor attributes pion returns
// alongside the packet.
func ReadRTP(t *webrtc.TrackRemote) (*rtp.Packet, error) {
	pkt, _, err := t.ReadRTP()
	return pkt, err
}
