// Package session implements the per-peer-connection state machine:
// one Session per negotiated connection, whether it is a browser's
// WHIP publish, a browser's WHEP subscribe, or one leg of a cascade.
// A Session holds a non-owning handle to the stream it is attached to;
// the stream never holds a Session back, only lightweight
// stream.Publisher/stream.Subscriber records, avoiding an import cycle
// between this package and internal/stream.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/stream"
	"github.com/riftcast/sfu/internal/transport"
)

// State is one node of the session lifecycle:
// new -> connecting -> connected -> (disconnected | failed) -> closed.
// closed is terminal; nothing ever leaves it.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "new"
	}
}

// Role distinguishes what a session is doing with its stream. It
// mirrors transport.Role but is kept separate so session call sites
// never import transport just to pick a role.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
	RoleCascadePush // synthetic subscriber, fed to a remote WHIP ingest
	RoleCascadePull // synthetic publisher, fed by a remote WHEP egress
)

// connectTimeout bounds how long a session may sit in StateConnecting
// before negotiation is considered failed and its resources released.
const connectTimeout = 30 * time.Second

// disconnectTimeout bounds how long a session may sit in
// StateDisconnected before the watchdog gives up and fails it.
const disconnectTimeout = 10 * time.Second

// Session is one negotiated peer connection.
type Session struct {
	ID       stream.ClientID
	Role     Role
	StreamID stream.ID

	peer     transport.Peer
	registry *stream.Registry
	log      *logrus.Entry

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
	closedCh  chan struct{}

	// set only for subscribers, so the mirror tracks stay reachable for
	// the session's whole lifetime without a registry lookup.
	subTracks *stream.SubscriberTracks

	// incremented whenever a watchdog's wait should be abandoned
	// (reconnect observed, session closed).
	watchGen int
}

// NewID mints a session id with at least 128 bits of entropy.
func NewID() stream.ClientID {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("session: read random id: %v", err))
	}
	return stream.ClientID(hex.EncodeToString(b[:]))
}

func newSession(id stream.ClientID, role Role, streamID stream.ID, peer transport.Peer, registry *stream.Registry, log *logrus.Entry) *Session {
	s := &Session{
		ID: id, Role: role, StreamID: streamID,
		peer: peer, registry: registry,
		log:      log.WithFields(logrus.Fields{"session_id": string(id), "stream_id": string(streamID)}),
		state:    StateConnecting,
		closedCh: make(chan struct{}),
	}
	peer.OnConnectionStateChange(s.onConnectionStateChange)
	go s.connectWatchdog(s.watchGen)
	return s
}

func (s *Session) onConnectionStateChange(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.state == StateConnecting || s.state == StateDisconnected {
			s.state = StateConnected
			s.watchGen++
		}
	case webrtc.PeerConnectionStateDisconnected:
		if s.state == StateConnected {
			s.state = StateDisconnected
			s.watchGen++
			go s.disconnectWatchdog(s.watchGen)
		}
	case webrtc.PeerConnectionStateFailed:
		if s.state != StateClosed {
			s.state = StateFailed
			s.watchGen++
			s.log.Warn("peer connection failed")
			go s.terminate()
		}
	case webrtc.PeerConnectionStateClosed:
		// The peer can be closed out-of-band (admin destroy, policy
		// teardown); run the full teardown so the stream detaches and
		// the session registry drops this entry.
		if s.state != StateClosed {
			s.state = StateClosed
			s.watchGen++
			go s.terminate()
		}
	}
}

// connectWatchdog fails a session that never completes ICE+DTLS within
// the negotiation budget.
func (s *Session) connectWatchdog(gen int) {
	time.Sleep(connectTimeout)
	s.mu.Lock()
	expired := s.state == StateConnecting && s.watchGen == gen
	if expired {
		s.state = StateFailed
	}
	s.mu.Unlock()
	if expired {
		s.log.Warn("session did not reach connected within negotiation budget")
		s.terminate()
	}
}

// disconnectWatchdog fails the session if it is still disconnected, on
// the same generation, once the recovery window elapses: ICE did not
// recover on its own and no client restart arrived.
func (s *Session) disconnectWatchdog(gen int) {
	time.Sleep(disconnectTimeout)
	s.mu.Lock()
	stillDisconnected := s.state == StateDisconnected && s.watchGen == gen
	if stillDisconnected {
		s.state = StateFailed
	}
	s.mu.Unlock()
	if stillDisconnected {
		s.log.Warn("session did not recover from ICE disconnect within timeout")
		s.terminate()
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NegotiatePublish handles a WHIP offer: set the client's offer, attach
// to (or create) the stream as its publisher, register the track
// handler that feeds the stream's fan-out, and answer.
func NegotiatePublish(registry *stream.Registry, facade transport.Facade, streamID stream.ID, offerSDP string, iceServers []webrtc.ICEServer, reforward bool, log *logrus.Entry) (*Session, string, error) {
	if !stream.ValidName(streamID) {
		return nil, "", apierr.Client(apierr.CodeNameInvalid, "invalid stream name")
	}
	role := transport.RolePublish
	if reforward {
		role = transport.RoleCascadeIn
	}
	peer, err := facade.NewPeer(role, iceServers)
	if err != nil {
		return nil, "", apierr.Internal("PeerCreate", "create publisher peer connection", err)
	}

	id := NewID()
	sess := newSession(id, roleFor(RolePublisher, reforward), streamID, peer, registry, log)

	if _, err := registry.AttachPublisher(streamID, stream.Publisher{ID: id, Peer: peer, Reforward: reforward}); err != nil {
		_ = peer.Close()
		return nil, "", err
	}

	peer.OnTrack(func(ev transport.TrackEvent) {
		sess.onPublisherTrack(ev)
	})
	peer.OnDataChannel(func(dc *transport.DataChannel) {
		if s, ok := registry.Get(streamID); ok {
			s.SetPublisherDataChannel(dc)
		}
	})

	if err := peer.SetRemoteOffer(offerSDP); err != nil {
		registry.DetachPublisher(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Client(apierr.CodeBadSDP, fmt.Sprintf("invalid offer: %v", err))
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		registry.DetachPublisher(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Internal("CreateAnswer", "create SDP answer", err)
	}
	return sess, answer, nil
}

func roleFor(base Role, reforward bool) Role {
	if base == RolePublisher && reforward {
		return RoleCascadePull
	}
	return base
}

// NegotiateCascadePullOffer starts the pull half of a cascade: this
// node acts as its own WHEP client against a remote node, so unlike
// NegotiatePublish the offer is generated locally (recvonly) rather
// than received from a browser. The caller POSTs the returned offer to
// the remote node's WHEP endpoint and completes the handshake with
// CompleteOffererNegotiation once the remote's answer comes back.
func NegotiateCascadePullOffer(registry *stream.Registry, facade transport.Facade, streamID stream.ID, iceServers []webrtc.ICEServer, log *logrus.Entry) (*Session, string, error) {
	peer, err := facade.NewPeer(transport.RoleCascadeIn, iceServers)
	if err != nil {
		return nil, "", apierr.Internal("PeerCreate", "create cascade-pull peer connection", err)
	}

	id := NewID()
	sess := newSession(id, RoleCascadePull, streamID, peer, registry, log)

	if _, err := registry.AttachPublisher(streamID, stream.Publisher{ID: id, Peer: peer, Reforward: true}); err != nil {
		_ = peer.Close()
		return nil, "", err
	}

	peer.OnTrack(func(ev transport.TrackEvent) { sess.onPublisherTrack(ev) })

	if err := peer.AddRecvTransceiver(webrtc.RTPCodecTypeAudio); err != nil {
		registry.DetachPublisher(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Internal("AddTransceiver", "add audio recv transceiver", err)
	}
	if err := peer.AddRecvTransceiver(webrtc.RTPCodecTypeVideo); err != nil {
		registry.DetachPublisher(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Internal("AddTransceiver", "add video recv transceiver", err)
	}

	offer, err := peer.SetLocalOffer()
	if err != nil {
		registry.DetachPublisher(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Internal("CreateOffer", "create cascade-pull offer", err)
	}
	return sess, offer, nil
}

// NegotiateCascadePush starts the push half of a cascade: this node
// acts as its own WHIP client against a remote node, offering the
// stream's mirror tracks. From the stream's point of view this is an
// ordinary subscriber; only the HTTP half differs.
func NegotiateCascadePush(registry *stream.Registry, facade transport.Facade, streamID stream.ID, iceServers []webrtc.ICEServer, log *logrus.Entry) (*Session, string, error) {
	peer, err := facade.NewPeer(transport.RoleCascadeOut, iceServers)
	if err != nil {
		return nil, "", apierr.Internal("PeerCreate", "create cascade-push peer connection", err)
	}

	id := NewID()
	sess := newSession(id, RoleCascadePush, streamID, peer, registry, log)

	_, tracks, err := registry.AddSubscriber(streamID, stream.Subscriber{ID: id, Peer: peer, CascadeOut: true})
	if err != nil {
		_ = peer.Close()
		return nil, "", err
	}
	sess.subTracks = tracks

	if _, err := peer.AddSendTrack(tracks.Video); err != nil {
		registry.RemoveSubscriber(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Internal("AddTrack", "add video mirror track", err)
	}
	if _, err := peer.AddSendTrack(tracks.Audio); err != nil {
		registry.RemoveSubscriber(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Internal("AddTrack", "add audio mirror track", err)
	}

	offer, err := peer.SetLocalOffer()
	if err != nil {
		registry.RemoveSubscriber(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Internal("CreateOffer", "create cascade-push offer", err)
	}
	return sess, offer, nil
}

// CompleteOffererNegotiation finishes a negotiation this session
// initiated as the offerer (the two cascade constructors above) once
// the remote node's SDP answer has arrived over HTTP.
func (s *Session) CompleteOffererNegotiation(answerSDP string) error {
	if err := s.peer.SetRemoteAnswer(answerSDP); err != nil {
		return apierr.TransportWrap(apierr.CodeBadSDP, "set remote answer", err)
	}
	return nil
}

func (s *Session) onPublisherTrack(ev transport.TrackEvent) {
	strm, ok := s.registry.Get(s.StreamID)
	if !ok {
		return
	}
	switch ev.Kind {
	case webrtc.RTPCodecTypeAudio:
		if err := strm.AddAudioTrack(ev.Track); err != nil {
			s.log.WithError(err).Warn("add audio track")
		}
	case webrtc.RTPCodecTypeVideo:
		rid := stream.Layer(ev.RID)
		if err := strm.AddVideoLayer(rid, ev.Track); err != nil {
			s.log.WithError(err).Warn("add video layer")
		}
	}
}

// NegotiateSubscribe handles a WHEP offer: the stream's pre-created
// mirror tracks (inert until a publisher writes to them) are added to
// the peer before the offer is even inspected, so no renegotiation is
// needed later if a publisher arrives afterward.
func NegotiateSubscribe(registry *stream.Registry, facade transport.Facade, streamID stream.ID, offerSDP string, iceServers []webrtc.ICEServer, cascadeOut bool, log *logrus.Entry) (*Session, string, error) {
	role := transport.RoleSubscribe
	if cascadeOut {
		role = transport.RoleCascadeOut
	}
	peer, err := facade.NewPeer(role, iceServers)
	if err != nil {
		return nil, "", apierr.Internal("PeerCreate", "create subscriber peer connection", err)
	}

	id := NewID()
	sess := newSession(id, roleForSub(cascadeOut), streamID, peer, registry, log)

	_, tracks, err := registry.AddSubscriber(streamID, stream.Subscriber{ID: id, Peer: peer, CascadeOut: cascadeOut})
	if err != nil {
		_ = peer.Close()
		return nil, "", err
	}
	sess.subTracks = tracks

	if _, err := peer.AddSendTrack(tracks.Video); err != nil {
		registry.RemoveSubscriber(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Internal("AddTrack", "add video mirror track", err)
	}
	if _, err := peer.AddSendTrack(tracks.Audio); err != nil {
		registry.RemoveSubscriber(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Internal("AddTrack", "add audio mirror track", err)
	}

	peer.OnDataChannel(func(dc *transport.DataChannel) {
		if s, ok := registry.Get(streamID); ok {
			s.SetSubscriberDataChannel(id, dc)
		}
	})

	if err := peer.SetRemoteOffer(offerSDP); err != nil {
		registry.RemoveSubscriber(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Client(apierr.CodeBadSDP, fmt.Sprintf("invalid offer: %v", err))
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		registry.RemoveSubscriber(streamID, id)
		_ = peer.Close()
		return nil, "", apierr.Internal("CreateAnswer", "create SDP answer", err)
	}
	return sess, answer, nil
}

func roleForSub(cascadeOut bool) Role {
	if cascadeOut {
		return RoleCascadePush
	}
	return RoleSubscriber
}

// Patch applies a PATCH body to the session: an empty body is a no-op,
// "a=candidate" lines are trickled into the transport, and a fragment
// carrying a new ice-ufrag is treated as an ICE restart — the session
// re-enters connecting and the disconnect watchdog stands down while
// the replacement candidates take effect.
func (s *Session) Patch(fragment string) error {
	candidates, restart := parseTrickleFragment(fragment)
	if restart {
		s.markReconnecting()
	}
	for _, c := range candidates {
		if err := s.peer.AddICECandidate(c); err != nil {
			return apierr.Client(apierr.CodeBadRequest, fmt.Sprintf("invalid ICE candidate: %v", err))
		}
	}
	return nil
}

func (s *Session) markReconnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected || s.state == StateConnected {
		s.state = StateConnecting
		s.watchGen++
		gen := s.watchGen
		go s.connectWatchdog(gen)
	}
}

// parseTrickleFragment extracts "a=candidate:..." lines from an SDP
// fragment and reports whether the fragment carries an ice-ufrag line,
// the restart marker. ufrag/pwd association per media section is not
// modeled: the transport accepts a bare candidate for the session's
// single already-negotiated bundle.
func parseTrickleFragment(body string) ([]webrtc.ICECandidateInit, bool) {
	var out []webrtc.ICECandidateInit
	restart := false
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "a="))
		switch {
		case strings.HasPrefix(line, "candidate:"):
			out = append(out, webrtc.ICECandidateInit{Candidate: line})
		case strings.HasPrefix(line, "ice-ufrag:"):
			restart = true
		}
	}
	return out, restart
}

// SelectLayer is the subscriber-only layer sub-resource.
func (s *Session) SelectLayer(layer stream.Layer) error {
	if s.Role != RoleSubscriber && s.Role != RoleCascadePush {
		return apierr.Client(apierr.CodeBadRequest, "only subscriber sessions select a layer")
	}
	return s.registry.SelectLayer(s.StreamID, s.ID, layer)
}

// SetMute is the subscriber-only mute sub-resource.
func (s *Session) SetMute(kind stream.Kind, muted bool) error {
	if s.Role != RoleSubscriber && s.Role != RoleCascadePush {
		return apierr.Client(apierr.CodeBadRequest, "only subscriber sessions mute")
	}
	return s.registry.SetMute(s.StreamID, s.ID, kind, muted)
}

// Stats exposes transport-level counters for admin/debug endpoints.
func (s *Session) Stats() transport.Stats { return s.peer.Stats() }

// Terminate detaches from the stream, closes the peer, and moves to
// closed. Idempotent.
func (s *Session) Terminate() error {
	s.terminate()
	return nil
}

func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		switch s.Role {
		case RolePublisher, RoleCascadePull:
			s.registry.DetachPublisher(s.StreamID, s.ID)
		case RoleSubscriber, RoleCascadePush:
			s.registry.RemoveSubscriber(s.StreamID, s.ID)
		}
		_ = s.peer.Close()
		s.mu.Lock()
		s.state = StateClosed
		s.watchGen++
		s.mu.Unlock()
		close(s.closedCh)
	})
}

// Done returns a channel closed once the session has been terminated,
// for callers that want to wait on cleanup without polling State().
func (s *Session) Done() <-chan struct{} { return s.closedCh }

// Manager is a registry of live sessions keyed by id, used by the HTTP
// layer to route PATCH/DELETE sub-resource requests back to the
// Session that owns them.
type Manager struct {
	mu       sync.Mutex
	sessions map[stream.ClientID]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[stream.ClientID]*Session)}
}

func (m *Manager) Put(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	go func() {
		<-s.Done()
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
	}()
}

func (m *Manager) Get(id stream.ClientID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
