package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/metrics"
	"github.com/riftcast/sfu/internal/transport"
)

// defaultVideoCodec/defaultAudioCodec are offered to a subscriber that
// negotiates before any publisher has ever attached. Once a publisher
// attaches, its negotiated codec becomes the stream's fixed codec for
// the rest of its lifetime; nothing here transcodes, so a later
// publisher's track in a different codec is refused rather than mixed.
var (
	defaultVideoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"}
	defaultAudioCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

const keyframeCoalesceWindow = 500 * time.Millisecond

type videoLayerState struct {
	layer   Layer
	remote  *webrtc.TrackRemote
	ssrc    webrtc.SSRC
	mime    string
	cancel  func()
	targets atomic.Value // []*subState currently bound (or switching) to this layer
}

type subState struct {
	id         ClientID
	peer       transport.Peer
	cascadeOut bool

	videoTrack *transport.SendTrack
	audioTrack *transport.SendTrack
	rw         *rewriter

	selected       Layer // what the subscriber asked for
	effective      Layer // what is currently bound
	pendingTarget  Layer // layer the next keyframe will bind
	switchPending  bool
	switchDeadline time.Time

	muteAudio bool
	muteVideo bool
}

// Stream is the per-stream forwarding engine plus the lifecycle state
// the Registry needs: creation time, draining/grace, and the cascade
// state reported on admin endpoints.
type Stream struct {
	id        ID
	createdAt time.Time
	facade    transport.Facade
	metrics   *metrics.Metrics
	log       *logrus.Entry

	layerSwitchTimeout time.Duration

	mu          sync.Mutex
	publisher   *Publisher
	videoCodec  *webrtc.RTPCodecCapability
	audioCodec  *webrtc.RTPCodecCapability
	videoLayers map[Layer]*videoLayerState
	audioRemote *webrtc.TrackRemote
	audioCancel func()
	subs        map[ClientID]*subState
	draining    bool
	leftAt      time.Time
	cascades    map[string]CascadeSnapshot

	bus *dataBus

	lastKeyframeReq map[Layer]time.Time
}

// newStream creates an empty stream with no publisher. Only the
// Registry constructs Streams, via openOrCreate.
func newStream(id ID, facade transport.Facade, m *metrics.Metrics, log *logrus.Entry, layerSwitchTimeout time.Duration) *Stream {
	s := &Stream{
		id:                 id,
		createdAt:          time.Now(),
		facade:             facade,
		metrics:            m,
		log:                log.WithField("stream_id", string(id)),
		layerSwitchTimeout: layerSwitchTimeout,
		videoLayers:        make(map[Layer]*videoLayerState),
		subs:               make(map[ClientID]*subState),
		cascades:           make(map[string]CascadeSnapshot),
		lastKeyframeReq:    make(map[Layer]time.Time),
	}
	s.bus = newDataBus(func(id ClientID) {
		if m != nil {
			m.DataBusDropsTotal.Inc()
		}
	})
	return s
}

func (s *Stream) ID() ID               { return s.id }
func (s *Stream) CreatedAt() time.Time { return s.createdAt }

// --- publisher lifecycle -----------------------------------------------

func (s *Stream) attachPublisher(pub Publisher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisher != nil {
		return apierr.Client(apierr.CodeAlreadyPublishing, "stream already has a publisher")
	}
	p := pub
	s.publisher = &p
	s.draining = false
	return nil
}

// detachPublisher marks the stream draining; the Registry owns the
// leave-grace timer and destroys the stream once it expires with no
// subscribers.
func (s *Stream) detachPublisher(id ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisher == nil || s.publisher.ID != id {
		return
	}
	s.publisher = nil
	s.draining = true
	s.leftAt = time.Now()
	for _, layer := range s.videoLayers {
		if layer.cancel != nil {
			layer.cancel()
		}
	}
	s.videoLayers = make(map[Layer]*videoLayerState)
	if s.audioCancel != nil {
		s.audioCancel()
		s.audioCancel = nil
	}
	s.audioRemote = nil
}

func (s *Stream) hasPublisher() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisher != nil
}

func (s *Stream) isDraining() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining, s.leftAt
}

func (s *Stream) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// --- publisher track fan-out --------------------------------------------

// AddAudioTrack registers the publisher's single audio track and starts
// the reader goroutine relaying its packets verbatim to every
// subscriber's audio mirror. Audio is never simulcast.
func (s *Stream) AddAudioTrack(remote *webrtc.TrackRemote) error {
	s.mu.Lock()
	if s.audioCodec == nil {
		c := remote.Codec().RTPCodecCapability
		s.audioCodec = &c
	} else if mime := remote.Codec().MimeType; mime != s.audioCodec.MimeType {
		want := s.audioCodec.MimeType
		s.mu.Unlock()
		return apierr.Client(apierr.CodeUnknownCodec, fmt.Sprintf("stream audio codec is %s, track is %s", want, mime))
	}
	s.audioRemote = remote
	done := make(chan struct{})
	s.audioCancel = func() { close(done) }
	s.mu.Unlock()

	go s.runAudioFanout(remote, done)
	return nil
}

func (s *Stream) runAudioFanout(remote *webrtc.TrackRemote, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		pkt, err := transport.ReadRTP(remote)
		if err != nil {
			return
		}
		s.mu.Lock()
		targets := make([]*subState, 0, len(s.subs))
		for _, sub := range s.subs {
			if !sub.muteAudio && sub.audioTrack != nil {
				targets = append(targets, sub)
			}
		}
		s.mu.Unlock()
		for _, sub := range targets {
			_ = sub.audioTrack.Local.WriteRTP(pkt)
		}
	}
}

// AddVideoLayer registers one simulcast layer (rid "f"/"h"/"q", or ""
// promoted to "f" for a non-simulcast publisher) and starts its fan-out
// reader. Subscribers on LayerAuto re-resolve to the highest
// currently-known layer whenever a new layer appears.
func (s *Stream) AddVideoLayer(rid Layer, remote *webrtc.TrackRemote) error {
	if rid == "" {
		rid = LayerFull
	}
	if !ValidLayer(rid) && rid != LayerAuto {
		return apierr.Client(apierr.CodeLayerUnknown, fmt.Sprintf("unknown rid %q", rid))
	}

	s.mu.Lock()
	if s.videoCodec == nil {
		c := remote.Codec().RTPCodecCapability
		s.videoCodec = &c
	} else if mime := remote.Codec().MimeType; mime != s.videoCodec.MimeType {
		want := s.videoCodec.MimeType
		s.mu.Unlock()
		return apierr.Client(apierr.CodeUnknownCodec, fmt.Sprintf("stream video codec is %s, track is %s", want, mime))
	}
	done := make(chan struct{})
	ls := &videoLayerState{layer: rid, remote: remote, ssrc: remote.SSRC(), mime: remote.Codec().MimeType, cancel: func() { close(done) }}
	ls.targets.Store([]*subState{})
	s.videoLayers[rid] = ls
	s.mu.Unlock()

	s.rebindAutoSubscribers()
	s.recomputeLayerTargets()

	go s.runVideoFanout(ls, done)
	return nil
}

// runVideoFanout reads one layer's RTP and forwards to every subscriber
// currently bound to it. A subscriber mid-switch stops receiving its
// old layer the moment the switch is queued and joins the new layer's
// target set; forwarding to it starts at the new layer's next keyframe
// so its decoder is never handed a partial GOP.
func (s *Stream) runVideoFanout(ls *videoLayerState, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		pkt, err := transport.ReadRTP(ls.remote)
		if err != nil {
			return
		}

		kf := isKeyframe(ls.mime, pkt.Payload)
		switched := false
		targets, _ := ls.targets.Load().([]*subState)
		for _, sub := range targets {
			s.mu.Lock()
			pending := sub.switchPending && sub.pendingTarget == ls.layer
			if pending {
				if !kf {
					s.mu.Unlock()
					s.maybeRequestKeyframe(ls.layer)
					continue
				}
				sub.rw.advance()
				sub.rw.rebind()
				sub.effective = ls.layer
				sub.switchPending = false
				switched = true
			}
			mutedOrGone := sub.muteVideo || sub.videoTrack == nil || sub.effective != ls.layer
			s.mu.Unlock()
			if mutedOrGone {
				continue
			}
			mapped := sub.rw.mapPacket(pkt)
			_ = sub.videoTrack.Local.WriteRTP(mapped)
		}
		if switched {
			s.recomputeLayerTargets()
		}
	}
}

// maybeRequestKeyframe coalesces PLI requests to at most one per layer
// per 500ms.
func (s *Stream) maybeRequestKeyframe(layer Layer) {
	s.mu.Lock()
	last := s.lastKeyframeReq[layer]
	ls, ok := s.videoLayers[layer]
	pub := s.publisher
	now := time.Now()
	if ok && now.Sub(last) < keyframeCoalesceWindow {
		s.mu.Unlock()
		return
	}
	if ok {
		s.lastKeyframeReq[layer] = now
	}
	s.mu.Unlock()

	if !ok || pub == nil {
		return
	}
	if err := pub.Peer.RequestKeyframe(ls.ssrc); err == nil && s.metrics != nil {
		s.metrics.KeyframeReqsTotal.Inc()
	}
}

// highestLayer returns the best layer currently being received, for
// LayerAuto resolution. Callers hold s.mu.
func (s *Stream) highestLayer() (Layer, bool) {
	best := Layer("")
	bestRank := -1
	for l := range s.videoLayers {
		if l.rank() > bestRank {
			best, bestRank = l, l.rank()
		}
	}
	return best, bestRank >= 0
}

func (s *Stream) rebindAutoSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	best, ok := s.highestLayer()
	if !ok {
		return
	}
	for _, sub := range s.subs {
		if sub.selected == LayerAuto && sub.effective != best {
			sub.pendingTarget = best
			sub.switchPending = true
			sub.switchDeadline = time.Now().Add(s.layerSwitchTimeout)
		}
	}
}

// recomputeLayerTargets rebuilds each layer's lock-free subscriber
// snapshot. A subscriber belongs to the layer it is bound to, or — when
// a switch is queued — to the layer it is switching to, so the old
// layer's forwarding stops immediately and the new layer's fan-out loop
// is the one that observes the binding keyframe.
func (s *Stream) recomputeLayerTargets() {
	s.mu.Lock()
	byLayer := make(map[Layer][]*subState)
	for _, sub := range s.subs {
		target := sub.effective
		if sub.switchPending {
			target = sub.pendingTarget
		}
		if target == "" {
			continue
		}
		byLayer[target] = append(byLayer[target], sub)
	}
	layers := make([]*videoLayerState, 0, len(s.videoLayers))
	for _, ls := range s.videoLayers {
		layers = append(layers, ls)
	}
	s.mu.Unlock()

	for _, ls := range layers {
		snapshot := byLayer[ls.layer]
		if snapshot == nil {
			snapshot = []*subState{}
		}
		ls.targets.Store(snapshot)
	}
}

// --- subscriber lifecycle -------------------------------------------------

// SubscriberTracks is returned to a session so it can add them to the
// subscriber's peer connection before answering.
type SubscriberTracks struct {
	Video *transport.SendTrack
	Audio *transport.SendTrack
}

func (s *Stream) addSubscriber(sub Subscriber) (*SubscriberTracks, error) {
	s.mu.Lock()
	videoCap := defaultVideoCodec
	if s.videoCodec != nil {
		videoCap = *s.videoCodec
	}
	audioCap := defaultAudioCodec
	if s.audioCodec != nil {
		audioCap = *s.audioCodec
	}
	s.mu.Unlock()

	videoTrack, err := s.facade.NewLocalTrack(videoCap, "video", string(s.id))
	if err != nil {
		return nil, apierr.Internal("TrackCreate", "create video mirror track", err)
	}
	audioTrack, err := s.facade.NewLocalTrack(audioCap, "audio", string(s.id))
	if err != nil {
		return nil, apierr.Internal("TrackCreate", "create audio mirror track", err)
	}

	pt := uint8(0)
	switch videoCap.MimeType {
	case webrtc.MimeTypeH264:
		pt = 102
	case webrtc.MimeTypeVP8:
		pt = 96
	case webrtc.MimeTypeVP9:
		pt = 98
	case webrtc.MimeTypeAV1:
		pt = 45
	}

	st := &subState{
		id:         sub.ID,
		peer:       sub.Peer,
		cascadeOut: sub.CascadeOut,
		videoTrack: videoTrack,
		audioTrack: audioTrack,
		rw:         newRewriter(webrtc.SSRC(0), pt),
		selected:   LayerAuto,
		effective:  "",
	}

	s.mu.Lock()
	s.subs[sub.ID] = st
	best, ok := s.highestLayer()
	if ok {
		// First bind waits for a keyframe like any other re-bind.
		st.pendingTarget = best
		st.switchPending = true
		st.switchDeadline = time.Now().Add(s.layerSwitchTimeout)
	}
	s.mu.Unlock()

	s.recomputeLayerTargets()
	if ok {
		s.maybeRequestKeyframe(best)
	}

	return &SubscriberTracks{Video: videoTrack, Audio: audioTrack}, nil
}

func (s *Stream) removeSubscriber(id ClientID) {
	s.mu.Lock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		s.bus.removeSubscriber(id)
		s.recomputeLayerTargets()
	}
}

// selectLayer queues a re-bind to the next keyframe of the requested
// layer; auto resolves to the currently best layer. The old layer's
// forwarding stops as soon as the request is queued.
func (s *Stream) selectLayer(id ClientID, want Layer) error {
	if !ValidLayer(want) {
		return apierr.Client(apierr.CodeLayerUnknown, fmt.Sprintf("unknown layer %q", want))
	}
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return apierr.Client(apierr.CodeNotFound, "subscriber not found")
	}
	target := want
	if want == LayerAuto {
		if best, ok := s.highestLayer(); ok {
			target = best
		}
	} else if _, ok := s.videoLayers[want]; !ok {
		s.mu.Unlock()
		return apierr.Client(apierr.CodeLayerUnknown, fmt.Sprintf("layer %q not published", want))
	}
	sub.selected = want
	if target != sub.effective && target != LayerAuto {
		sub.pendingTarget = target
		sub.switchPending = true
		sub.switchDeadline = time.Now().Add(s.layerSwitchTimeout)
	}
	s.mu.Unlock()

	s.recomputeLayerTargets()
	s.maybeRequestKeyframe(target)
	return nil
}

// setMute flips the per-kind enable bit; frames for a muted kind are
// dropped in the fan-out loop before they reach SRTP.
func (s *Stream) setMute(id ClientID, kind Kind, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return apierr.Client(apierr.CodeNotFound, "subscriber not found")
	}
	switch kind {
	case KindAudio:
		sub.muteAudio = muted
	case KindVideo:
		sub.muteVideo = muted
	}
	return nil
}

// --- data channel relay ---------------------------------------------------

// SetPublisherDataChannel wires the publisher's data channel so every
// message is pushed onto the stream's bus.
func (s *Stream) SetPublisherDataChannel(dc *transport.DataChannel) {
	dc.OnMessage(func(b []byte) { s.bus.publish(b) })
}

// SetSubscriberDataChannel starts the per-subscriber FIFO forwarder:
// messages queued on the subscriber's bus channel drain into its data
// channel in publisher order.
func (s *Stream) SetSubscriberDataChannel(id ClientID, dc *transport.DataChannel) {
	ch := s.bus.addSubscriber(id)
	go func() {
		for msg := range ch {
			_ = dc.Send(msg)
		}
	}()
}

// SendData lets a test or admin tool publish directly without a real
// publisher data channel attached.
func (s *Stream) SendData(msg []byte) error {
	if !s.hasPublisher() {
		return apierr.Client(apierr.CodeNoPublisher, "no publisher attached")
	}
	s.bus.publish(msg)
	return nil
}

// --- layer-switch timeout sweep -------------------------------------------

// sweepLayerTimeouts is called from the Registry's periodic tick: any
// subscriber still waiting past the switch timeout gets another
// keyframe request.
func (s *Stream) sweepLayerTimeouts() {
	now := time.Now()
	s.mu.Lock()
	var stale []Layer
	for _, sub := range s.subs {
		if sub.switchPending && now.After(sub.switchDeadline) {
			stale = append(stale, sub.pendingTarget)
			sub.switchDeadline = now.Add(s.layerSwitchTimeout)
		}
	}
	s.mu.Unlock()
	for _, l := range stale {
		s.maybeRequestKeyframe(l)
	}
}

// --- cascade bookkeeping ---------------------------------------------------

func (s *Stream) recordCascade(key string, snap CascadeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cascades[key] = snap
}

func (s *Stream) removeCascade(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cascades, key)
}

// --- snapshot ---------------------------------------------------------------

func (s *Stream) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{ID: s.id, CreatedAt: s.createdAt, Draining: s.draining}
	if s.publisher != nil {
		snap.Publisher = &PublisherSnapshot{
			ID:        s.publisher.ID,
			Reforward: s.publisher.Reforward,
			State:     s.publisher.Peer.ConnectionState().String(),
		}
	}
	for _, sub := range s.subs {
		snap.Subscribers = append(snap.Subscribers, SubscriberSnapshot{
			ID: sub.id, CascadeOut: sub.cascadeOut, Layer: sub.effective,
			MuteAudio: sub.muteAudio, MuteVideo: sub.muteVideo,
		})
	}
	for _, c := range s.cascades {
		snap.Cascade = append(snap.Cascade, c)
	}
	return snap
}
