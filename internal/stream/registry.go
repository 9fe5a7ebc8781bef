package stream

import (
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/metrics"
	"github.com/riftcast/sfu/internal/transport"
)

// nameRE matches the printable-ASCII, 1..255-byte stream id rule
// (0x21-0x7E, so no space or control bytes). Slashes are excluded so a
// stream id can never be mistaken for a path segment boundary in the
// HTTP layer.
var nameRE = regexp.MustCompile(`^[!-.0-~]{1,255}$`)

// Limits bounds what the Registry enforces per stream, read once at
// construction from config.
type Limits struct {
	MaxSubscribersPerStream int
	PublisherLeaveGrace     time.Duration
	LayerSwitchTimeout      time.Duration
	IdleCheckTick           time.Duration
}

// Registry is the process-wide stream table: a map keyed by stream id
// guarded by one mutex for membership changes, with all per-stream
// forwarding work delegated to the Stream's own lock so registry
// contention never blocks the RTP hot path.
type Registry struct {
	facade  transport.Facade
	metrics *metrics.Metrics
	log     *logrus.Entry
	limits  Limits

	mu      sync.Mutex
	streams map[ID]*Stream

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRegistry(facade transport.Facade, m *metrics.Metrics, log *logrus.Entry, limits Limits) *Registry {
	if limits.IdleCheckTick <= 0 {
		limits.IdleCheckTick = time.Second
	}
	r := &Registry{
		facade:  facade,
		metrics: m,
		log:     log.WithField("component", "registry"),
		limits:  limits,
		streams: make(map[ID]*Stream),
		stopCh:  make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// ValidName reports whether id satisfies the stream-id naming rule.
func ValidName(id ID) bool { return nameRE.MatchString(string(id)) }

// openOrCreate returns the stream for id, creating it if absent. This
// is the only place streams are inserted into the map, under the
// registry lock, so two concurrent WHIP posts for the same new id
// agree on exactly one *Stream.
func (r *Registry) openOrCreate(id ID) (*Stream, error) {
	if !ValidName(id) {
		return nil, apierr.Client(apierr.CodeNameInvalid, "invalid stream name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		s = newStream(id, r.facade, r.metrics, r.log, r.limits.LayerSwitchTimeout)
		r.streams[id] = s
		if r.metrics != nil {
			r.metrics.StreamsTotal.Inc()
		}
	}
	return s, nil
}

// Get returns the existing stream for id without creating one, the
// lookup a WHEP subscribe or an admin read uses. Subscribers may attach
// to a stream with no publisher yet, but the stream itself must already
// have been opened by a publisher or an admin create.
func (r *Registry) Get(id ID) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

// Create opens a stream with no publisher (admin pre-provisioning).
func (r *Registry) Create(id ID) (*Stream, error) {
	return r.openOrCreate(id)
}

// AttachPublisher enforces the at-most-one-publisher invariant:
// open_or_create followed by the stream's own compare-and-set, so two
// racing WHIP posts for a brand new id still only let one through.
func (r *Registry) AttachPublisher(id ID, pub Publisher) (*Stream, error) {
	s, err := r.openOrCreate(id)
	if err != nil {
		return nil, err
	}
	if err := s.attachPublisher(pub); err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.PublishersTotal.Inc()
	}
	return s, nil
}

// DetachPublisher marks the stream draining; it is not deleted here.
// The reap loop destroys it once the leave grace has elapsed with no
// replacement publisher and no subscribers left.
func (r *Registry) DetachPublisher(id ID, clientID ClientID) {
	r.mu.Lock()
	s, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.detachPublisher(clientID)
	if r.metrics != nil {
		r.metrics.PublishersTotal.Dec()
	}
}

// AddSubscriber enforces the per-stream subscriber cap before
// delegating to the stream's own subscriber map mutation.
func (r *Registry) AddSubscriber(id ID, sub Subscriber) (*Stream, *SubscriberTracks, error) {
	s, err := r.openOrCreate(id)
	if err != nil {
		return nil, nil, err
	}
	if r.limits.MaxSubscribersPerStream > 0 && s.subscriberCount() >= r.limits.MaxSubscribersPerStream {
		return nil, nil, apierr.Client(apierr.CodeSubAtCapacity, "stream subscriber capacity reached")
	}
	tracks, err := s.addSubscriber(sub)
	if err != nil {
		return nil, nil, err
	}
	if r.metrics != nil {
		r.metrics.SubscribersTotal.Inc()
	}
	return s, tracks, nil
}

func (r *Registry) RemoveSubscriber(id ID, clientID ClientID) {
	r.mu.Lock()
	s, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.removeSubscriber(clientID)
	if r.metrics != nil {
		r.metrics.SubscribersTotal.Dec()
	}
}

func (r *Registry) SelectLayer(id ID, clientID ClientID, layer Layer) error {
	s, ok := r.Get(id)
	if !ok {
		return apierr.Client(apierr.CodeNoStream, "stream not found")
	}
	return s.selectLayer(clientID, layer)
}

func (r *Registry) SetMute(id ID, clientID ClientID, kind Kind, muted bool) error {
	s, ok := r.Get(id)
	if !ok {
		return apierr.Client(apierr.CodeNoStream, "stream not found")
	}
	return s.setMute(clientID, kind, muted)
}

// List returns a snapshot of every live stream, for the admin listing
// endpoint and metrics.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.snapshot())
	}
	return out
}

// StreamSnapshot returns one stream's admin view without exposing the
// *Stream type itself outside the package.
func (r *Registry) StreamSnapshot(id ID) (Snapshot, bool) {
	s, ok := r.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Destroy force-removes a stream (admin DELETE): closes every attached
// peer so their sessions observe a clean failed/closed transition
// rather than a silent RTP stall.
func (r *Registry) Destroy(id ID) error {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if !ok {
		return apierr.Client(apierr.CodeNoStream, "stream not found")
	}
	r.closeAll(s)
	if r.metrics != nil {
		r.metrics.StreamsTotal.Dec()
	}
	return nil
}

func (r *Registry) closeAll(s *Stream) {
	s.mu.Lock()
	pub := s.publisher
	subs := make([]*subState, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	if pub != nil {
		_ = pub.Peer.Close()
	}
	for _, sub := range subs {
		_ = sub.peer.Close()
	}
}

// CloseOtherSubscribers force-closes every plain subscriber of id
// except keep. Cascade legs are exempt: they are infrastructure the
// cascade controller owns and reaps on its own schedule, not viewers.
func (r *Registry) CloseOtherSubscribers(id ID, keep ClientID) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	var victims []*subState
	for cid, sub := range s.subs {
		if cid != keep && !sub.cascadeOut {
			victims = append(victims, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range victims {
		_ = sub.peer.Close()
		s.removeSubscriber(sub.id)
		if r.metrics != nil {
			r.metrics.SubscribersTotal.Dec()
		}
	}
}

// RecordCascade and RemoveCascade let the cascade controller publish
// its state into the stream's admin snapshot without this package
// importing the cascade package.
func (r *Registry) RecordCascade(id ID, key string, snap CascadeSnapshot) {
	if s, ok := r.Get(id); ok {
		s.recordCascade(key, snap)
	}
}

func (r *Registry) RemoveCascade(id ID, key string) {
	if s, ok := r.Get(id); ok {
		s.removeCascade(key)
	}
}

// reapLoop destroys streams nobody is using: a draining stream past the
// publisher leave grace with zero subscribers, or a stream that was
// created (admin or WHEP first) but never saw a publisher and has sat
// empty past the same grace. Cascade idle reaping is the cascade
// controller's own job; the registry only applies the universal
// "nobody is using this" rule.
func (r *Registry) reapLoop() {
	t := time.NewTicker(r.limits.IdleCheckTick)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.reapOnce()
			r.sweepLayerTimeouts()
		}
	}
}

func (r *Registry) reapOnce() {
	now := time.Now()
	r.mu.Lock()
	var victims []ID
	for id, s := range r.streams {
		if s.subscriberCount() > 0 || s.hasPublisher() {
			continue
		}
		draining, leftAt := s.isDraining()
		idleSince := s.CreatedAt()
		if draining {
			idleSince = leftAt
		}
		if now.Sub(idleSince) > r.limits.PublisherLeaveGrace {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	for _, id := range victims {
		r.log.WithField("stream_id", string(id)).Debug("reaped idle stream")
		if r.metrics != nil {
			r.metrics.StreamsTotal.Dec()
		}
	}
}

func (r *Registry) sweepLayerTimeouts() {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()
	for _, s := range streams {
		s.sweepLayerTimeouts()
	}
}
