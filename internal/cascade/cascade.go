// Package cascade implements one-hop stream replication between nodes:
// a push cascade forwards a locally published stream to a remote
// node's WHIP ingest; a pull cascade fills a locally missing stream
// from a remote node's WHEP egress. Both legs are, from the stream's
// point of view, an ordinary subscriber or publisher — the only
// cascade-specific work lives here: driving the HTTP half of the
// handshake, loop prevention via a forwarded depth header, and the
// close_sub / close_other_sub teardown policies.
package cascade

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/config"
	"github.com/riftcast/sfu/internal/metrics"
	"github.com/riftcast/sfu/internal/session"
	"github.com/riftcast/sfu/internal/stream"
	"github.com/riftcast/sfu/internal/transport"
)

// DepthHeader carries the cascade hop count between nodes so a loop
// (A pushes to B, B pushes back to A) is rejected instead of forwarded
// forever. Every push/pull request this controller sends sets it; every
// inbound WHIP/WHEP request the HTTP layer receives reads it.
const DepthHeader = "X-Sfu-Cascade-Depth"

// Mode distinguishes the two cascade directions for admin reporting.
type Mode string

const (
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

type leg struct {
	mode         Mode
	streamID     stream.ID
	remoteBase   string
	remoteStream stream.ID
	authHeader   string
	sess         *session.Session
	sessionURL   string
	createdAt    time.Time

	mu         sync.Mutex
	lastActive time.Time
}

func (l *leg) touch(now time.Time) {
	l.mu.Lock()
	l.lastActive = now
	l.mu.Unlock()
}

func (l *leg) idleFor(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.lastActive)
}

// Controller owns every active cascade leg for one node.
type Controller struct {
	registry     *stream.Registry
	facade       transport.Facade
	cfg          config.Cascade
	pushCloseSub bool
	metrics      *metrics.Metrics
	client       *http.Client
	log          *logrus.Entry

	mu   sync.Mutex
	legs map[string]*leg // key: mode+"|"+streamID+"|"+remoteBase

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Controller. pushCloseSub is the strategy knob that makes
// starting a push cascade close every other local subscriber, handing
// the fan-out to the remote node.
func New(registry *stream.Registry, facade transport.Facade, cfg config.Cascade, pushCloseSub bool, m *metrics.Metrics, log *logrus.Entry) *Controller {
	c := &Controller{
		registry:     registry,
		facade:       facade,
		cfg:          cfg,
		pushCloseSub: pushCloseSub,
		metrics:      m,
		client:       &http.Client{Timeout: 5 * time.Second},
		log:          log.WithField("component", "cascade"),
		legs:         make(map[string]*leg),
		stopCh:       make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func legKey(mode Mode, streamID stream.ID, remoteBase string) string {
	return string(mode) + "|" + string(streamID) + "|" + remoteBase
}

// splitEndpoint takes a cascade peer URL — either a full WHIP/WHEP
// endpoint ("http://b:7779/whip/999") or a bare node base — and
// returns the node's base URL, the remote-side stream id (which may
// differ from the local one), and the endpoint to POST the offer to.
func splitEndpoint(raw, kind string, localStream stream.ID) (base string, remoteStream stream.ID, endpoint string) {
	trimmed := strings.TrimRight(raw, "/")
	marker := "/" + kind + "/"
	if i := strings.LastIndex(trimmed, marker); i >= 0 {
		return trimmed[:i], stream.ID(trimmed[i+len(marker):]), trimmed
	}
	return trimmed, localStream, trimmed + marker + string(localStream)
}

// Push starts (or returns the already-active) push cascade for
// streamID to remoteBase's WHIP endpoint. depth is the cascade hop
// count seen on the request that triggered this push (0 if this node
// originated it); it is checked, then incremented, before being
// forwarded to the remote node.
func (c *Controller) Push(streamID stream.ID, remoteBase, authHeader string, depth int) error {
	if depth >= c.cfg.MaxDepth {
		return apierr.Policy(apierr.CodeLoop, fmt.Sprintf("cascade depth %d at or beyond max_depth %d", depth, c.cfg.MaxDepth))
	}
	base, remoteStream, whipURL := splitEndpoint(remoteBase, "whip", streamID)
	key := legKey(ModePush, streamID, remoteBase)

	c.mu.Lock()
	if _, exists := c.legs[key]; exists {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sess, offer, err := session.NegotiateCascadePush(c.registry, c.facade, streamID, nil, c.log)
	if err != nil {
		return err
	}

	answer, sessionURL, err := c.postSDP(whipURL, offer, authHeader, depth+1)
	if err != nil {
		_ = sess.Terminate()
		return apierr.TransportWrap(apierr.CodeCascadeUnavailable, "push cascade: POST to remote WHIP failed", err)
	}
	if err := sess.CompleteOffererNegotiation(answer); err != nil {
		_ = sess.Terminate()
		c.closeRemoteSession(base, sessionURL, authHeader)
		return err
	}

	now := time.Now()
	l := &leg{mode: ModePush, streamID: streamID, remoteBase: base, remoteStream: remoteStream,
		authHeader: authHeader, sess: sess, sessionURL: sessionURL, createdAt: now, lastActive: now}
	c.mu.Lock()
	c.legs[key] = l
	c.mu.Unlock()
	c.registry.RecordCascade(streamID, key, stream.CascadeSnapshot{Mode: string(ModePush), PeerURL: remoteBase, SessionURL: sessionURL, State: "active"})
	if c.metrics != nil {
		c.metrics.CascadesOutTotal.Inc()
	}
	if c.pushCloseSub {
		c.registry.CloseOtherSubscribers(streamID, sess.ID)
	}
	return nil
}

// Pull starts (or returns the already-active) pull cascade for
// streamID from remoteBase's WHEP endpoint: this node becomes the
// stream's (reforwarding) publisher.
func (c *Controller) Pull(streamID stream.ID, remoteBase, authHeader string, depth int) error {
	if depth >= c.cfg.MaxDepth {
		return apierr.Policy(apierr.CodeLoop, fmt.Sprintf("cascade depth %d at or beyond max_depth %d", depth, c.cfg.MaxDepth))
	}
	base, remoteStream, whepURL := splitEndpoint(remoteBase, "whep", streamID)
	key := legKey(ModePull, streamID, remoteBase)

	c.mu.Lock()
	if _, exists := c.legs[key]; exists {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sess, offer, err := session.NegotiateCascadePullOffer(c.registry, c.facade, streamID, nil, c.log)
	if err != nil {
		return err
	}

	answer, sessionURL, err := c.postSDP(whepURL, offer, authHeader, depth+1)
	if err != nil {
		_ = sess.Terminate()
		return apierr.TransportWrap(apierr.CodeCascadeUnavailable, "pull cascade: POST to remote WHEP failed", err)
	}
	if err := sess.CompleteOffererNegotiation(answer); err != nil {
		_ = sess.Terminate()
		c.closeRemoteSession(base, sessionURL, authHeader)
		return err
	}

	now := time.Now()
	l := &leg{mode: ModePull, streamID: streamID, remoteBase: base, remoteStream: remoteStream,
		authHeader: authHeader, sess: sess, sessionURL: sessionURL, createdAt: now, lastActive: now}
	c.mu.Lock()
	c.legs[key] = l
	c.mu.Unlock()
	c.registry.RecordCascade(streamID, key, stream.CascadeSnapshot{Mode: string(ModePull), PeerURL: remoteBase, SessionURL: sessionURL, State: "active"})
	if c.metrics != nil {
		c.metrics.CascadesInTotal.Inc()
	}
	return nil
}

// postSDP POSTs offer to url with the given depth and returns the
// remote's SDP answer plus the session URL from its Location header,
// the same one-shot WHIP/WHEP contract the node itself exposes.
func (c *Controller) postSDP(url, offer, authHeader string, depth int) (answer, sessionURL string, err error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set(DepthHeader, strconv.Itoa(depth))
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("cascade: remote returned %d: %s", resp.StatusCode, string(body))
	}
	return string(body), resp.Header.Get("Location"), nil
}

// closeRemoteSession DELETEs the remote session resource. Location
// headers come back relative ("/session/{stream}/{id}"), so they are
// resolved against the remote node's base URL first.
func (c *Controller) closeRemoteSession(base, sessionURL, authHeader string) {
	if sessionURL == "" {
		return
	}
	if strings.HasPrefix(sessionURL, "/") {
		sessionURL = base + sessionURL
	}
	req, err := http.NewRequest(http.MethodDelete, sessionURL, nil)
	if err != nil {
		return
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.WithError(err).Warn("cleanup DELETE of remote cascade session failed")
		return
	}
	resp.Body.Close()
}

// teardown ends a cascade leg: the synthetic local session is always
// terminated; if close_other_sub is set, every other local subscriber
// on the stream is force-closed too, since a collapsing cascade means
// those viewers should be re-routed rather than left on a dead branch.
func (c *Controller) teardown(key string, l *leg) {
	c.mu.Lock()
	_, present := c.legs[key]
	delete(c.legs, key)
	c.mu.Unlock()
	if !present {
		return
	}

	_ = l.sess.Terminate()
	c.closeRemoteSession(l.remoteBase, l.sessionURL, l.authHeader)
	c.registry.RemoveCascade(l.streamID, key)
	if c.metrics != nil {
		switch l.mode {
		case ModePush:
			c.metrics.CascadesOutTotal.Dec()
		case ModePull:
			c.metrics.CascadesInTotal.Dec()
		}
	}

	if c.cfg.CloseOtherSub {
		c.registry.CloseOtherSubscribers(l.streamID, l.sess.ID)
	}
}

// ClosePush tears down every active push leg for streamID, used by the
// manager's collapse sweep to fold a fanned-out tree back onto a
// single node once the source has no local viewers left of its own.
func (c *Controller) ClosePush(streamID stream.ID) error {
	c.mu.Lock()
	var matches []struct {
		key string
		l   *leg
	}
	for k, l := range c.legs {
		if l.mode == ModePush && l.streamID == streamID {
			matches = append(matches, struct {
				key string
				l   *leg
			}{k, l})
		}
	}
	c.mu.Unlock()

	if len(matches) == 0 {
		return apierr.Client(apierr.CodeNotFound, "no active push cascade for stream")
	}
	for _, m := range matches {
		c.teardown(m.key, m.l)
	}
	return nil
}

// reapLoop drives idle reaping: a push leg whose remote node reports
// zero downstream subscribers, or a pull leg with zero local viewers,
// for longer than maximum_idle_time_sec is torn down.
func (c *Controller) reapLoop() {
	interval := c.cfg.CheckInterval()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.reapOnce()
		}
	}
}

func (c *Controller) reapOnce() {
	c.mu.Lock()
	legs := make(map[string]*leg, len(c.legs))
	for k, l := range c.legs {
		legs[k] = l
	}
	c.mu.Unlock()

	idle := c.cfg.MaximumIdle()
	now := time.Now()
	for key, l := range legs {
		if st := l.sess.State(); st == session.StateClosed || st == session.StateFailed {
			c.teardown(key, l)
			continue
		}
		if _, ok := c.registry.Get(l.streamID); !ok {
			c.teardown(key, l)
			continue
		}
		active := false
		switch l.mode {
		case ModePush:
			active = c.remoteViewerCount(l) > 0
		case ModePull:
			active = localViewerCount(c.registry, l.streamID, l.sess.ID) > 0
		}
		if active {
			l.touch(now)
			continue
		}
		if l.idleFor(now) > idle {
			c.log.WithFields(logrus.Fields{"stream_id": string(l.streamID), "mode": string(l.mode)}).
				Info("reaping idle cascade leg")
			c.teardown(key, l)
		}
	}
}

// remoteViewerCount asks the remote node's admin API how many
// subscribers the pushed stream has over there. An unreachable or
// confused remote counts as zero: a peer that cannot be observed for a
// whole idle window is not worth keeping a leg open for.
func (c *Controller) remoteViewerCount(l *leg) int {
	url := l.remoteBase + "/api/streams/" + string(l.remoteStream)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	if l.authHeader != "" {
		req.Header.Set("Authorization", l.authHeader)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	var view struct {
		Subscribers []struct{} `json:"subscribers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return 0
	}
	return len(view.Subscribers)
}

// localViewerCount returns the number of non-cascade subscribers on
// streamID other than except (a leg's own synthetic session).
func localViewerCount(r *stream.Registry, streamID stream.ID, except stream.ClientID) int {
	snap, ok := r.StreamSnapshot(streamID)
	if !ok {
		return 0
	}
	n := 0
	for _, sub := range snap.Subscribers {
		if sub.ID != except && !sub.CascadeOut {
			n++
		}
	}
	return n
}
