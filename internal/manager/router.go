package manager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/auth"
	"github.com/riftcast/sfu/internal/config"
	"github.com/riftcast/sfu/internal/metrics"
)

// nodeStreamView mirrors the JSON a node's GET /api/streams/ returns
// (internal/httpapi's toJSONSnapshot shape), just enough of it for the
// Router to derive live publish/subscribe counts without the node
// exposing a bespoke stats endpoint.
type nodeStreamView struct {
	ID          string    `json:"id"`
	Publisher   *struct{} `json:"publisher"`
	Subscribers []struct {
		CascadeOut bool `json:"cascade_out"`
	} `json:"subscribers"`
}

// nodeStats is the live load snapshot the Router polls from each node,
// cached for check_tick_time so node selection and the collapse sweep
// don't hammer every node on every request.
type nodeStats struct {
	publish   int
	subscribe int
}

// Router picks nodes, proxies the WHIP/WHEP SDP exchange
// byte-for-byte, and drives cascade bring-up/collapse between nodes.
// It never holds media.
type Router struct {
	dir    *Directory
	client *http.Client
	log    *logrus.Entry
	metr   *metrics.Metrics

	cascadeCfg   config.Cascade
	minter       *auth.StreamTokenMinter
	tokenEnabled bool

	statsCache *gocache.Cache // alias -> nodeStats

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRouter(dir *Directory, cascadeCfg config.Cascade, secret string, metr *metrics.Metrics, log *logrus.Entry) *Router {
	tick := cascadeCfg.CheckInterval()
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	r := &Router{
		dir:          dir,
		client:       &http.Client{Timeout: 5 * time.Second},
		log:          log.WithField("component", "manager-router"),
		metr:         metr,
		cascadeCfg:   cascadeCfg,
		minter:       auth.NewStreamTokenMinter(secret),
		tokenEnabled: secret != "",
		statsCache:   gocache.New(tick, 2*tick),
		stopCh:       make(chan struct{}),
	}
	go r.collapseSweep(tick)
	return r
}

func (r *Router) Stop() { r.stopOnce.Do(func() { close(r.stopCh) }) }

// MintToken mints a stream-scoped token a routed client can present
// directly to the node it was sent to. Returns "" when no signing
// secret is configured.
func (r *Router) MintToken(streamID string, ttl time.Duration) string {
	if !r.tokenEnabled {
		return ""
	}
	return r.minter.Mint(streamID, ttl)
}

// stats returns the cached (or freshly polled) load of alias, by
// asking the node's own admin listing how many streams it is
// publishing/subscribing. A poll failure is treated as zero load with
// a logged warning rather than failing the caller, so an unreachable
// node looks idle and sorts first in nodesByLoad's ascending order
// until its cached entry expires.
func (r *Router) stats(n NodeRecord) nodeStats {
	if v, ok := r.statsCache.Get(n.Alias); ok {
		return v.(nodeStats)
	}
	st := r.pollStats(n)
	r.statsCache.SetDefault(n.Alias, st)
	return st
}

func (r *Router) pollStats(n NodeRecord) nodeStats {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(n.URL, "/")+"/api/streams/", nil)
	if err != nil {
		return nodeStats{}
	}
	if n.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+n.Auth)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.WithError(err).WithField("node", n.Alias).Warn("node stats poll failed")
		return nodeStats{}
	}
	defer resp.Body.Close()
	var views []nodeStreamView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nodeStats{}
	}
	st := nodeStats{}
	for _, v := range views {
		if v.Publisher != nil {
			st.publish++
		}
		// Synthetic cascade legs are infrastructure, not viewers; they
		// must not count against sub_max or hold off a collapse.
		for _, sub := range v.Subscribers {
			if !sub.CascadeOut {
				st.subscribe++
			}
		}
	}
	return st
}

// nodesByLoad returns every known node sorted by the given load
// accessor ascending, with alias lexicographic order as the
// deterministic tie-break.
func (r *Router) nodesByLoad(load func(nodeStats) int) ([]NodeRecord, error) {
	nodes, err := r.dir.Nodes()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		li, lj := load(r.stats(nodes[i])), load(r.stats(nodes[j]))
		if li != lj {
			return li < lj
		}
		return nodes[i].Alias < nodes[j].Alias
	})
	return nodes, nil
}

// SelectPublisher picks the node a new publisher should land on:
// honor existing affinity when the node is still registered; otherwise
// pick the least-loaded node with publish capacity left.
func (r *Router) SelectPublisher(streamID string) (NodeRecord, error) {
	if aliases, err := r.dir.AffinityFor(streamID); err == nil && len(aliases) > 0 {
		if n, ok, err := r.dir.NodeByAlias(aliases[0]); err == nil && ok {
			return n, nil
		}
	}
	nodes, err := r.nodesByLoad(func(s nodeStats) int { return s.publish })
	if err != nil {
		return NodeRecord{}, apierr.Internal("DirectoryError", "failed to list nodes", err)
	}
	for _, n := range nodes {
		if r.stats(n).publish < n.PubMax || n.PubMax == 0 {
			return n, nil
		}
	}
	return NodeRecord{}, apierr.Client(apierr.CodePubAtCapacity, "no node with publish capacity available")
}

// SelectSubscriber picks the node a new subscriber should land on:
// the stream's home node if it has room, otherwise a second node with
// capacity — in which case needsCascadeFrom names the home node a push
// cascade must be brought up from before the subscriber can be routed.
// needsCascadeFrom is "" when no cascade is required.
func (r *Router) SelectSubscriber(streamID string) (target NodeRecord, needsCascadeFrom string, err error) {
	aliases, err := r.dir.AffinityFor(streamID)
	if err != nil {
		return NodeRecord{}, "", apierr.Internal("DirectoryError", "failed to read affinity", err)
	}
	if len(aliases) == 0 {
		return NodeRecord{}, "", apierr.Client(apierr.CodeNoStream, "stream has no known home node")
	}
	home, ok, err := r.dir.NodeByAlias(aliases[0])
	if err != nil || !ok {
		return NodeRecord{}, "", apierr.Client(apierr.CodeNoStream, "stream's home node is not registered")
	}
	if r.stats(home).subscribe < home.SubMax || home.SubMax == 0 {
		return home, "", nil
	}

	nodes, err := r.nodesByLoad(func(s nodeStats) int { return s.subscribe })
	if err != nil {
		return NodeRecord{}, "", apierr.Internal("DirectoryError", "failed to list nodes", err)
	}
	for _, n := range nodes {
		if n.Alias == home.Alias {
			continue
		}
		if r.stats(n).subscribe < n.SubMax || n.SubMax == 0 {
			return n, home.Alias, nil
		}
	}
	return NodeRecord{}, "", apierr.Transport(apierr.CodeCascadeUnavailable, "no second node with subscribe capacity available")
}

// BringUpCascade instructs sourceAlias to push streamID to target's
// WHIP ingest, then polls check_attempts times spaced
// check_tick_time_ms/check_attempts apart for the resulting publisher
// to reach "connected" on target before giving up with
// CascadeUnavailable.
func (r *Router) BringUpCascade(streamID, sourceAlias, targetAlias string) error {
	source, ok, err := r.dir.NodeByAlias(sourceAlias)
	if err != nil || !ok {
		return apierr.Internal("DirectoryError", "source node not registered", err)
	}
	target, ok, err := r.dir.NodeByAlias(targetAlias)
	if err != nil || !ok {
		return apierr.Internal("DirectoryError", "target node not registered", err)
	}

	body, _ := json.Marshal(map[string]string{
		"targetUrl": strings.TrimRight(target.URL, "/") + "/whip/" + streamID,
	})
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(source.URL, "/")+"/api/cascade/"+streamID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if source.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+source.Auth)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return apierr.TransportWrap(apierr.CodeCascadeUnavailable, "cascade bring-up request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return apierr.Transport(apierr.CodeCascadeUnavailable, fmt.Sprintf("source node refused cascade: %d %s", resp.StatusCode, string(b)))
	}

	attempts := r.cascadeCfg.CheckAttempts
	if attempts <= 0 {
		attempts = 5
	}
	spacing := r.cascadeCfg.AttemptSpacing()
	for i := 0; i < attempts; i++ {
		time.Sleep(spacing)
		if r.cascadeConnected(target, streamID) {
			if err := r.dir.RecordAffinity(streamID, targetAlias); err != nil {
				return apierr.Internal("DirectoryError", "failed to record cascade affinity", err)
			}
			return nil
		}
	}
	return apierr.Transport(apierr.CodeCascadeUnavailable, "cascade did not reach connected within check_attempts")
}

func (r *Router) cascadeConnected(target NodeRecord, streamID string) bool {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(target.URL, "/")+"/api/streams/"+streamID, nil)
	if err != nil {
		return false
	}
	if target.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+target.Auth)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var view struct {
		Publisher *struct {
			State string `json:"state"`
		} `json:"publisher"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return false
	}
	return view.Publisher != nil && view.Publisher.State == "connected"
}

// collapseSweep periodically re-evaluates fanned-out streams: when a
// cascaded stream's home node reports zero local subscribers and
// close_other_sub is set, the manager instructs the home node to close
// its push cascade and drops the now-stale affinity row, letting the
// fanned-out node become the sole home again.
func (r *Router) collapseSweep(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.collapseOnce()
		}
	}
}

func (r *Router) collapseOnce() {
	if !r.cascadeCfg.CloseOtherSub {
		return
	}
	nodes, err := r.dir.Nodes()
	if err != nil {
		return
	}
	for _, home := range nodes {
		streams, err := r.dir.StreamsForNode(home.Alias)
		if err != nil {
			continue
		}
		for _, streamID := range streams {
			aliases, err := r.dir.AffinityFor(streamID)
			if err != nil || len(aliases) < 2 || aliases[0] != home.Alias {
				continue
			}
			r.statsCache.Delete(home.Alias)
			if r.stats(home).subscribe > 0 {
				continue
			}
			r.collapse(streamID, home.Alias)
		}
	}
}

func (r *Router) collapse(streamID, homeAlias string) {
	home, ok, err := r.dir.NodeByAlias(homeAlias)
	if err != nil || !ok {
		return
	}
	req, err := http.NewRequest(http.MethodDelete, strings.TrimRight(home.URL, "/")+"/api/cascade/"+streamID, nil)
	if err != nil {
		return
	}
	if home.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+home.Auth)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.WithError(err).WithField("stream", streamID).Warn("cascade collapse DELETE failed")
		return
	}
	resp.Body.Close()
	if err := r.dir.RemoveAffinity(streamID, homeAlias); err != nil {
		r.log.WithError(err).Warn("failed to drop stale affinity row after collapse")
		return
	}
	r.metr.ManagerCollapses.Inc()
}
