package manager

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/auth"
	"github.com/riftcast/sfu/internal/metrics"
)

// Server is the manager's HTTP surface: it accepts the same
// WHIP/WHEP/PATCH/DELETE shapes a node does, but every handler proxies
// to a chosen node rather than touching media itself.
type Server struct {
	router *Router
	dir    *Directory
	authn  *auth.Authenticator
	metr   *metrics.Metrics
	log    *logrus.Entry
	cors   bool

	Engine *gin.Engine
}

type ServerConfig struct {
	Router *Router
	Dir    *Directory
	Auth   *auth.Authenticator
	Metr   *metrics.Metrics
	Log    *logrus.Entry
	CORS   bool
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{router: cfg.Router, dir: cfg.Dir, authn: cfg.Auth, metr: cfg.Metr, log: cfg.Log.WithField("component", "manager-http"), cors: cfg.CORS}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger)
	if s.cors {
		r.Use(s.corsHeaders)
	}
	s.routes(r)
	s.Engine = r
	return s
}

// corsHeaders mirrors internal/httpapi's CORS handling so a browser
// client can hit the manager directly instead of only a node.
func (s *Server) corsHeaders(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Headers", "*")
	c.Header("Access-Control-Expose-Headers", "Location, ETag")
	if c.Request.Method == http.MethodOptions {
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func (s *Server) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.WithFields(logrus.Fields{
		"method": c.Request.Method, "path": c.Request.URL.Path,
		"status": c.Writer.Status(), "duration": time.Since(start),
	}).Debug("http request")
}

func (s *Server) routes(r *gin.Engine) {
	if s.cors {
		r.NoRoute(s.corsHeaders)
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metr.Registry, promhttp.HandlerOpts{})))

	g := r.Group("/")
	g.Use(s.requireAuth)

	g.POST("/whip/:stream", s.handleWHIP)
	g.POST("/whep/:stream", s.handleWHEP)
	g.PATCH("/session/:alias/:stream/:id", s.handleProxyPatch)
	g.DELETE("/session/:alias/:stream/:id", s.handleProxyDelete)
	g.POST("/session/:alias/:stream/:id/layer", func(c *gin.Context) { s.proxySession(c, http.MethodPost, "/layer") })
	g.DELETE("/session/:alias/:stream/:id/layer", func(c *gin.Context) { s.proxySession(c, http.MethodDelete, "/layer") })
	g.POST("/session/:alias/:stream/:id/mute", func(c *gin.Context) { s.proxySession(c, http.MethodPost, "/mute") })
	g.GET("/api/nodes/", s.handleNodes)
}

func (s *Server) requireAuth(c *gin.Context) {
	if s.authn == nil {
		return
	}
	if err := s.authn.CheckHTTP(c.Request); err != nil {
		writeErr(c, err)
		c.Abort()
	}
}

func writeErr(c *gin.Context, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		c.JSON(apiErr.Status(), gin.H{"code": apiErr.Code, "message": apiErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": "Internal", "message": err.Error()})
}

// handleWHIP rejects a second publisher for a stream already
// affiliated elsewhere, else picks a node, proxies the SDP exchange,
// and records affinity.
func (s *Server) handleWHIP(c *gin.Context) {
	streamID := c.Param("stream")

	aliases, err := s.dir.AffinityFor(streamID)
	if err != nil {
		writeErr(c, apierr.Internal("DirectoryError", "affinity lookup failed", err))
		return
	}
	if len(aliases) > 0 {
		writeErr(c, apierr.Client(apierr.CodeAlreadyPublishing, "stream is already live on node "+aliases[0]))
		return
	}

	node, err := s.router.SelectPublisher(streamID)
	if err != nil {
		writeErr(c, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		writeErr(c, apierr.Client(apierr.CodeBadSDP, "failed to read request body"))
		return
	}
	status, answer, location, err := proxySDP(s.router.client, http.MethodPost, strings.TrimRight(node.URL, "/")+"/whip/"+streamID, node.Auth, body)
	if err != nil {
		s.metr.ManagerProxyErrors.Inc()
		writeErr(c, apierr.TransportWrap(apierr.CodeCascadeUnavailable, "failed to proxy WHIP to node", err))
		return
	}
	if status != http.StatusCreated {
		c.Data(status, "application/json", answer)
		return
	}
	if err := s.dir.RecordAffinity(streamID, node.Alias); err != nil {
		writeErr(c, apierr.Internal("DirectoryError", "failed to record affinity", err))
		return
	}
	// With a signing secret configured, hand the publisher a
	// stream-scoped token it can share with its viewers; nodes accept it
	// in place of a static credential, so viewers can skip the manager.
	if tok := s.router.MintToken(streamID, 12*time.Hour); tok != "" {
		c.Header("X-Stream-Token", tok)
	}
	c.Header("Location", rewriteLocation(node.Alias, location))
	c.Data(http.StatusCreated, "application/sdp", answer)
}

// handleWHEP routes to the stream's home node if it has room, else
// brings up a push cascade to a second node and routes there instead.
func (s *Server) handleWHEP(c *gin.Context) {
	streamID := c.Param("stream")

	target, needsCascadeFrom, err := s.router.SelectSubscriber(streamID)
	if err != nil {
		writeErr(c, err)
		return
	}
	if needsCascadeFrom != "" {
		if err := s.router.BringUpCascade(streamID, needsCascadeFrom, target.Alias); err != nil {
			writeErr(c, err)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		writeErr(c, apierr.Client(apierr.CodeBadSDP, "failed to read request body"))
		return
	}
	status, answer, location, err := proxySDP(s.router.client, http.MethodPost, strings.TrimRight(target.URL, "/")+"/whep/"+streamID, target.Auth, body)
	if err != nil {
		s.metr.ManagerProxyErrors.Inc()
		writeErr(c, apierr.TransportWrap(apierr.CodeCascadeUnavailable, "failed to proxy WHEP to node", err))
		return
	}
	if status != http.StatusCreated {
		c.Data(status, "application/json", answer)
		return
	}
	c.Header("Location", rewriteLocation(target.Alias, location))
	c.Data(http.StatusCreated, "application/sdp", answer)
}

// handleProxyPatch forwards a trickle-ICE PATCH to the node the
// session's Location header named.
func (s *Server) handleProxyPatch(c *gin.Context) {
	s.proxySession(c, http.MethodPatch, "")
}

// handleProxyDelete forwards a session teardown DELETE.
func (s *Server) handleProxyDelete(c *gin.Context) {
	s.proxySession(c, http.MethodDelete, "")
}

// proxySession forwards a session sub-resource request (PATCH, DELETE,
// layer, mute) to the node named by the alias segment the manager
// wrote into the rewritten Location header.
func (s *Server) proxySession(c *gin.Context, method, suffix string) {
	alias := c.Param("alias")
	streamID := c.Param("stream")
	id := c.Param("id")

	node, ok, err := s.dir.NodeByAlias(alias)
	if err != nil || !ok {
		writeErr(c, apierr.Client(apierr.CodeNotFound, "unknown node alias in session URL"))
		return
	}
	body, _ := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))

	req, err := http.NewRequest(method, strings.TrimRight(node.URL, "/")+"/session/"+streamID+"/"+id+suffix, strings.NewReader(string(body)))
	if err != nil {
		writeErr(c, apierr.Internal("ProxyError", "failed to build proxy request", err))
		return
	}
	if ct := c.Request.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if node.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+node.Auth)
	}
	resp, err := s.router.client.Do(req)
	if err != nil {
		s.metr.ManagerProxyErrors.Inc()
		writeErr(c, apierr.TransportWrap(apierr.CodeCascadeUnavailable, "failed to proxy to node", err))
		return
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
}

// handleNodes lists every registered node with its load. Load comes
// from the router's TTL cache, polled synchronously on a cache miss,
// so a value can be up to one cache TTL old; a node whose poll failed
// reports 0/0.
func (s *Server) handleNodes(c *gin.Context) {
	nodes, err := s.dir.Nodes()
	if err != nil {
		writeErr(c, apierr.Internal("DirectoryError", "failed to list nodes", err))
		return
	}
	type view struct {
		Alias     string `json:"alias"`
		URL       string `json:"url"`
		PubMax    int    `json:"pub_max"`
		SubMax    int    `json:"sub_max"`
		Status    string `json:"status"`
		Publish   int    `json:"publish"`
		Subscribe int    `json:"subscribe"`
	}
	out := make([]view, 0, len(nodes))
	for _, n := range nodes {
		st := s.router.stats(n)
		out = append(out, view{
			Alias: n.Alias, URL: n.URL, PubMax: n.PubMax, SubMax: n.SubMax,
			Status: n.Status, Publish: st.publish, Subscribe: st.subscribe,
		})
	}
	c.JSON(http.StatusOK, out)
}

// proxySDP POSTs an SDP body to a node and returns its status, body,
// and Location header verbatim — the manager never rewrites SDP
// content, only the session URL it hands back to the client.
func proxySDP(client *http.Client, method, url, bearer string, body []byte) (status int, respBody []byte, location string, err error) {
	req, err := http.NewRequest(method, url, strings.NewReader(string(body)))
	if err != nil {
		return 0, nil, "", err
	}
	req.Header.Set("Content-Type", "application/sdp")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, "", err
	}
	return resp.StatusCode, b, resp.Header.Get("Location"), nil
}

// rewriteLocation turns a node's own "/session/{stream}/{id}" Location
// into the manager-addressable "/session/{alias}/{stream}/{id}" so a
// later PATCH/DELETE on it can be routed back to the right node
// without the manager keeping a separate session table.
func rewriteLocation(alias, nodeLocation string) string {
	return "/session/" + alias + strings.TrimPrefix(nodeLocation, "/session")
}
