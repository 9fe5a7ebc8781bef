// Package httpapi is the node's HTTP signaling surface: WHIP/WHEP
// negotiation, the session PATCH/DELETE sub-resource, the admin
// streams CRUD+list, and the cascade trigger.
package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/adminfeed"
	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/auth"
	"github.com/riftcast/sfu/internal/cascade"
	"github.com/riftcast/sfu/internal/metrics"
	"github.com/riftcast/sfu/internal/session"
	"github.com/riftcast/sfu/internal/stream"
	"github.com/riftcast/sfu/internal/transport"
)

// Server wires every dependency the node's HTTP surface needs.
// Building it takes already-constructed components rather than config,
// so tests can assemble a Server around a FakeFacade without touching
// the filesystem.
type Server struct {
	registry     *stream.Registry
	sessions     *session.Manager
	facade       transport.Facade
	authn        *auth.Authenticator
	streamTokens *auth.StreamTokenMinter
	cascadeCtl   *cascade.Controller
	feed         *adminfeed.Hub
	metrics      *metrics.Metrics
	log          *logrus.Entry
	iceServers   []webrtc.ICEServer
	cors         bool

	Engine *gin.Engine
}

type Config struct {
	Registry     *stream.Registry
	Sessions     *session.Manager
	Facade       transport.Facade
	Auth         *auth.Authenticator
	StreamTokens *auth.StreamTokenMinter // nil disables manager-minted stream tokens
	Cascade      *cascade.Controller     // nil disables the /api/cascade endpoint
	Feed         *adminfeed.Hub          // nil disables /api/events
	Metrics      *metrics.Metrics
	Log          *logrus.Entry
	ICEServers   []webrtc.ICEServer
	CORS         bool // browsers doing WHIP/WHEP directly against the node need this
}

func NewServer(cfg Config) *Server {
	s := &Server{
		registry: cfg.Registry, sessions: cfg.Sessions, facade: cfg.Facade,
		authn: cfg.Auth, streamTokens: cfg.StreamTokens,
		cascadeCtl: cfg.Cascade, feed: cfg.Feed,
		metrics: cfg.Metrics, log: cfg.Log.WithField("component", "httpapi"),
		iceServers: cfg.ICEServers, cors: cfg.CORS,
	}
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

// corsHeaders implements the usual WHIP/WHEP CORS convention: allow any
// origin, expose Location/ETag so the client can find its session
// resource, and answer preflight OPTIONS with 204.
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
		// OPTIONS preflight never matches a registered method, so it
		// falls through to NoRoute; corsHeaders answers it directly.
		r.NoRoute(s.corsHeaders)
	}
	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	authed := r.Group("/")
	authed.Use(s.requireAuth)

	authed.POST("/whip/:stream", s.handleWHIP)
	authed.POST("/whep/:stream", s.handleWHEP)
	authed.PATCH("/session/:stream/:id", s.handleSessionPatch)
	authed.DELETE("/session/:stream/:id", s.handleSessionDelete)
	authed.POST("/session/:stream/:id/layer", s.handleLayerSelect)
	authed.DELETE("/session/:stream/:id/layer", s.handleLayerUnselect)
	authed.POST("/session/:stream/:id/mute", s.handleMute)

	authed.POST("/api/streams/:stream", s.handleAdminCreate)
	authed.DELETE("/api/streams/:stream", s.handleAdminDestroy)
	authed.GET("/api/streams/", s.handleAdminList)
	authed.GET("/api/streams/:stream", s.handleAdminGet)

	if s.cascadeCtl != nil {
		authed.POST("/api/cascade/:stream", s.handleCascade)
		authed.DELETE("/api/cascade/:stream", s.handleCascadeDelete)
	}
	if s.feed != nil {
		authed.GET("/api/events", s.handleEvents)
	}
}

// requireAuth accepts any statically configured credential, or — when a
// stream-token minter is configured and the route names a stream — a
// manager-minted token scoped to that stream.
func (s *Server) requireAuth(c *gin.Context) {
	if s.authn == nil || !s.authn.Enabled() {
		return
	}
	err := s.authn.CheckHTTP(c.Request)
	if err == nil {
		return
	}
	if s.streamTokens != nil {
		if streamID := c.Param("stream"); streamID != "" {
			if tok, ok := auth.BearerToken(c.Request); ok {
				if s.streamTokens.Verify(streamID, tok) == nil {
					return
				}
			}
		}
	}
	writeErr(c, err)
	c.Abort()
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeErr maps an apierr.Error (or any other error) onto a
// status/body pair with a machine-readable code.
func writeErr(c *gin.Context, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		c.JSON(apiErr.Status(), gin.H{"code": apiErr.Code, "message": apiErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": "Internal", "message": err.Error()})
}

func readSDPBody(c *gin.Context) (string, error) {
	b, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		return "", apierr.Client(apierr.CodeBadSDP, "failed to read request body")
	}
	return string(b), nil
}

// handleWHIP is the publisher ingest endpoint: one-shot offer in,
// answer out, session resource in the Location header.
func (s *Server) handleWHIP(c *gin.Context) {
	streamID := stream.ID(c.Param("stream"))
	offer, err := readSDPBody(c)
	if err != nil {
		writeErr(c, err)
		return
	}
	reforward := c.GetHeader(cascade.DepthHeader) != ""

	sess, answer, err := session.NegotiatePublish(s.registry, s.facade, streamID, offer, s.iceServers, reforward, s.log)
	if err != nil {
		writeErr(c, err)
		return
	}
	s.sessions.Put(sess)
	s.notify("publisher.attached", streamID, sess.ID)

	c.Header("Location", "/session/"+string(streamID)+"/"+string(sess.ID))
	c.Data(http.StatusCreated, "application/sdp", []byte(answer))
}

// handleWHEP is the subscriber egress endpoint.
func (s *Server) handleWHEP(c *gin.Context) {
	streamID := stream.ID(c.Param("stream"))
	offer, err := readSDPBody(c)
	if err != nil {
		writeErr(c, err)
		return
	}
	if _, ok := s.registry.Get(streamID); !ok {
		writeErr(c, apierr.Client(apierr.CodeNoStream, "stream not found"))
		return
	}
	cascadeOut := c.GetHeader(cascade.DepthHeader) != ""

	sess, answer, err := session.NegotiateSubscribe(s.registry, s.facade, streamID, offer, s.iceServers, cascadeOut, s.log)
	if err != nil {
		writeErr(c, err)
		return
	}
	s.sessions.Put(sess)
	s.notify("subscriber.attached", streamID, sess.ID)

	c.Header("Location", "/session/"+string(streamID)+"/"+string(sess.ID))
	c.Data(http.StatusCreated, "application/sdp", []byte(answer))
}

// handleSessionPatch applies trickle-ICE candidates or an ICE restart
// fragment; an empty body is a no-op 204.
func (s *Server) handleSessionPatch(c *gin.Context) {
	id := stream.ClientID(c.Param("id"))
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeErr(c, apierr.Client(apierr.CodeNotFound, "session not found"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		writeErr(c, apierr.Client(apierr.CodeBadRequest, "failed to read patch body"))
		return
	}
	if err := sess.Patch(string(body)); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSessionDelete terminates a session. Deleting twice succeeds
// both times so a retried DELETE is harmless.
func (s *Server) handleSessionDelete(c *gin.Context) {
	id := stream.ClientID(c.Param("id"))
	sess, ok := s.sessions.Get(id)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	_ = sess.Terminate()
	s.notify("session.terminated", stream.ID(c.Param("stream")), id)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAdminCreate(c *gin.Context) {
	streamID := stream.ID(c.Param("stream"))
	if _, ok := s.registry.Get(streamID); ok {
		writeErr(c, apierr.Client(apierr.CodeStreamExists, "stream already exists"))
		return
	}
	if _, err := s.registry.Create(streamID); err != nil {
		writeErr(c, err)
		return
	}
	s.notify("stream.created", streamID, "")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAdminDestroy(c *gin.Context) {
	streamID := stream.ID(c.Param("stream"))
	if err := s.registry.Destroy(streamID); err != nil {
		writeErr(c, err)
		return
	}
	s.notify("stream.destroyed", streamID, "")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAdminList(c *gin.Context) {
	c.JSON(http.StatusOK, toJSONSnapshots(s.registry.List()))
}

func (s *Server) handleAdminGet(c *gin.Context) {
	streamID := stream.ID(c.Param("stream"))
	snap, ok := s.registry.StreamSnapshot(streamID)
	if !ok {
		writeErr(c, apierr.Client(apierr.CodeNoStream, "stream not found"))
		return
	}
	c.JSON(http.StatusOK, toJSONSnapshot(snap))
}

func (s *Server) subscriberSession(c *gin.Context) (*session.Session, bool) {
	id := stream.ClientID(c.Param("id"))
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeErr(c, apierr.Client(apierr.CodeNotFound, "session not found"))
		return nil, false
	}
	return sess, true
}

// handleLayerSelect queues a simulcast layer change for a subscriber
// session; the switch lands on the chosen layer's next keyframe.
func (s *Server) handleLayerSelect(c *gin.Context) {
	sess, ok := s.subscriberSession(c)
	if !ok {
		return
	}
	var req struct {
		EncodingID string `json:"encodingId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.EncodingID == "" {
		writeErr(c, apierr.Client(apierr.CodeBadRequest, "encodingId is required"))
		return
	}
	if err := sess.SelectLayer(stream.Layer(req.EncodingID)); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleLayerUnselect returns a subscriber to automatic layer choice.
func (s *Server) handleLayerUnselect(c *gin.Context) {
	sess, ok := s.subscriberSession(c)
	if !ok {
		return
	}
	if err := sess.SelectLayer(stream.LayerAuto); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleMute flips a subscriber's per-kind enable bits. Absent fields
// are left unchanged.
func (s *Server) handleMute(c *gin.Context) {
	sess, ok := s.subscriberSession(c)
	if !ok {
		return
	}
	var req struct {
		Audio *bool `json:"audio"`
		Video *bool `json:"video"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.Audio == nil && req.Video == nil) {
		writeErr(c, apierr.Client(apierr.CodeBadRequest, "audio and/or video mute flag is required"))
		return
	}
	if req.Audio != nil {
		if err := sess.SetMute(stream.KindAudio, *req.Audio); err != nil {
			writeErr(c, err)
			return
		}
	}
	if req.Video != nil {
		if err := sess.SetMute(stream.KindVideo, *req.Video); err != nil {
			writeErr(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// cascadeRequest is the cascade trigger body: targetUrl starts a push
// toward that node, sourceUrl starts a pull from it.
type cascadeRequest struct {
	SourceURL string `json:"sourceUrl"`
	TargetURL string `json:"targetUrl"`
	Token     string `json:"token"`
}

func (s *Server) handleCascade(c *gin.Context) {
	streamID := stream.ID(c.Param("stream"))
	var req cascadeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apierr.Client(apierr.CodeBadRequest, "malformed cascade request body"))
		return
	}
	if req.TargetURL == "" && req.SourceURL == "" {
		writeErr(c, apierr.Client(apierr.CodeBadRequest, "sourceUrl or targetUrl is required"))
		return
	}

	depth := 0
	if d := c.GetHeader(cascade.DepthHeader); d != "" {
		depth = parseDepth(d)
	}
	authHeader := ""
	if req.Token != "" {
		authHeader = "Bearer " + req.Token
	}

	if req.TargetURL != "" {
		if err := s.cascadeCtl.Push(streamID, req.TargetURL, authHeader, depth); err != nil {
			writeErr(c, err)
			return
		}
		s.notify("cascade.push.started", streamID, "")
	}
	if req.SourceURL != "" {
		if err := s.cascadeCtl.Pull(streamID, req.SourceURL, authHeader, depth); err != nil {
			writeErr(c, err)
			return
		}
		s.notify("cascade.pull.started", streamID, "")
	}
	c.Status(http.StatusOK)
}

// handleCascadeDelete closes this node's push cascade(s) for the
// stream, the collapse instruction the manager sends when folding a
// fanned-out tree back in.
func (s *Server) handleCascadeDelete(c *gin.Context) {
	streamID := stream.ID(c.Param("stream"))
	if err := s.cascadeCtl.ClosePush(streamID); err != nil {
		writeErr(c, err)
		return
	}
	s.notify("cascade.push.closed", streamID, "")
	c.Status(http.StatusNoContent)
}

func parseDepth(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := adminfeed.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.feed.Serve(conn)
}

func (s *Server) notify(eventType string, streamID stream.ID, sessionID stream.ClientID) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(adminfeed.Event{Type: eventType, StreamID: string(streamID), SessionID: string(sessionID)})
}
