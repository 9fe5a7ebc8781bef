package cascade

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/config"
	"github.com/riftcast/sfu/internal/stream"
	"github.com/riftcast/sfu/internal/transport"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testRegistry(t *testing.T) (*stream.Registry, transport.Facade) {
	t.Helper()
	facade := transport.NewFakeFacade()
	r := stream.NewRegistry(facade, nil, testLog(), stream.Limits{
		MaxSubscribersPerStream: 10,
		PublisherLeaveGrace:     time.Second,
		LayerSwitchTimeout:      time.Second,
		IdleCheckTick:           time.Hour, // tests drive reaping explicitly
	})
	t.Cleanup(r.Stop)
	return r, facade
}

func fakeRemote(t *testing.T, wantLocation string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(DepthHeader) == "" {
			t.Errorf("expected %s header to be set on outbound cascade request", DepthHeader)
		}
		w.Header().Set("Location", wantLocation)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("fake-remote-answer-sdp"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPushCascadeCreatesSyntheticSubscriber(t *testing.T) {
	registry, facade := testRegistry(t)
	srv := fakeRemote(t, "http://remote/sessions/1")

	// The stream needs to exist (with or without a publisher) before a
	// push cascade can subscribe to it.
	if _, err := registry.Create("room1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctrl := New(registry, facade, config.Cascade{MaxDepth: 1, CheckTickTimeMS: 3600000, MaximumIdleTimeSec: 3600}, false, nil, testLog())
	defer ctrl.Stop()

	if err := ctrl.Push("room1", srv.URL, "", 0); err != nil {
		t.Fatalf("push: %v", err)
	}

	snap, ok := registry.StreamSnapshot("room1")
	if !ok || len(snap.Subscribers) != 1 {
		t.Fatalf("expected one synthetic subscriber, got %+v", snap)
	}
	if len(snap.Cascade) != 1 || snap.Cascade[0].Mode != string(ModePush) {
		t.Fatalf("expected cascade snapshot recorded, got %+v", snap.Cascade)
	}
}

func TestPushCascadeRejectsAtMaxDepth(t *testing.T) {
	registry, facade := testRegistry(t)
	if _, err := registry.Create("room1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	ctrl := New(registry, facade, config.Cascade{MaxDepth: 1, CheckTickTimeMS: 3600000, MaximumIdleTimeSec: 3600}, false, nil, testLog())
	defer ctrl.Stop()

	err := ctrl.Push("room1", "http://example.invalid", "", 1)
	if err == nil {
		t.Fatal("expected loop-prevention error at max depth")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeLoop {
		t.Fatalf("got %v, want Loop", err)
	}
}

func TestPullCascadeCreatesSyntheticPublisher(t *testing.T) {
	registry, facade := testRegistry(t)
	srv := fakeRemote(t, "http://remote/sessions/2")

	ctrl := New(registry, facade, config.Cascade{MaxDepth: 1, CheckTickTimeMS: 3600000, MaximumIdleTimeSec: 3600}, false, nil, testLog())
	defer ctrl.Stop()

	if err := ctrl.Pull("room2", srv.URL, "", 0); err != nil {
		t.Fatalf("pull: %v", err)
	}

	snap, ok := registry.StreamSnapshot("room2")
	if !ok || snap.Publisher == nil || !snap.Publisher.Reforward {
		t.Fatalf("expected reforwarding publisher, got %+v", snap)
	}
}

func TestClosePushTearsDownActiveLeg(t *testing.T) {
	registry, facade := testRegistry(t)
	srv := fakeRemote(t, "http://remote/sessions/4")
	if _, err := registry.Create("room1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctrl := New(registry, facade, config.Cascade{MaxDepth: 1, CheckTickTimeMS: 3600000, MaximumIdleTimeSec: 3600}, false, nil, testLog())
	defer ctrl.Stop()

	if err := ctrl.Push("room1", srv.URL, "", 0); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := ctrl.ClosePush("room1"); err != nil {
		t.Fatalf("close push: %v", err)
	}

	snap, ok := registry.StreamSnapshot("room1")
	if !ok || len(snap.Subscribers) != 0 {
		t.Fatalf("expected synthetic subscriber removed after close, got %+v", snap)
	}
}

func TestClosePushNoActiveLegReturnsNotFound(t *testing.T) {
	registry, facade := testRegistry(t)
	ctrl := New(registry, facade, config.Cascade{MaxDepth: 1, CheckTickTimeMS: 3600000, MaximumIdleTimeSec: 3600}, false, nil, testLog())
	defer ctrl.Stop()

	err := ctrl.ClosePush("room-nonexistent")
	if err == nil {
		t.Fatal("expected error when no push cascade is active")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeNotFound {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestPushIsIdempotentPerRemote(t *testing.T) {
	registry, facade := testRegistry(t)
	srv := fakeRemote(t, "http://remote/sessions/3")
	if _, err := registry.Create("room1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctrl := New(registry, facade, config.Cascade{MaxDepth: 1, CheckTickTimeMS: 3600000, MaximumIdleTimeSec: 3600}, false, nil, testLog())
	defer ctrl.Stop()

	if err := ctrl.Push("room1", srv.URL, "", 0); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := ctrl.Push("room1", srv.URL, "", 0); err != nil {
		t.Fatalf("second push: %v", err)
	}

	snap, _ := registry.StreamSnapshot("room1")
	if len(snap.Subscribers) != 1 {
		t.Fatalf("expected exactly one synthetic subscriber after duplicate push, got %d", len(snap.Subscribers))
	}
}

func TestSplitEndpoint(t *testing.T) {
	cases := []struct {
		raw              string
		kind             string
		local            stream.ID
		base, remote, ep string
	}{
		{"http://b:7779/whip/999", "whip", "888", "http://b:7779", "999", "http://b:7779/whip/999"},
		{"http://b:7779", "whip", "888", "http://b:7779", "888", "http://b:7779/whip/888"},
		{"http://b:7779/", "whep", "888", "http://b:7779", "888", "http://b:7779/whep/888"},
	}
	for _, c := range cases {
		base, remote, ep := splitEndpoint(c.raw, c.kind, c.local)
		if base != c.base || remote != stream.ID(c.remote) || ep != c.ep {
			t.Errorf("splitEndpoint(%q) = (%q, %q, %q), want (%q, %q, %q)",
				c.raw, base, remote, ep, c.base, c.remote, c.ep)
		}
	}
}

func TestPushToFullEndpointKeepsRemoteStreamID(t *testing.T) {
	registry, facade := testRegistry(t)
	if _, err := registry.Create("888"); err != nil {
		t.Fatalf("create: %v", err)
	}

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Location", "/session/999/abc")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("fake-remote-answer-sdp"))
	}))
	defer srv.Close()

	ctrl := New(registry, facade, config.Cascade{MaxDepth: 1, CheckTickTimeMS: 3600000, MaximumIdleTimeSec: 3600}, false, nil, testLog())
	defer ctrl.Stop()

	if err := ctrl.Push("888", srv.URL+"/whip/999", "", 0); err != nil {
		t.Fatalf("push: %v", err)
	}
	if gotPath != "/whip/999" {
		t.Fatalf("remote path = %q, want /whip/999", gotPath)
	}
}

func TestPushCloseSubClosesPlainViewers(t *testing.T) {
	registry, facade := testRegistry(t)
	srv := fakeRemote(t, "/session/888/leg")
	if _, err := registry.Create("888"); err != nil {
		t.Fatalf("create: %v", err)
	}
	viewerPeer, _ := facade.(*transport.FakeFacade).NewPeer(transport.RoleSubscribe, nil)
	if _, _, err := registry.AddSubscriber("888", stream.Subscriber{ID: "viewer", Peer: viewerPeer}); err != nil {
		t.Fatalf("add viewer: %v", err)
	}

	ctrl := New(registry, facade, config.Cascade{MaxDepth: 1, CheckTickTimeMS: 3600000, MaximumIdleTimeSec: 3600}, true, nil, testLog())
	defer ctrl.Stop()

	if err := ctrl.Push("888", srv.URL, "", 0); err != nil {
		t.Fatalf("push: %v", err)
	}

	snap, _ := registry.StreamSnapshot("888")
	if len(snap.Subscribers) != 1 || !snap.Subscribers[0].CascadeOut {
		t.Fatalf("expected only the synthetic cascade subscriber to remain, got %+v", snap.Subscribers)
	}
}
