package session

import (
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/stream"
	"github.com/riftcast/sfu/internal/transport"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discard{})
	return logrus.NewEntry(l)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testSetup(t *testing.T) (*stream.Registry, transport.Facade) {
	t.Helper()
	facade := transport.NewFakeFacade()
	r := stream.NewRegistry(facade, nil, testLog(), stream.Limits{
		MaxSubscribersPerStream: 10,
		PublisherLeaveGrace:     time.Second,
		LayerSwitchTimeout:      time.Second,
		IdleCheckTick:           50 * time.Millisecond,
	})
	t.Cleanup(r.Stop)
	return r, facade
}

func TestNegotiatePublishThenSubscribe(t *testing.T) {
	registry, facade := testSetup(t)

	pubSess, answer, err := NegotiatePublish(registry, facade, "room1", "fake-offer-sdp", nil, false, testLog())
	if err != nil {
		t.Fatalf("negotiate publish: %v", err)
	}
	if answer == "" {
		t.Fatal("expected non-empty answer SDP")
	}
	if pubSess.Role != RolePublisher {
		t.Fatalf("role = %v, want RolePublisher", pubSess.Role)
	}

	subSess, subAnswer, err := NegotiateSubscribe(registry, facade, "room1", "fake-offer-sdp", nil, false, testLog())
	if err != nil {
		t.Fatalf("negotiate subscribe: %v", err)
	}
	if subAnswer == "" {
		t.Fatal("expected non-empty subscriber answer SDP")
	}
	if subSess.subTracks == nil {
		t.Fatal("expected subscriber tracks to be attached before answering")
	}

	snaps := registry.List()
	if len(snaps) != 1 || len(snaps[0].Subscribers) != 1 {
		t.Fatalf("unexpected registry state: %+v", snaps)
	}
}

func TestNegotiatePublishTwiceConflicts(t *testing.T) {
	registry, facade := testSetup(t)

	if _, _, err := NegotiatePublish(registry, facade, "room1", "fake-offer-sdp", nil, false, testLog()); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	_, _, err := NegotiatePublish(registry, facade, "room1", "fake-offer-sdp", nil, false, testLog())
	if err == nil {
		t.Fatal("expected second publisher to be rejected")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeAlreadyPublishing {
		t.Fatalf("got %v, want AlreadyPublishing", err)
	}
}

func TestTerminateDetachesPublisher(t *testing.T) {
	registry, facade := testSetup(t)

	sess, _, err := NegotiatePublish(registry, facade, "room1", "fake-offer-sdp", nil, false, testLog())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sess.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	snap := registry.List()
	if len(snap) != 1 || snap[0].Publisher != nil {
		t.Fatalf("expected publisher to be detached: %+v", snap)
	}
	if sess.State() != StateClosed {
		t.Fatalf("state = %v, want closed", sess.State())
	}

	// terminate is idempotent
	if err := sess.Terminate(); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

func TestSelectLayerRejectsPublisher(t *testing.T) {
	registry, facade := testSetup(t)
	sess, _, err := NegotiatePublish(registry, facade, "room1", "fake-offer-sdp", nil, false, testLog())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sess.SelectLayer(stream.LayerFull); err == nil {
		t.Fatal("expected publisher session to reject layer selection")
	}
}

func TestManagerTracksSessionsUntilTerminated(t *testing.T) {
	registry, facade := testSetup(t)
	m := NewManager()

	sess, _, err := NegotiatePublish(registry, facade, "room1", "fake-offer-sdp", nil, false, testLog())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	m.Put(sess)
	if _, ok := m.Get(sess.ID); !ok {
		t.Fatal("expected session to be registered")
	}
	if err := sess.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if m.Count() == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("manager did not drop terminated session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPatchEmptyBodyIsNoOp(t *testing.T) {
	registry, facade := testSetup(t)
	sess, _, err := NegotiatePublish(registry, facade, "room1", "fake-offer-sdp", nil, false, testLog())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	before := sess.State()
	if err := sess.Patch(""); err != nil {
		t.Fatalf("empty patch: %v", err)
	}
	if sess.State() != before {
		t.Fatalf("state changed from %v to %v on empty patch", before, sess.State())
	}
}

func TestParseTrickleFragment(t *testing.T) {
	body := "a=ice-ufrag:EsAw\r\n" +
		"a=ice-pwd:P2uYro0UCOQ4zxjKXaWCBui1\r\n" +
		"a=candidate:1387637174 1 udp 2122260223 192.0.2.1 61764 typ host\r\n"
	candidates, restart := parseTrickleFragment(body)
	if len(candidates) != 1 {
		t.Fatalf("candidates = %v", candidates)
	}
	if !strings.HasPrefix(candidates[0].Candidate, "candidate:1387637174") {
		t.Fatalf("candidate = %q", candidates[0].Candidate)
	}
	if !restart {
		t.Fatal("ice-ufrag fragment should be treated as a restart")
	}

	candidates, restart = parseTrickleFragment("a=candidate:1 1 udp 1 192.0.2.2 9 typ host\n")
	if len(candidates) != 1 || restart {
		t.Fatalf("candidates = %v restart = %v", candidates, restart)
	}
}

func TestRestartFragmentReentersConnecting(t *testing.T) {
	facade := transport.NewFakeFacade()
	registry := stream.NewRegistry(facade, nil, testLog(), stream.Limits{
		MaxSubscribersPerStream: 10,
		PublisherLeaveGrace:     time.Second,
		LayerSwitchTimeout:      time.Second,
		IdleCheckTick:           time.Hour,
	})
	t.Cleanup(registry.Stop)

	sess, _, err := NegotiatePublish(registry, facade, "room1", "fake-offer-sdp", nil, false, testLog())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	peer := facade.Peers[len(facade.Peers)-1]
	peer.SetConnectionState(webrtc.PeerConnectionStateConnected)
	if sess.State() != StateConnected {
		t.Fatalf("state = %v, want connected", sess.State())
	}
	peer.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
	if sess.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", sess.State())
	}

	if err := sess.Patch("a=ice-ufrag:next\na=candidate:1 1 udp 1 192.0.2.2 9 typ host\n"); err != nil {
		t.Fatalf("restart patch: %v", err)
	}
	if sess.State() != StateConnecting {
		t.Fatalf("state = %v, want connecting after restart fragment", sess.State())
	}
}
