package stream

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/transport"
)

func testRegistry(t *testing.T) (*Registry, *transport.FakeFacade) {
	t.Helper()
	facade := transport.NewFakeFacade()
	log := logrus.New()
	log.SetOutput(testWriter{t})
	r := NewRegistry(facade, nil, logrus.NewEntry(log), Limits{
		MaxSubscribersPerStream: 2,
		PublisherLeaveGrace:     50 * time.Millisecond,
		LayerSwitchTimeout:      time.Second,
		IdleCheckTick:           10 * time.Millisecond,
	})
	t.Cleanup(r.Stop)
	return r, facade
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestValidName(t *testing.T) {
	if !ValidName("room-1") {
		t.Error("expected room-1 to be valid")
	}
	if ValidName("") {
		t.Error("expected empty name to be invalid")
	}
	if ValidName("has/slash") {
		t.Error("expected slash to be invalid")
	}
}

func TestAttachPublisherRejectsSecond(t *testing.T) {
	r, facade := testRegistry(t)

	peerA, _ := facade.NewPeer(transport.RolePublish, nil)
	peerB, _ := facade.NewPeer(transport.RolePublish, nil)

	if _, err := r.AttachPublisher("s1", Publisher{ID: "a", Peer: peerA}); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	_, err := r.AttachPublisher("s1", Publisher{ID: "b", Peer: peerB})
	if err == nil {
		t.Fatal("expected AlreadyPublishing error")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeAlreadyPublishing {
		t.Fatalf("got %v, want AlreadyPublishing", err)
	}
}

func TestAddSubscriberCapacity(t *testing.T) {
	r, facade := testRegistry(t)

	for i, id := range []ClientID{"a", "b"} {
		peer, _ := facade.NewPeer(transport.RoleSubscribe, nil)
		if _, _, err := r.AddSubscriber("s1", Subscriber{ID: id, Peer: peer}); err != nil {
			t.Fatalf("subscriber %d: %v", i, err)
		}
	}

	peer, _ := facade.NewPeer(transport.RoleSubscribe, nil)
	_, _, err := r.AddSubscriber("s1", Subscriber{ID: "c", Peer: peer})
	if err == nil {
		t.Fatal("expected capacity error for third subscriber")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeSubAtCapacity {
		t.Fatalf("got %v, want SubAtCapacity", err)
	}
}

func TestDetachPublisherThenReap(t *testing.T) {
	r, facade := testRegistry(t)
	peer, _ := facade.NewPeer(transport.RolePublish, nil)

	if _, err := r.AttachPublisher("s1", Publisher{ID: "a", Peer: peer}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	r.DetachPublisher("s1", "a")

	if _, ok := r.Get("s1"); !ok {
		t.Fatal("stream should still exist immediately after detach (grace period)")
	}

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if _, ok := r.Get("s1"); !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream was not reaped after publisher_leave_grace elapsed")
		}
	}
}

func TestListAndDestroy(t *testing.T) {
	r, facade := testRegistry(t)
	peer, _ := facade.NewPeer(transport.RolePublish, nil)
	if _, err := r.AttachPublisher("s1", Publisher{ID: "a", Peer: peer}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	snaps := r.List()
	if len(snaps) != 1 || snaps[0].ID != "s1" {
		t.Fatalf("unexpected list result: %+v", snaps)
	}

	if err := r.Destroy("s1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, ok := r.Get("s1"); ok {
		t.Fatal("stream should be gone after Destroy")
	}
	if err := r.Destroy("s1"); err == nil {
		t.Fatal("expected NoStream error destroying again")
	}
}
