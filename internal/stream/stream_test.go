package stream

import (
	"testing"

	"github.com/riftcast/sfu/internal/apierr"
	"github.com/riftcast/sfu/internal/transport"
)

func addTestSubscriber(t *testing.T, r *Registry, facade *transport.FakeFacade, streamID ID, id ClientID) *Stream {
	t.Helper()
	peer, _ := facade.NewPeer(transport.RoleSubscribe, nil)
	s, tracks, err := r.AddSubscriber(streamID, Subscriber{ID: id, Peer: peer})
	if err != nil {
		t.Fatalf("add subscriber %s: %v", id, err)
	}
	if tracks == nil || tracks.Video == nil || tracks.Audio == nil {
		t.Fatal("expected mirror tracks for both kinds")
	}
	return s
}

func TestSelectLayerRejectsUnpublishedLayer(t *testing.T) {
	r, facade := testRegistry(t)
	addTestSubscriber(t, r, facade, "s1", "sub")

	err := r.SelectLayer("s1", "sub", LayerQuarter)
	if err == nil {
		t.Fatal("expected error selecting a layer nobody publishes")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeLayerUnknown {
		t.Fatalf("got %v, want LayerUnknown", err)
	}
}

func TestSelectLayerRejectsBogusRid(t *testing.T) {
	r, facade := testRegistry(t)
	addTestSubscriber(t, r, facade, "s1", "sub")

	if err := r.SelectLayer("s1", "sub", Layer("xxl")); err == nil {
		t.Fatal("expected error for a rid outside f/h/q/auto")
	}
}

func TestSelectLayerAutoAlwaysAccepted(t *testing.T) {
	r, facade := testRegistry(t)
	addTestSubscriber(t, r, facade, "s1", "sub")

	// auto is valid even before any layer exists; it binds once the
	// first layer shows up.
	if err := r.SelectLayer("s1", "sub", LayerAuto); err != nil {
		t.Fatalf("auto select: %v", err)
	}
}

func TestSelectLayerUnknownSubscriber(t *testing.T) {
	r, facade := testRegistry(t)
	addTestSubscriber(t, r, facade, "s1", "sub")

	err := r.SelectLayer("s1", "ghost", LayerAuto)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeNotFound {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestSetMuteReflectedInSnapshot(t *testing.T) {
	r, facade := testRegistry(t)
	addTestSubscriber(t, r, facade, "s1", "sub")

	if err := r.SetMute("s1", "sub", KindVideo, true); err != nil {
		t.Fatalf("mute video: %v", err)
	}
	if err := r.SetMute("s1", "sub", KindAudio, true); err != nil {
		t.Fatalf("mute audio: %v", err)
	}

	snap, _ := r.StreamSnapshot("s1")
	if len(snap.Subscribers) != 1 || !snap.Subscribers[0].MuteVideo || !snap.Subscribers[0].MuteAudio {
		t.Fatalf("snapshot = %+v", snap.Subscribers)
	}

	if err := r.SetMute("s1", "sub", KindVideo, false); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	snap, _ = r.StreamSnapshot("s1")
	if snap.Subscribers[0].MuteVideo {
		t.Fatal("video should be unmuted again")
	}
}

func TestSendDataRequiresPublisher(t *testing.T) {
	r, facade := testRegistry(t)
	s := addTestSubscriber(t, r, facade, "s1", "sub")

	err := s.SendData([]byte("hello"))
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeNoPublisher {
		t.Fatalf("got %v, want NoPublisher", err)
	}

	peer, _ := facade.NewPeer(transport.RolePublish, nil)
	if _, err := r.AttachPublisher("s1", Publisher{ID: "pub", Peer: peer}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := s.SendData([]byte("hello")); err != nil {
		t.Fatalf("send with publisher attached: %v", err)
	}
}

func TestCascadeSnapshotBookkeeping(t *testing.T) {
	r, facade := testRegistry(t)
	addTestSubscriber(t, r, facade, "s1", "sub")

	r.RecordCascade("s1", "push|s1|http://peer", CascadeSnapshot{Mode: "push", PeerURL: "http://peer", State: "active"})
	snap, _ := r.StreamSnapshot("s1")
	if len(snap.Cascade) != 1 || snap.Cascade[0].Mode != "push" {
		t.Fatalf("cascade snapshot = %+v", snap.Cascade)
	}

	r.RemoveCascade("s1", "push|s1|http://peer")
	snap, _ = r.StreamSnapshot("s1")
	if len(snap.Cascade) != 0 {
		t.Fatalf("cascade snapshot should be empty, got %+v", snap.Cascade)
	}
}

func TestCloseOtherSubscribersSparesCascadeLegs(t *testing.T) {
	r, facade := testRegistry(t)

	keepPeer, _ := facade.NewPeer(transport.RoleSubscribe, nil)
	if _, _, err := r.AddSubscriber("s1", Subscriber{ID: "keep", Peer: keepPeer}); err != nil {
		t.Fatalf("add keep: %v", err)
	}
	legPeer, _ := facade.NewPeer(transport.RoleCascadeOut, nil)
	if _, _, err := r.AddSubscriber("s1", Subscriber{ID: "leg", Peer: legPeer, CascadeOut: true}); err != nil {
		t.Fatalf("add leg: %v", err)
	}

	r.CloseOtherSubscribers("s1", "keep")

	snap, _ := r.StreamSnapshot("s1")
	if len(snap.Subscribers) != 2 {
		t.Fatalf("expected keep + cascade leg to survive, got %+v", snap.Subscribers)
	}
}
