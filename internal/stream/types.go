// Package stream implements the process-wide stream registry and the
// per-stream forwarding engine: track fan-out, simulcast layer
// selection, the data-channel bus, mute, and idle reaping.
package stream

import (
	"time"

	"github.com/riftcast/sfu/internal/transport"
)

// ID identifies a stream: 1..255 bytes of printable ASCII other than
// space and slash, unique per node.
type ID string

// ClientID identifies a publisher or subscriber attached to a stream.
// It is the owning session's id, but this package only ever treats it
// as an opaque key to avoid importing the session package (a session
// holds a reference to a Stream, never the reverse).
type ClientID string

// Layer is a simulcast rid, or "auto": bind to "f" or the highest
// received layer.
type Layer string

const (
	LayerAuto    Layer = "auto"
	LayerFull    Layer = "f"
	LayerHalf    Layer = "h"
	LayerQuarter Layer = "q"
)

func ValidLayer(l Layer) bool {
	switch l {
	case LayerAuto, LayerFull, LayerHalf, LayerQuarter:
		return true
	default:
		return false
	}
}

// rank orders layers from lowest to highest resolution, used to pick
// "the highest received layer" for LayerAuto.
func (l Layer) rank() int {
	switch l {
	case LayerQuarter:
		return 0
	case LayerHalf:
		return 1
	case LayerFull:
		return 2
	default:
		return -1
	}
}

// Kind distinguishes audio/video for mute bits and publisher track
// bookkeeping, mirroring webrtc.RTPCodecType without importing pion
// into call sites that only need the stream package's own view.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

// Subscriber is what a session hands the registry when it wants to
// receive a stream's media, data channel, and lifecycle events.
// CascadeOut marks a synthetic subscriber driving an outbound push
// cascade: it participates in fan-out exactly like any other
// subscriber but is exempt from the close_other_sub policy's victim
// set and is reaped by the cascade controller, not the registry.
type Subscriber struct {
	ID         ClientID
	Peer       transport.Peer
	CascadeOut bool
}

// Publisher is what a session hands the registry when it wants to
// attach as the stream's single producer. Reforward marks an inbound
// cascade: a publisher fed by a WHEP client of another node rather
// than directly by a browser.
type Publisher struct {
	ID        ClientID
	Peer      transport.Peer
	Reforward bool
}

// Snapshot is the admin-facing view of one stream.
type Snapshot struct {
	ID          ID
	CreatedAt   time.Time
	Draining    bool
	Publisher   *PublisherSnapshot
	Subscribers []SubscriberSnapshot
	Cascade     []CascadeSnapshot
}

type PublisherSnapshot struct {
	ID        ClientID
	Reforward bool
	State     string
}

type SubscriberSnapshot struct {
	ID         ClientID
	CascadeOut bool
	Layer      Layer
	MuteAudio  bool
	MuteVideo  bool
}

type CascadeSnapshot struct {
	Mode       string // "push" or "pull"
	PeerURL    string
	SessionURL string
	State      string
}
