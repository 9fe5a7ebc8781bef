package httpapi

import (
	"time"

	"github.com/riftcast/sfu/internal/stream"
)

// jsonSnapshot is the admin-facing JSON shape for GET /api/streams/
// and GET /api/streams/{stream}.
type jsonSnapshot struct {
	ID          string           `json:"id"`
	CreatedAt   time.Time        `json:"created_at"`
	Draining    bool             `json:"draining"`
	Publisher   *jsonPublisher   `json:"publisher"`
	Subscribers []jsonSubscriber `json:"subscribers"`
	Cascade     []jsonCascade    `json:"cascade"`
}

type jsonPublisher struct {
	ID        string `json:"id"`
	Reforward bool   `json:"reforward"`
	State     string `json:"state"`
}

type jsonSubscriber struct {
	ID         string `json:"id"`
	CascadeOut bool   `json:"cascade_out"`
	Layer      string `json:"layer"`
	MuteAudio  bool   `json:"mute_audio"`
	MuteVideo  bool   `json:"mute_video"`
}

type jsonCascade struct {
	Mode       string `json:"mode"`
	PeerURL    string `json:"peer_url"`
	SessionURL string `json:"session_url"`
	State      string `json:"state"`
}

func toJSONSnapshot(s stream.Snapshot) jsonSnapshot {
	out := jsonSnapshot{
		ID:        string(s.ID),
		CreatedAt: s.CreatedAt,
		Draining:  s.Draining,
	}
	if s.Publisher != nil {
		out.Publisher = &jsonPublisher{
			ID:        string(s.Publisher.ID),
			Reforward: s.Publisher.Reforward,
			State:     s.Publisher.State,
		}
	}
	for _, sub := range s.Subscribers {
		out.Subscribers = append(out.Subscribers, jsonSubscriber{
			ID:         string(sub.ID),
			CascadeOut: sub.CascadeOut,
			Layer:      string(sub.Layer),
			MuteAudio:  sub.MuteAudio,
			MuteVideo:  sub.MuteVideo,
		})
	}
	for _, c := range s.Cascade {
		out.Cascade = append(out.Cascade, jsonCascade{
			Mode: c.Mode, PeerURL: c.PeerURL, SessionURL: c.SessionURL, State: c.State,
		})
	}
	return out
}

func toJSONSnapshots(snaps []stream.Snapshot) []jsonSnapshot {
	out := make([]jsonSnapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toJSONSnapshot(s))
	}
	return out
}
