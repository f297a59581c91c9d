package domain

import "encoding/json"

type StreamDirection string

const (
	DirectionProduce StreamDirection = "produce"
	DirectionConsume StreamDirection = "consume"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
	MediaData  MediaKind = "data"
)

// Stream is a one-directional media or data flow bound to a transport. It
// covers producers, consumers, data producers and data consumers; consumers
// reference the produced stream they mirror through SourceID.
type Stream struct {
	ID            StreamID        `json:"id"`
	TransportID   TransportID     `json:"transport_id"`
	RouterID      RouterID        `json:"router_id"`
	RoomID        RoomID          `json:"room_id"`
	Direction     StreamDirection `json:"direction"`
	Media         MediaKind       `json:"media"`
	SourceID      StreamID        `json:"source_id,omitempty"`
	Paused        bool            `json:"paused"`
	RTPParameters json.RawMessage `json:"rtp_parameters,omitempty"`
	AppData       json.RawMessage `json:"app_data,omitempty"`
}

// IsData reports whether the stream carries SCTP data rather than RTP media.
func (s *Stream) IsData() bool {
	return s.Media == MediaData
}
