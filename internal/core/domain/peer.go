package domain

import "encoding/json"

// PeerInfo is the in-memory signaling state for one connected session. It is
// never persisted; it lives and dies with the websocket connection.
type PeerInfo struct {
	ID              PeerID          `json:"id"`
	DisplayName     string          `json:"displayName"`
	Device          json.RawMessage `json:"device,omitempty"`
	RTPCapabilities json.RawMessage `json:"-"`
	Joined          bool            `json:"-"`
}

// NodeInfo identifies the local signaling node. Workers registered by this
// node carry its host and control API port.
type NodeInfo struct {
	InstanceID string
	Host       string
	APIPort    int
}
