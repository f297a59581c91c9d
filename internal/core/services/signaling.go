package services

import "encoding/json"

// Wire payloads of the signaling RPC methods. Field names follow the
// client-facing camelCase convention.

type createTransportData struct {
	Producing  bool `json:"producing"`
	Consuming  bool `json:"consuming"`
	ForceTCP   bool `json:"forceTcp"`
	EnableSCTP bool `json:"enableSctp"`
}

type joinData struct {
	DisplayName     string          `json:"displayName"`
	Device          json.RawMessage `json:"device,omitempty"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`
}

type peerSummary struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName"`
	Device      json.RawMessage `json:"device,omitempty"`
}

type connectTransportData struct {
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type restartICEData struct {
	TransportID string `json:"transportId"`
}

type produceData struct {
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	Paused        bool            `json:"paused"`
	AppData       json.RawMessage `json:"appData,omitempty"`
}

type produceDataStreamData struct {
	TransportID          string          `json:"transportId"`
	SCTPStreamParameters json.RawMessage `json:"sctpStreamParameters"`
	Label                string          `json:"label,omitempty"`
	Protocol             string          `json:"protocol,omitempty"`
	AppData              json.RawMessage `json:"appData,omitempty"`
}

type producerRefData struct {
	ProducerID string `json:"producerId"`
}

type consumerRefData struct {
	ConsumerID string `json:"consumerId"`
}

type preferredLayersData struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  int    `json:"spatialLayer"`
	TemporalLayer int    `json:"temporalLayer"`
}

type consumerPriorityData struct {
	ConsumerID string `json:"consumerId"`
	Priority   int    `json:"priority"`
}

type changeDisplayNameData struct {
	DisplayName string `json:"displayName"`
}

type newConsumerData struct {
	PeerID               string          `json:"peerId"`
	ProducerID           string          `json:"producerId"`
	ID                   string          `json:"id"`
	Kind                 string          `json:"kind"`
	RTPParameters        json.RawMessage `json:"rtpParameters,omitempty"`
	SCTPStreamParameters json.RawMessage `json:"sctpStreamParameters,omitempty"`
	ProducerPaused       bool            `json:"producerPaused"`
	AppData              json.RawMessage `json:"appData,omitempty"`
}
