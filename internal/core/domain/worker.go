package domain

import (
	"net"
	"strconv"
	"time"
)

type WorkerID string

// WorkerRole distinguishes the two placement pools: source workers host the
// canonical per-room routing domain, relay workers host consumer-side domains.
type WorkerRole string

const (
	RoleSource WorkerRole = "source"
	RoleRelay  WorkerRole = "relay"
)

// WorkerNode is one media-engine process registered by the node that spawned
// it. Host and Port are the owning node's control API address, shared by all
// workers on that node.
type WorkerNode struct {
	ID           WorkerID   `json:"id"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	ProcessID    string     `json:"process_id"`
	Role         WorkerRole `json:"role"`
	MaxCapacity  int        `json:"max_capacity"`
	CurrentLoad  int        `json:"current_load"`
	Alive        bool       `json:"alive"`
	RegisteredAt time.Time  `json:"registered_at"`
}

// Address returns the control API address of the node owning this worker.
func (w *WorkerNode) Address() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// HasCapacity reports whether a new transport may be placed on this worker.
// Best-effort: checked at placement time only, not re-validated continuously.
func (w *WorkerNode) HasCapacity() bool {
	return w.Alive && w.CurrentLoad < w.MaxCapacity
}
