package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoCapacityAvailable  = errors.New("no worker capacity available")
	ErrRoomNotFound         = errors.New("room not found")
	ErrRouterNotFound       = errors.New("routing domain not found")
	ErrTransportNotFound    = errors.New("transport not found")
	ErrStreamNotFound       = errors.New("stream not found")
	ErrWorkerNotFound       = errors.New("worker not found")
	ErrPeerNotFound         = errors.New("peer not found")
	ErrRequestTimeout       = errors.New("request timed out")
	ErrSessionClosed        = errors.New("session closed")
	ErrTransportClosed      = errors.New("transport closed")
	ErrRelayHandshakeFailed = errors.New("relay handshake failed")
	ErrLockNotAcquired      = errors.New("lock not acquired")
)

// NodeUnreachableError reports a connection-level failure talking to another
// node's control API. It flips the liveness flag of every worker registered
// for that host:port; API-level error responses do not.
type NodeUnreachableError struct {
	Host string
	Port int
	Err  error
}

func (e *NodeUnreachableError) Error() string {
	return fmt.Sprintf("node %s:%d unreachable: %v", e.Host, e.Port, e.Err)
}

func (e *NodeUnreachableError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match any NodeUnreachableError regardless of target
// address.
func (e *NodeUnreachableError) Is(target error) bool {
	_, ok := target.(*NodeUnreachableError)
	return ok
}
