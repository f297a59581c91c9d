package utils

import (
	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 string; every persisted row key is one.
func NewID() string {
	return uuid.NewString()
}

// NewWorkerID generates an identifier for a registered engine process.
func NewWorkerID() string {
	return "worker-" + uuid.NewString()
}

// NewRoomID generates an internal room row identifier.
func NewRoomID() string {
	return "room-" + uuid.NewString()
}

// NewInstanceID identifies one signaling process for event-bus self-filtering.
func NewInstanceID() string {
	return "node-" + uuid.NewString()
}
