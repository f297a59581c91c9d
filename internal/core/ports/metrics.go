package ports

// Metrics is the instrumentation surface the core reports into. The
// prometheus implementation lives in infrastructure; tests use the no-op.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	RoomOpened()
	RoomClosed()
	ProducerAdded()
	ProducerRemoved()
	ConsumerAdded()
	ConsumerRemoved()
	ObserveSignalRequest(method, outcome string, seconds float64)
	ObserveRelayHandshake(outcome string, seconds float64)
	SetWorkerLoad(workerID, role string, load float64)
}
