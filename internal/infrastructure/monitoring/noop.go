package monitoring

import "streamgrid/internal/core/ports"

type noopMetrics struct{}

// NewNoopMetrics returns a metrics sink that discards everything.
func NewNoopMetrics() ports.Metrics {
	return noopMetrics{}
}

func (noopMetrics) SessionOpened()                                   {}
func (noopMetrics) SessionClosed()                                   {}
func (noopMetrics) RoomOpened()                                      {}
func (noopMetrics) RoomClosed()                                      {}
func (noopMetrics) ProducerAdded()                                   {}
func (noopMetrics) ProducerRemoved()                                 {}
func (noopMetrics) ConsumerAdded()                                   {}
func (noopMetrics) ConsumerRemoved()                                 {}
func (noopMetrics) ObserveSignalRequest(string, string, float64)     {}
func (noopMetrics) ObserveRelayHandshake(string, float64)            {}
func (noopMetrics) SetWorkerLoad(string, string, float64)            {}
