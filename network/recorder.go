package network

// Recorder receives the node's operational measurements. api.Metrics
// implements it with Prometheus collectors.
type Recorder interface {
	MessageAccepted(msgType string)
	MessageRejected(reason string)
	HandshakeFinished(initiated bool, err error)
	ConnectionsChanged(count int)
	TopologyChanged(nodes, edges int)
}

// NopRecorder discards every measurement.
type NopRecorder struct{}

func (NopRecorder) MessageAccepted(string) {}
func (NopRecorder) MessageRejected(string) {}
func (NopRecorder) HandshakeFinished(bool, error) {}
func (NopRecorder) ConnectionsChanged(int) {}
func (NopRecorder) TopologyChanged(int, int) {}
