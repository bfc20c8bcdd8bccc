package core

// Frame is one encoded message on the signalling channel.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues f without blocking; a full queue reports backpressure.
	TrySend(Frame) error
	Close()
}
