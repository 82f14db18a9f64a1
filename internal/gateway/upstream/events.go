package upstream

// EventStream yields abstract events until io.EOF. Implemented by Stream;
// tests substitute scripted fakes.
type EventStream interface {
	Recv() (Event, error)
	Close() error
}

// EventType identifies one abstract incremental output event. The two
// protocol renderers both consume this stream; neither sees the upstream's
// wire framing.
type EventType int

const (
	EventMessageStart EventType = iota
	EventBlockStart
	EventTextDelta
	EventBlockStop
	EventMessageDelta
	EventMessageStop
	EventPing
)

// Event is one incremental output step from the upstream.
type Event struct {
	Type EventType

	// MessageStart
	MessageID   string
	Model       string
	InputTokens int64

	// BlockStart / TextDelta / BlockStop
	BlockIndex int
	Text       string

	// MessageDelta
	StopReason   string
	OutputTokens int64
}
