package engine

// EventType discriminates engine events.
type EventType string

// Engine event types. The transport layer maps these onto its own wire
// events; interrupt/complete/error framing is owned by the session layer,
// which sees them as Run return values.
const (
	// EventStatus reports run lifecycle transitions.
	EventStatus EventType = "status"

	// EventProgress reports node enter/exit.
	EventProgress EventType = "progress"

	// EventToken carries streamed partial text from a node.
	EventToken EventType = "token"
)

// Event is a notification produced during a run.
type Event struct {
	Type    EventType
	Node    string
	Message string

	// Text is set for EventToken.
	Text string
}

// Emitter receives engine events in the order the engine produces them.
// Implementations must be safe for calls from fan-out goroutines.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(ev Event) { f(ev) }
