package checkpoint

import (
	"encoding/json"
	"time"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// ResponseKind constrains the shape of a resume response for a
// pending interrupt.
type ResponseKind string

// Resume response shapes.
const (
	// ResponseText expects a plain string response (approval text,
	// free-form feedback, clarification answers).
	ResponseText ResponseKind = "text"

	// ResponseStructured expects a JSON object response.
	ResponseStructured ResponseKind = "structured"
)

// PendingInterrupt records a suspension awaiting external input.
// It is the persisted continuation: which node suspended, what payload
// was shown to the caller, and what response shape resumption expects.
type PendingInterrupt struct {
	NodeID  string          `json:"node_id"`
	Kind    string          `json:"kind"`
	Expects ResponseKind    `json:"expects"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Replay holds responses already consumed by earlier interrupts in
	// the same node invocation. On resume the node re-executes from its
	// start, and these are fed back to its earlier Interrupt calls in
	// order so only the newest response reaches the pending one.
	Replay []any `json:"replay,omitempty"`
}

// Checkpoint is the persisted snapshot of a workflow run.
// It contains everything needed to resume exactly where the run stopped:
// the merged state, the position in the graph, and any pending interrupt.
type Checkpoint struct {
	Version   int       `json:"version"`
	ThreadID  string    `json:"thread_id"`
	NodeID    string    `json:"node_id"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	// State is the JSON-serialized workflow state at this point.
	State json.RawMessage `json:"state"`

	// NextNode is where execution continues on resume.
	NextNode string `json:"next_node"`

	// Interrupt is non-nil when the run is suspended waiting for a
	// resume response. NextNode then names the suspended node itself.
	Interrupt *PendingInterrupt `json:"interrupt,omitempty"`
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// New creates a checkpoint. State must already be JSON-serialized.
func New(threadID, nodeID string, sequence int, state []byte, nextNode string) *Checkpoint {
	return &Checkpoint{
		Version:   Version,
		ThreadID:  threadID,
		NodeID:    nodeID,
		Sequence:  sequence,
		Timestamp: time.Now().UTC(),
		State:     state,
		NextNode:  nextNode,
	}
}

// WithInterrupt marks the checkpoint as suspended on an interrupt.
func (c *Checkpoint) WithInterrupt(p *PendingInterrupt) *Checkpoint {
	c.Interrupt = p
	return c
}
