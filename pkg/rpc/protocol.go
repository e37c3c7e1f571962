// Package rpc implements the line-delimited JSON transport: one request
// object per line on the input stream, one event object per line on the
// output stream. Start and resume methods stream engine events from
// their own goroutine; control methods are answered inline by the read
// loop so cancellation is never queued behind a running stream.
package rpc

import "encoding/json"

// Request methods.
const (
	MethodAskStart              = "ask.start"
	MethodAskCancel             = "ask.cancel"
	MethodPlanningStart         = "planning.start"
	MethodPlanningResume        = "planning.resume"
	MethodProductionalizeStart  = "productionalize.start"
	MethodProductionalizeResume = "productionalize.resume"
	MethodConnect               = "connect"
	MethodModelList             = "model.list"
	MethodModelCurrent          = "model.current"
	MethodModelSet              = "model.set"
)

// Event types.
const (
	EventStatus    = "status"
	EventProgress  = "progress"
	EventToken     = "token"
	EventInterrupt = "interrupt"
	EventComplete  = "complete"
	EventError     = "error"
)

// Error codes. Stable strings; clients switch on them.
const (
	CodeInvalidJSON           = "invalid_json"
	CodeInvalidRequest        = "invalid_request"
	CodeMethodNotFound        = "method_not_found"
	CodeBusy                  = "busy"
	CodeNotFound              = "not_found"
	CodeCanceled              = "canceled"
	CodeInvalidResumeResponse = "invalid_resume_response"
	CodeRunFailed             = "run_failed"
)

// Request is one line on the input stream.
type Request struct {
	// ID is an optional caller correlation id, echoed on every event
	// the request produces.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Event is one line on the output stream.
type Event struct {
	Type string `json:"type"`

	// ID echoes the originating request's id.
	ID string `json:"id,omitempty"`

	// Session identifies the run the event belongs to.
	Session string `json:"session,omitempty"`

	Node    string `json:"node,omitempty"`
	Message string `json:"message,omitempty"`

	// Text is the streamed fragment on token events.
	Text string `json:"text,omitempty"`

	// Interrupt fields: the kind discriminates the payload
	// (clarification, document_review, interview) and Expects names the
	// response shape resume must supply.
	Kind    string          `json:"kind,omitempty"`
	Expects string          `json:"expects,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Result carries the final payload on complete events.
	Result any `json:"result,omitempty"`

	// Error fields.
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// StartParams configures ask.start, planning.start, and
// productionalize.start.
type StartParams struct {
	// Session is the caller-supplied session id. Generated when empty.
	Session string `json:"session,omitempty"`

	Query string `json:"query"`

	// Model overrides the registry's current model for this run.
	Model string `json:"model,omitempty"`

	// SkipReview bypasses the report review gate (productionalize only).
	SkipReview bool `json:"skip_review,omitempty"`

	// SkipInterview bypasses the requirements interview
	// (productionalize only).
	SkipInterview bool `json:"skip_interview,omitempty"`
}

// ResumeParams configures planning.resume and productionalize.resume.
type ResumeParams struct {
	Session string `json:"session"`

	// Response answers the pending interrupt: a JSON string for text
	// interrupts, a JSON object for structured ones.
	Response json.RawMessage `json:"response"`
}

// CancelParams configures ask.cancel.
type CancelParams struct {
	Session string `json:"session"`
}

// ModelSetParams configures model.set.
type ModelSetParams struct {
	Model string `json:"model"`
}

// ConnectResult is the connect method's reply payload.
type ConnectResult struct {
	Server    string   `json:"server"`
	Version   string   `json:"version"`
	Workflows []string `json:"workflows"`
}
