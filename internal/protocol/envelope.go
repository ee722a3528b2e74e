// Package protocol defines the request envelope and request/reply
// convention of spec.md §3 and §4.3: ack/nack/progress/output/error/
// finalStatus, published under sub-topics of a request's replyTo.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Sub-topics every follow-up message is published under, relative to
// a request's ReplyTo.
const (
	SubAck         = "ack"
	SubNack        = "nack"
	SubError       = "error"
	SubProgress    = "progress"
	SubOutput      = "output"
	SubStatus      = "status"
	SubFinalStatus = "finalStatus"
)

// Terminal reasons carried by a finalStatus message.
const (
	ReasonCompleted = "completed"
	ReasonCanceled  = "canceled"
	ReasonFailed    = "failed"
)

// Envelope is the common header of every request published on the bus.
type Envelope struct {
	RequestID string    `json:"requestId"`
	ReplyTo   string     `json:"replyTo"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewEnvelope builds an Envelope whose ReplyTo is "<module>.<requestId>",
// unique per request as spec.md §3 requires.
func NewEnvelope(module string) Envelope {
	id := uuid.NewString()
	return Envelope{
		RequestID: id,
		ReplyTo:   module + "." + id,
		Timestamp: time.Now().UTC(),
	}
}

// ReplyTopic returns "<replyTo>.<sub>", the topic a given follow-up
// message is published under.
func (e Envelope) ReplyTopic(sub string) string {
	return e.ReplyTo + "." + sub
}

// Request is the generic shape of an inbound message on a module's
// "<module>.<operation>" topic: the envelope plus an operation-specific
// payload, deferred as raw JSON until the handler knows its shape.
type Request struct {
	Envelope
	Payload json.RawMessage `json:"payload"`
}

// Ack is the payload of the "ack" reply: the request was accepted and
// subscribeTo is the channel progress/output/finalStatus will stream on.
type Ack struct {
	SubscribeTo string `json:"subscribeTo"`
}

// Nack is the payload of the "nack" reply: the request was rejected.
// If AlreadyRequested is true, SubscribeTo names the in-flight task's
// channel instead (the task-supervisor dedup path of spec.md §4.4).
type Nack struct {
	Reason           string `json:"reason"`
	AlreadyRequested bool   `json:"alreadyRequested,omitempty"`
	SubscribeTo      string `json:"subscribeTo,omitempty"`
}

// ErrorPayload is the payload of a terminal "error" message.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// OutputLine is the payload of an "output" message: one raw text line
// captured from a driven subprocess.
type OutputLine struct {
	Line string `json:"line"`
}

// FinalStatus is the payload of the single terminal "finalStatus" message
// that closes out a request/reply exchange.
type FinalStatus struct {
	Reason  string         `json:"reason"`
	Detail  string         `json:"detail,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
