// Package warp implements the Upstream Transport (spec.md §4.4): one
// streaming HTTPS call to the Warp upstream, decoded into typed events via
// an embedded binary event-stream codec. The wire codec itself is treated
// as an external, opaque protocol in spec.md §1/§9 — this package gives it
// a concrete but minimal shape (prelude + header block + payload, framed
// and checksummed like AWS's event-stream format) so Dispatch has a real
// interface to call rather than a stub.
package warp

// EventKind discriminates the five event shapes Upstream Transport yields.
type EventKind string

const (
	EventText     EventKind = "text"
	EventToolCall EventKind = "tool_call"
	EventMeta     EventKind = "meta"
	EventEnd      EventKind = "end"
	EventError    EventKind = "error"
)

// Event is one decoded frame from the Warp event stream.
type Event struct {
	Kind EventKind

	// Text carries incremental text for EventText.
	Text string

	// ToolCallName/ToolCallArgs carry a decoded tool invocation for EventToolCall.
	ToolCallName string
	ToolCallArgs []byte

	// Meta carries arbitrary upstream metadata headers for EventMeta.
	Meta map[string]string

	// Err carries the terminal error for EventError; the stream always ends
	// after this event.
	Err error
}
