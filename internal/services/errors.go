package services

import "errors"

var (
	// ErrSessionBusy is returned when a prompt is sent to a session that
	// already has an in-flight request.
	ErrSessionBusy = errors.New("session is busy with a previous request")

	// ErrSessionDead is returned when the upstream connection is gone.
	ErrSessionDead = errors.New("session is dead")

	// ErrResponseTimeout is returned when the upstream produced no terminal
	// result within RESPONSE_TIMEOUT_MS.
	ErrResponseTimeout = errors.New("timed out waiting for upstream response")

	// ErrUpstreamClosed is returned when the upstream socket closed while a
	// request was in flight.
	ErrUpstreamClosed = errors.New("upstream connection closed mid-request")

	// ErrNotWaiting is returned when tool results arrive for a session that
	// has no pending tool decision.
	ErrNotWaiting = errors.New("session is not waiting for a tool decision")

	// ErrUnknownToolCall is returned for a tool_call_id with no parked
	// permission request.
	ErrUnknownToolCall = errors.New("unknown tool_call_id")
)
