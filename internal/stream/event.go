// Package stream decodes the chunked chat response protocol.
//
// The backend answers a streaming chat request with newline-delimited lines
// of the form
//
//	data: {"type":"content","content":"Hel"}
//
// A [Decoder] turns fragments of that body, split at arbitrary byte
// boundaries, into a finite sequence of [Event] values that always ends in
// exactly one [Done] or [Error].
package stream

import (
	"fmt"

	"github.com/ashureev/agentgov/internal/domain"
)

// Event is one decoded protocol event. The concrete types are ContentDelta,
// Status, Complete, Error and Done.
type Event interface {
	isEvent()
}

// ContentDelta is a piece of responder text.
type ContentDelta struct {
	Text string
}

// Status is a progress note such as "routing to agent".
type Status struct {
	Text string
}

// Complete carries response metadata ahead of Done.
type Complete struct {
	Metadata domain.MessageMetadata
}

// Error terminates the stream with a failure.
type Error struct {
	Message string
	// Transport is set when the body could not be read, as opposed to the
	// server reporting an error in-band.
	Transport bool
	Err       error
}

// Done terminates the stream successfully. Metadata is the last Complete
// payload, or zero when none arrived.
type Done struct {
	Metadata domain.MessageMetadata
}

func (ContentDelta) isEvent() {}
func (Status) isEvent()       {}
func (Complete) isEvent()     {}
func (Error) isEvent()        {}
func (Done) isEvent()         {}

func (e Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e Error) Unwrap() error { return e.Err }

// Terminal reports whether ev ends a stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Done, Error:
		return true
	default:
		return false
	}
}
