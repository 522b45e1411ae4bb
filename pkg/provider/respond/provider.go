// Package respond defines the optional reply stage that turns a segment's
// transcript into a short assistant reply.
//
// When a responder is configured, the dispatcher calls it after a successful
// transcription and attaches the reply to the result message. Responder
// failures follow the same retry rules as transcription failures.
package respond

import "context"

// Request carries one transcript to reply to.
type Request struct {
	SessionID  string
	SegmentID  uint64
	Transcript string
}

// Provider generates a reply for a transcript. Implementations must be safe
// for concurrent use.
type Provider interface {
	Respond(ctx context.Context, req Request) (string, error)
}
