// Package mock provides a scripted test double for transcribe.Provider.
//
// Results are consumed in order: each call pops the next Step. When Steps is
// exhausted the provider falls back to Text / Err. A Step may block until its
// Release channel is closed, which lets tests control completion order
// across concurrent segments.
//
// Example:
//
//	p := &mock.Provider{Steps: []mock.Step{
//	    {Err: &transcribe.StatusError{StatusCode: 503}},
//	    {Text: "hello"},
//	}}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
)

// Step scripts a single Transcribe call.
type Step struct {
	Text string
	Err  error
	// Release, if non-nil, blocks the call until it is closed or the
	// context ends.
	Release <-chan struct{}
}

// Call records one invocation of Transcribe.
type Call struct {
	Ctx context.Context
	Req transcribe.Request
}

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Steps are consumed in order, one per call.
	Steps []Step

	// Text and Err are returned once Steps is exhausted. When both are
	// empty the transcript is "segment N".
	Text string
	Err  error

	// BySegment overrides Steps for specific segment IDs. Each segment's
	// slice is consumed in order.
	BySegment map[uint64][]Step

	// Calls records every call to Transcribe.
	Calls []Call
}

var _ transcribe.Provider = (*Provider)(nil)

// Transcribe records the call and plays the next scripted step.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req})
	step := p.next(req.SegmentID)
	p.mu.Unlock()

	if step.Release != nil {
		select {
		case <-step.Release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return step.Text, step.Err
}

func (p *Provider) next(id uint64) Step {
	if steps := p.BySegment[id]; len(steps) > 0 {
		p.BySegment[id] = steps[1:]
		return steps[0]
	}
	if len(p.Steps) > 0 {
		s := p.Steps[0]
		p.Steps = p.Steps[1:]
		return s
	}
	if p.Text == "" && p.Err == nil {
		return Step{Text: fmt.Sprintf("segment %d", id)}
	}
	return Step{Text: p.Text, Err: p.Err}
}

// CallCount returns the number of recorded calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
