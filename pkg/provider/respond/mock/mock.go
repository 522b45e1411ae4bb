// Package mock provides a test double for respond.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/audiostream/pkg/provider/respond"
)

// Provider is a mock implementation of respond.Provider.
type Provider struct {
	mu sync.Mutex

	// Reply is returned for every call. When empty the reply echoes the
	// transcript prefixed with "re: ".
	Reply string

	// Errs are returned in order, one per call, before falling back to
	// Reply. A nil entry means success.
	Errs []error

	// Calls records every request.
	Calls []respond.Request
}

var _ respond.Provider = (*Provider)(nil)

// Respond records the call and returns the scripted reply.
func (p *Provider) Respond(ctx context.Context, req respond.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(p.Errs) > 0 {
		err := p.Errs[0]
		p.Errs = p.Errs[1:]
		if err != nil {
			return "", err
		}
	}
	if p.Reply != "" {
		return p.Reply, nil
	}
	return "re: " + req.Transcript, nil
}

// CallCount returns the number of recorded calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
