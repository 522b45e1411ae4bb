package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
)

// TranscriberFallback implements [transcribe.Provider] with failover across
// several transcription backends, each behind its own circuit breaker.
type TranscriberFallback struct {
	group *FallbackGroup[transcribe.Provider]
}

var _ transcribe.Provider = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] preferring primary.
// When cfg leaves CircuitBreaker.IsFailure unset, a request the caller
// cancelled does not count against a backend.
func NewTranscriberFallback(primary transcribe.Provider, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those added before it.
func (f *TranscriberFallback) AddFallback(name string, p transcribe.Provider) {
	f.group.AddFallback(name, p)
}

// Transcribe sends the segment to the first healthy backend.
func (f *TranscriberFallback) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	return ExecuteWithResult(f.group, func(p transcribe.Provider) (string, error) {
		return p.Transcribe(ctx, req)
	})
}

// Breakers reports the circuit state of each backend in try order.
func (f *TranscriberFallback) Breakers() []BreakerState { return f.group.States() }

// ResetBreakers closes every backend's circuit.
func (f *TranscriberFallback) ResetBreakers() { f.group.Reset() }
