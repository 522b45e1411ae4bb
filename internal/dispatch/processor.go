package dispatch

import (
	"context"
	"time"

	"github.com/MrWong99/audiostream/internal/observe"
	"github.com/MrWong99/audiostream/internal/stream"
	"github.com/MrWong99/audiostream/pkg/provider/respond"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
)

// Output is the payload of a successful attempt.
type Output struct {
	Transcript string
	Reply      string
}

// Processor performs one external processing attempt for a segment. It must
// honour ctx cancellation and must not retry internally.
type Processor interface {
	Process(ctx context.Context, seg stream.Segment) (Output, error)
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, seg stream.Segment) (Output, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, seg stream.Segment) (Output, error) {
	return f(ctx, seg)
}

// Archiver receives successfully processed segments for off-path storage.
// Archive must not block the caller.
type Archiver interface {
	Archive(seg stream.Segment, out Output)
}

// Pipeline is the production Processor: transcription followed by an
// optional reply. Reply generation is best effort; its failure leaves the
// transcript result intact.
type Pipeline struct {
	Transcriber transcribe.Provider
	Responder   respond.Provider
	Archiver    Archiver

	// Provider names the transcription backend in metrics.
	Provider string
	Language string
	Metrics  *observe.Metrics
}

// Process implements Processor.
func (p *Pipeline) Process(ctx context.Context, seg stream.Segment) (Output, error) {
	m := p.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	start := time.Now()
	text, err := p.Transcriber.Transcribe(ctx, transcribe.Request{
		SessionID: seg.SessionID,
		SegmentID: seg.ID,
		Audio:     seg.PCM,
		Format:    seg.Format,
		Language:  p.Language,
	})
	m.RecordProviderRequest(ctx, p.Provider, "transcribe", outcome(err), time.Since(start).Seconds())
	if err != nil {
		return Output{}, err
	}

	out := Output{Transcript: text}
	if p.Responder != nil && text != "" {
		start = time.Now()
		reply, rerr := p.Responder.Respond(ctx, respond.Request{
			SessionID:  seg.SessionID,
			SegmentID:  seg.ID,
			Transcript: text,
		})
		m.RecordProviderRequest(ctx, p.Provider, "respond", outcome(rerr), time.Since(start).Seconds())
		if rerr != nil {
			observe.Logger(ctx).Warn("reply generation failed",
				"session_id", seg.SessionID,
				"segment_id", seg.ID,
				"err", rerr,
			)
		} else {
			out.Reply = reply
		}
	}

	if p.Archiver != nil {
		p.Archiver.Archive(seg, out)
	}
	return out, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var _ Processor = (*Pipeline)(nil)
