package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/audiostream/internal/dispatch"
	"github.com/MrWong99/audiostream/internal/stream"
	"github.com/MrWong99/audiostream/pkg/audio"
	respondmock "github.com/MrWong99/audiostream/pkg/provider/respond/mock"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
	transcribemock "github.com/MrWong99/audiostream/pkg/provider/transcribe/mock"
)

type recordingArchiver struct {
	mu   sync.Mutex
	segs []uint64
	outs []dispatch.Output
}

func (a *recordingArchiver) Archive(seg stream.Segment, out dispatch.Output) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segs = append(a.segs, seg.ID)
	a.outs = append(a.outs, out)
}

func TestPipeline_TranscribesAndReplies(t *testing.T) {
	t.Parallel()
	tr := &transcribemock.Provider{Text: "turn on the lights"}
	rs := &respondmock.Provider{Reply: "Done."}
	ar := &recordingArchiver{}
	p := &dispatch.Pipeline{Transcriber: tr, Responder: rs, Archiver: ar, Provider: "mock", Language: "en"}

	s := stream.Segment{ID: 4, SessionID: "sess", PCM: make([]byte, 320), Format: audio.Canonical, Duration: 10 * time.Millisecond}
	out, err := p.Process(context.Background(), s)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Transcript != "turn on the lights" || out.Reply != "Done." {
		t.Errorf("out = %+v", out)
	}

	if tr.CallCount() != 1 {
		t.Fatalf("transcriber calls = %d", tr.CallCount())
	}
	req := tr.Calls[0].Req
	if req.SegmentID != 4 || req.SessionID != "sess" || req.Language != "en" || len(req.Audio) != 320 {
		t.Errorf("transcribe request = %+v", req)
	}
	if rs.CallCount() != 1 || rs.Calls[0].Transcript != "turn on the lights" {
		t.Errorf("responder calls = %+v", rs.Calls)
	}
	if len(ar.segs) != 1 || ar.segs[0] != 4 || ar.outs[0].Reply != "Done." {
		t.Errorf("archived = %v %+v", ar.segs, ar.outs)
	}
}

func TestPipeline_ReplyFailureKeepsTranscript(t *testing.T) {
	t.Parallel()
	tr := &transcribemock.Provider{Text: "hello"}
	rs := &respondmock.Provider{Errs: []error{errors.New("llm down")}}
	p := &dispatch.Pipeline{Transcriber: tr, Responder: rs}

	out, err := p.Process(context.Background(), stream.Segment{ID: 1})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Transcript != "hello" || out.Reply != "" {
		t.Errorf("out = %+v", out)
	}
}

func TestPipeline_EmptyTranscriptSkipsReply(t *testing.T) {
	t.Parallel()
	tr := &transcribemock.Provider{Steps: []transcribemock.Step{{Text: ""}}}
	rs := &respondmock.Provider{}
	p := &dispatch.Pipeline{Transcriber: tr, Responder: rs}

	if _, err := p.Process(context.Background(), stream.Segment{ID: 1}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rs.CallCount() != 0 {
		t.Errorf("responder called %d times for empty transcript", rs.CallCount())
	}
}

func TestPipeline_TranscribeErrorPropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	ar := &recordingArchiver{}
	p := &dispatch.Pipeline{Transcriber: &transcribemock.Provider{Err: boom}, Archiver: ar}

	if _, err := p.Process(context.Background(), stream.Segment{ID: 1}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(ar.segs) != 0 {
		t.Error("failed segment was archived")
	}
}

// TestPipeline_ThroughDispatcher runs the production processor inside the
// dispatcher with a scripted transient failure.
func TestPipeline_ThroughDispatcher(t *testing.T) {
	t.Parallel()
	tr := &transcribemock.Provider{Steps: []transcribemock.Step{
		{Err: fmt.Errorf("connection reset: %w", transcribe.ErrTransient)},
		{Text: "ok"},
	}}
	d := newDispatcher(t, &dispatch.Pipeline{Transcriber: tr}, dispatch.Config{
		MaxRetries: 1, RetryBase: time.Millisecond, RetryMax: time.Millisecond,
	})
	l, results := openLane(t, d)
	mustSubmit(t, d, l, stream.Segment{ID: 1, SessionID: "sess"})

	r := recv(t, results)
	if r.Status != dispatch.StatusSuccess || r.Transcript != "ok" || r.Retries != 1 {
		t.Errorf("result = %s %q retries=%d (%v)", r.Status, r.Transcript, r.Retries, r.Err)
	}
}
