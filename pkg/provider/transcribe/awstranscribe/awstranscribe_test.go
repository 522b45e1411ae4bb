package awstranscribe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/MrWong99/audiostream/pkg/audio"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
)

// ---- helpers ----------------------------------------------------------------

// fakeWriter records audio events. Close marks the end of input.
type fakeWriter struct {
	mu      sync.Mutex
	chunks  [][]byte
	sendErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func (w *fakeWriter) Send(_ context.Context, ev types.AudioStream) error {
	if w.sendErr != nil {
		return w.sendErr
	}
	a, ok := ev.(*types.AudioStreamMemberAudioEvent)
	if !ok {
		return errors.New("unexpected event type")
	}
	w.mu.Lock()
	w.chunks = append(w.chunks, append([]byte(nil), a.Value.AudioChunk...))
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

func (w *fakeWriter) Err() error { return nil }

func (w *fakeWriter) sent() (n, total int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.chunks {
		total += len(c)
	}
	return len(w.chunks), total
}

type fakeReader struct {
	events chan types.TranscriptResultStream
	err    error
}

func (r *fakeReader) Events() <-chan types.TranscriptResultStream { return r.events }
func (r *fakeReader) Close() error                                { return nil }
func (r *fakeReader) Err() error                                  { return r.err }

// fakeService answers every stream with the scripted events once the input
// side is closed, like the real service does for short segments.
type fakeService struct {
	results  []types.Result
	startErr error
	sendErr  error
	readErr  error

	mu     sync.Mutex
	inputs []*transcribestreaming.StartStreamTranscriptionInput
	writer *fakeWriter
}

func (s *fakeService) Start(ctx context.Context, in *transcribestreaming.StartStreamTranscriptionInput) (eventStream, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}

	w := &fakeWriter{closed: make(chan struct{}), sendErr: s.sendErr}
	r := &fakeReader{events: make(chan types.TranscriptResultStream, len(s.results)+1), err: s.readErr}
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()

	go func() {
		defer close(r.events)
		select {
		case <-w.closed:
		case <-ctx.Done():
			return
		}
		for _, res := range s.results {
			r.events <- &types.TranscriptResultStreamMemberTranscriptEvent{
				Value: types.TranscriptEvent{Transcript: &types.Transcript{Results: []types.Result{res}}},
			}
		}
	}()

	es := transcribestreaming.NewStartStreamTranscriptionEventStream(func(es *transcribestreaming.StartStreamTranscriptionEventStream) {
		es.Writer = w
		es.Reader = r
	})
	return sdkStream{es}, nil
}

func (s *fakeService) lastInput() *transcribestreaming.StartStreamTranscriptionInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[len(s.inputs)-1]
}

func result(text string, partial bool) types.Result {
	return types.Result{
		IsPartial:    partial,
		Alternatives: []types.Alternative{{Transcript: aws.String(text)}},
	}
}

func oneSecond() []byte { return make([]byte, audio.Canonical.BytesPerSecond()) }

// ---- tests ------------------------------------------------------------------

func TestTranscribe_JoinsFinalResults(t *testing.T) {
	t.Parallel()
	svc := &fakeService{results: []types.Result{
		result("hel", true),
		result("hello", false),
		result(" ", false),
		result("world", false),
	}}
	p := newProvider(svc, &config{})

	text, err := p.Transcribe(context.Background(), transcribe.Request{
		SegmentID: 1,
		Audio:     oneSecond(),
		Format:    audio.Canonical,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want %q", text, "hello world")
	}

	in := svc.lastInput()
	if in.LanguageCode != types.LanguageCodeEnUs {
		t.Errorf("language = %q, want en-US", in.LanguageCode)
	}
	if in.MediaEncoding != types.MediaEncodingPcm {
		t.Errorf("encoding = %q, want pcm", in.MediaEncoding)
	}
	if got := aws.ToInt32(in.MediaSampleRateHertz); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}

	n, total := svc.writer.sent()
	if n != 10 || total != audio.Canonical.BytesPerSecond() {
		t.Errorf("sent %d chunks / %d bytes, want 10 / %d", n, total, audio.Canonical.BytesPerSecond())
	}
}

func TestTranscribe_Language(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		provider string
		request  string
		want     types.LanguageCode
	}{
		{"default", "", "", types.LanguageCodeEnUs},
		{"provider default", "de-DE", "", "de-DE"},
		{"request wins", "de-DE", "fr-FR", "fr-FR"},
		{"bare hint ignored", "de-DE", "en", "de-DE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := &fakeService{}
			p := newProvider(svc, &config{language: tt.provider})
			if _, err := p.Transcribe(context.Background(), transcribe.Request{Audio: oneSecond(), Language: tt.request}); err != nil {
				t.Fatalf("Transcribe: %v", err)
			}
			if got := svc.lastInput().LanguageCode; got != tt.want {
				t.Errorf("language = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTranscribe_DownmixesStereo(t *testing.T) {
	t.Parallel()
	svc := &fakeService{results: []types.Result{result("stereo", false)}}
	p := newProvider(svc, &config{})
	stereo := audio.Format{SampleRate: 16000, Channels: 2}

	if _, err := p.Transcribe(context.Background(), transcribe.Request{
		Audio:  make([]byte, stereo.BytesPerSecond()),
		Format: stereo,
	}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if _, total := svc.writer.sent(); total != audio.Canonical.BytesPerSecond() {
		t.Errorf("sent %d bytes, want %d mono bytes", total, audio.Canonical.BytesPerSecond())
	}
}

func TestTranscribe_ErrorClassification(t *testing.T) {
	t.Parallel()
	unavailable := &awshttp.ResponseError{ResponseError: &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}},
		Err:      errors.New("service unavailable"),
	}}

	tests := []struct {
		name      string
		svc       *fakeService
		transient bool
	}{
		{"internal failure", &fakeService{startErr: &types.InternalFailureException{}}, true},
		{"throttled", &fakeService{startErr: &types.LimitExceededException{}}, true},
		{"bad request", &fakeService{startErr: &types.BadRequestException{}}, false},
		{"http 503", &fakeService{startErr: unavailable}, true},
		{"stream error", &fakeService{readErr: &types.ServiceUnavailableException{}}, true},
		{"send error", &fakeService{sendErr: errors.New("signing failed")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newProvider(tt.svc, &config{})
			_, err := p.Transcribe(context.Background(), transcribe.Request{SegmentID: 7, Audio: oneSecond()})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), "segment 7") {
				t.Errorf("error %q does not name the segment", err)
			}
			if got := transcribe.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, got, tt.transient)
			}
		})
	}

	var se *transcribe.StatusError
	p := newProvider(&fakeService{startErr: unavailable}, &config{})
	_, err := p.Transcribe(context.Background(), transcribe.Request{Audio: oneSecond()})
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable || se.Provider != "aws" {
		t.Errorf("err = %v, want aws StatusError 503", err)
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	t.Parallel()
	p := newProvider(&fakeService{}, &config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Transcribe(ctx, transcribe.Request{Audio: oneSecond()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if transcribe.IsTransient(err) {
		t.Error("cancellation classified as transient")
	}
}
