// Package awstranscribe provides a transcribe.Provider backed by Amazon
// Transcribe streaming.
//
// Each segment opens one StartStreamTranscription stream: the PCM is sent as
// a sequence of audio events, the input side is closed, and the final
// (non-partial) results are joined into the transcript. Credentials and the
// region come from the AWS SDK's default chain unless overridden.
package awstranscribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/audiostream/pkg/audio"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
)

// DefaultLanguage is used when neither the request nor the provider names
// a language.
const DefaultLanguage = types.LanguageCodeEnUs

// DefaultChunk is the audio duration carried by one audio event.
const DefaultChunk = 100 * time.Millisecond

const providerName = "aws"

var _ transcribe.Provider = (*Provider)(nil)

// eventStream is the part of *transcribestreaming.StartStreamTranscriptionEventStream
// the provider uses.
type eventStream interface {
	Send(ctx context.Context, event types.AudioStream) error
	CloseSend() error
	Events() <-chan types.TranscriptResultStream
	Close() error
	Err() error
}

// starter opens one transcription stream.
type starter interface {
	Start(ctx context.Context, in *transcribestreaming.StartStreamTranscriptionInput) (eventStream, error)
}

// Provider implements transcribe.Provider using Amazon Transcribe streaming.
type Provider struct {
	client   starter
	language types.LanguageCode
	chunk    time.Duration
}

type config struct {
	region   string
	endpoint string
	language string
	chunk    time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithRegion overrides the region resolved by the SDK.
func WithRegion(region string) Option {
	return func(c *config) { c.region = region }
}

// WithEndpoint overrides the service endpoint, e.g. for a local emulator.
func WithEndpoint(url string) Option {
	return func(c *config) { c.endpoint = url }
}

// WithLanguage sets the default language code such as "en-US". A request
// language containing a region ("de-DE") takes precedence.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithChunk sets the audio duration sent per event. Amazon recommends
// 50 to 200 ms.
func WithChunk(d time.Duration) Option {
	return func(c *config) { c.chunk = d }
}

// New loads the default AWS configuration and returns a Provider.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws transcribe: load aws config: %w", err)
	}

	client := transcribestreaming.NewFromConfig(awsCfg, func(o *transcribestreaming.Options) {
		if cfg.endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.endpoint)
		}
		// The dispatcher owns retries.
		o.RetryMaxAttempts = 1
	})
	return newProvider(sdkStarter{client: client}, cfg), nil
}

func newProvider(client starter, cfg *config) *Provider {
	lang := types.LanguageCode(cfg.language)
	if lang == "" {
		lang = DefaultLanguage
	}
	chunk := cfg.chunk
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	return &Provider{client: client, language: lang, chunk: chunk}
}

// Language returns the default language code.
func (p *Provider) Language() string { return string(p.language) }

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	f := req.Format
	if !f.Valid() {
		f = audio.Canonical
	}
	pcm := req.Audio
	if f.Channels != 1 {
		mono := audio.Format{SampleRate: f.SampleRate, Channels: 1}
		pcm = audio.Convert(pcm, f, mono)
		f = mono
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	es, err := p.client.Start(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         p.languageFor(req.Language),
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(int32(f.SampleRate)),
	})
	if err != nil {
		return "", fmt.Errorf("aws transcribe: segment %d: start stream: %w", req.SegmentID, classify(err))
	}
	defer es.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := p.sendAudio(gctx, es, pcm, f)
		if err != nil {
			// Unblocks the event loop below.
			cancel()
		}
		return err
	})

	var parts []string
	for ev := range es.Events() {
		te, ok := ev.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || te.Value.Transcript == nil {
			continue
		}
		for _, r := range te.Value.Transcript.Results {
			if r.IsPartial || len(r.Alternatives) == 0 {
				continue
			}
			if text := strings.TrimSpace(aws.ToString(r.Alternatives[0].Transcript)); text != "" {
				parts = append(parts, text)
			}
		}
	}

	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("aws transcribe: segment %d: send audio: %w", req.SegmentID, classify(err))
	}
	if err := es.Err(); err != nil {
		return "", fmt.Errorf("aws transcribe: segment %d: %w", req.SegmentID, classify(err))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return strings.Join(parts, " "), nil
}

// sendAudio streams pcm in chunk-sized audio events and then closes the
// input side, which tells the service no more audio follows.
func (p *Provider) sendAudio(ctx context.Context, es eventStream, pcm []byte, f audio.Format) error {
	size := f.ByteLen(p.chunk)
	if size <= 0 {
		size = len(pcm)
	}
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		ev := &types.AudioStreamMemberAudioEvent{Value: types.AudioEvent{AudioChunk: pcm[off:end]}}
		if err := es.Send(ctx, ev); err != nil {
			return err
		}
	}
	return es.CloseSend()
}

// languageFor picks the stream language. Amazon wants full codes such as
// "en-US", so bare ISO-639-1 hints fall back to the provider default.
func (p *Provider) languageFor(hint string) types.LanguageCode {
	if strings.Contains(hint, "-") {
		return types.LanguageCode(hint)
	}
	return p.language
}

// classify maps SDK failures onto the transcribe error taxonomy: HTTP
// responses become StatusError, server faults and throttling are transient.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		se := &transcribe.StatusError{Provider: providerName, StatusCode: re.HTTPStatusCode()}
		if re.Err != nil {
			se.Message = re.Err.Error()
		}
		return se
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		var limit *types.LimitExceededException
		if ae.ErrorFault() == smithy.FaultServer || errors.As(err, &limit) {
			return fmt.Errorf("%w: %w", transcribe.ErrTransient, err)
		}
	}
	return err
}

// sdkStarter adapts the generated client to starter.
type sdkStarter struct {
	client *transcribestreaming.Client
}

func (s sdkStarter) Start(ctx context.Context, in *transcribestreaming.StartStreamTranscriptionInput) (eventStream, error) {
	out, err := s.client.StartStreamTranscription(ctx, in)
	if err != nil {
		return nil, err
	}
	return sdkStream{out.GetStream()}, nil
}

type sdkStream struct {
	*transcribestreaming.StartStreamTranscriptionEventStream
}

// CloseSend ends the audio input while leaving the result stream open.
func (s sdkStream) CloseSend() error { return s.Writer.Close() }
