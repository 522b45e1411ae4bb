// Package storage archives processed segments to S3-compatible object
// storage.
//
// Archiving happens off the processing path: [Archiver.Archive] only
// enqueues, and a single background worker uploads. When the queue is full
// the segment is skipped and counted, never retried.
//
// Each segment becomes two objects under <prefix>/<session>/<segment>:
// a playable .wav file and a .json document holding the transcript.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MrWong99/audiostream/internal/dispatch"
	"github.com/MrWong99/audiostream/internal/observe"
	"github.com/MrWong99/audiostream/internal/stream"
	"github.com/MrWong99/audiostream/pkg/audio"
)

const (
	defaultQueueSize     = 64
	defaultUploadTimeout = 30 * time.Second
)

// Config configures an [Archiver].
type Config struct {
	Bucket string

	// Region is passed to the AWS SDK. Empty uses the SDK's default
	// resolution (AWS_REGION, shared config).
	Region string

	// Prefix is prepended to every object key.
	Prefix string

	// QueueSize bounds segments waiting for upload.
	QueueSize int

	// UploadTimeout bounds each PutObject call.
	UploadTimeout time.Duration

	Metrics *observe.Metrics
}

// putter is the subset of the S3 client the archiver needs.
type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type job struct {
	seg stream.Segment
	out dispatch.Output
}

// Archiver uploads segments in the background.
type Archiver struct {
	client  putter
	cfg     Config
	metrics *observe.Metrics

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	done   chan struct{}
}

var _ dispatch.Archiver = (*Archiver)(nil)

// New creates an Archiver backed by the AWS SDK's default credential chain.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket must not be empty")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	return newArchiver(s3.NewFromConfig(awsCfg), cfg), nil
}

func newArchiver(client putter, cfg Config) *Archiver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	a := &Archiver{
		client:  client,
		cfg:     cfg,
		metrics: cfg.Metrics,
		jobs:    make(chan job, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Archive queues seg for upload. It never blocks.
func (a *Archiver) Archive(seg stream.Segment, out dispatch.Output) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.metrics.RecordArchive(context.Background(), "dropped")
		return
	}
	select {
	case a.jobs <- job{seg: seg, out: out}:
	default:
		a.metrics.RecordArchive(context.Background(), "dropped")
		slog.Warn("archive queue full, skipping segment",
			"session_id", seg.SessionID, "segment_id", seg.ID)
	}
}

// Close stops accepting segments and waits for queued uploads to finish or
// ctx to end, whichever comes first.
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.jobs)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("storage: close: %w", ctx.Err())
	}
}

func (a *Archiver) run() {
	defer close(a.done)
	for j := range a.jobs {
		status := "ok"
		if err := a.upload(j); err != nil {
			status = "error"
			slog.Error("segment archive failed",
				"session_id", j.seg.SessionID, "segment_id", j.seg.ID, "err", err)
		}
		a.metrics.RecordArchive(context.Background(), status)
	}
}

// record is the JSON document stored beside each segment's audio.
type record struct {
	SessionID  string `json:"sessionId"`
	SegmentID  uint64 `json:"segmentId"`
	StartMS    int64  `json:"startMs"`
	DurationMS int64  `json:"durationMs"`
	SampleRate int    `json:"sampleRate"`
	Final      bool   `json:"final"`
	Transcript string `json:"transcript"`
	Reply      string `json:"reply,omitempty"`
}

// Key returns the object key, without extension, for a segment.
func Key(prefix, sessionID string, segmentID uint64) string {
	return path.Join(prefix, sessionID, fmt.Sprintf("%06d", segmentID))
}

func (a *Archiver) upload(j job) error {
	key := Key(a.cfg.Prefix, j.seg.SessionID, j.seg.ID)

	meta, err := json.Marshal(record{
		SessionID:  j.seg.SessionID,
		SegmentID:  j.seg.ID,
		StartMS:    j.seg.Start.Milliseconds(),
		DurationMS: j.seg.Duration.Milliseconds(),
		SampleRate: j.seg.Format.SampleRate,
		Final:      j.seg.Final,
		Transcript: j.out.Transcript,
		Reply:      j.out.Reply,
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := a.put(key+".wav", "audio/wav", audio.EncodeWAV(j.seg.PCM, j.seg.Format)); err != nil {
		return err
	}
	return a.put(key+".json", "application/json", meta)
}

func (a *Archiver) put(key, contentType string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.UploadTimeout)
	defer cancel()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
