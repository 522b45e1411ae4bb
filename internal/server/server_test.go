package server_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/audiostream/internal/dispatch"
	"github.com/MrWong99/audiostream/internal/server"
	"github.com/MrWong99/audiostream/internal/session"
	"github.com/MrWong99/audiostream/internal/stream"
)

// segmentBytes is one 100 ms segment of canonical audio.
const segmentBytes = 3200

type message struct {
	Type       string `json:"type"`
	SegmentID  uint64 `json:"segmentId"`
	Transcript string `json:"transcript"`
	Reason     string `json:"reason"`
}

// gate blocks every Process call until released.
type gate struct {
	once    sync.Once
	release chan struct{}
	started chan uint64
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), started: make(chan uint64, 16)}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) Process(ctx context.Context, seg stream.Segment) (dispatch.Output, error) {
	g.started <- seg.ID
	select {
	case <-g.release:
		return dispatch.Output{Transcript: fmt.Sprintf("segment %d", seg.ID)}, nil
	case <-ctx.Done():
		return dispatch.Output{}, ctx.Err()
	}
}

func newServer(t *testing.T, proc dispatch.Processor, maxSessions int) (*server.Server, *httptest.Server) {
	t.Helper()
	d, err := dispatch.New(proc, dispatch.Config{MaxGlobalInFlight: 8, MaxPerSessionInFlight: 2})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	srv, err := server.New(server.Config{
		MaxSessions: maxSessions,
		Session: session.Config{
			MaxSegment:    100 * time.Millisecond,
			Policy:        stream.PolicyConfig{Mode: stream.ModeFixedWindow},
			FlushInterval: 20 * time.Millisecond,
		},
	}, d)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = d.Close(ctx)
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func send(t *testing.T, c *websocket.Conn, typ websocket.MessageType, p []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, typ, p); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, c *websocket.Conn) (message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var m message
	err := wsjson.Read(ctx, c, &m)
	return m, err
}

func waitStarted(t *testing.T, g *gate) uint64 {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("processor never called")
		return 0
	}
}

func TestServer_EndToEnd(t *testing.T) {
	t.Parallel()
	g := newGate()
	g.open()
	_, ts := newServer(t, g, 4)

	c := dial(t, ts.URL)
	send(t, c, websocket.MessageBinary, make([]byte, segmentBytes))
	send(t, c, websocket.MessageBinary, make([]byte, segmentBytes/2))
	send(t, c, websocket.MessageText, []byte(`{"type":"end_of_stream"}`))

	for want := uint64(1); want <= 2; want++ {
		m, err := read(t, c)
		if err != nil {
			t.Fatalf("read %d: %v", want, err)
		}
		if m.Type != "result" || m.SegmentID != want || m.Transcript != fmt.Sprintf("segment %d", want) {
			t.Fatalf("message = %+v", m)
		}
	}
	_, err := read(t, c)
	if code := websocket.CloseStatus(err); code != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v (err %v), want normal closure", code, err)
	}
}

func TestServer_FramesUpToDefaultLimit(t *testing.T) {
	t.Parallel()
	g := newGate()
	g.open()
	_, ts := newServer(t, g, 4)

	// Above the WebSocket library's own 32 KiB default, below the 64 KiB
	// frame limit: 12 full segments plus a 50 ms tail.
	const frame = 40000
	c := dial(t, ts.URL)
	send(t, c, websocket.MessageBinary, make([]byte, frame))
	send(t, c, websocket.MessageText, []byte(`{"type":"end_of_stream"}`))

	want := frame/segmentBytes + 1
	for i := 1; i <= want; i++ {
		m, err := read(t, c)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if m.SegmentID != uint64(i) || (m.Type != "result" && m.Type != "dropped") {
			t.Fatalf("message %d = %+v", i, m)
		}
	}
	_, err := read(t, c)
	if code := websocket.CloseStatus(err); code != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v (err %v), want normal closure", code, err)
	}
}

func TestServer_OversizedFrameGetsNotice(t *testing.T) {
	t.Parallel()
	g := newGate()
	g.open()
	_, ts := newServer(t, g, 4)

	c := dial(t, ts.URL)
	send(t, c, websocket.MessageBinary, make([]byte, segmentBytes))
	send(t, c, websocket.MessageBinary, make([]byte, 3*64*1024))

	var sawResult, sawNotice bool
	for range 2 {
		m, err := read(t, c)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		switch {
		case m.Type == "result" && m.SegmentID == 1:
			sawResult = true
		case m.Type == "error" && m.Reason == "frame_too_large":
			sawNotice = true
		default:
			t.Fatalf("unexpected message %+v", m)
		}
	}
	if !sawResult || !sawNotice {
		t.Errorf("result=%v notice=%v", sawResult, sawNotice)
	}
	_, err := read(t, c)
	if code := websocket.CloseStatus(err); code != websocket.StatusMessageTooBig {
		t.Fatalf("close status = %v (err %v), want message too big", code, err)
	}
}

func TestServer_RejectsAtCapacity(t *testing.T) {
	t.Parallel()
	srv, ts := newServer(t, newGate(), 1)

	dial(t, ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, ts.URL, nil)
	if err == nil {
		t.Fatal("second connection accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %+v, want 503", resp)
	}
	if n := len(srv.Sessions()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestServer_ShutdownDrains(t *testing.T) {
	t.Parallel()
	g := newGate()
	srv, ts := newServer(t, g, 4)

	c := dial(t, ts.URL)
	send(t, c, websocket.MessageBinary, make([]byte, segmentBytes))
	waitStarted(t, g)

	infos := srv.Sessions()
	if len(infos) != 1 || infos[0].State != session.StateActive {
		t.Fatalf("sessions = %+v", infos)
	}

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctx)
	}()

	// The outstanding segment still completes.
	deadline := time.Now().Add(2 * time.Second)
	for !srv.Closing() {
		if time.Now().After(deadline) {
			t.Fatal("server never started closing")
		}
		time.Sleep(time.Millisecond)
	}
	g.open()

	m, err := read(t, c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Type != "result" || m.SegmentID != 1 {
		t.Fatalf("message = %+v", m)
	}
	_, err = read(t, c)
	if code := websocket.CloseStatus(err); code != websocket.StatusGoingAway {
		t.Fatalf("close status = %v (err %v), want going away", code, err)
	}
	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, ts.URL, nil)
	if err == nil {
		t.Fatal("connection accepted after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %+v, want 503", resp)
	}
}

func TestServer_ShutdownDeadlineForcesClose(t *testing.T) {
	t.Parallel()
	g := newGate()
	srv, ts := newServer(t, g, 4)

	c := dial(t, ts.URL)
	send(t, c, websocket.MessageBinary, make([]byte, segmentBytes))
	waitStarted(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want deadline exceeded", err)
	}
	if n := len(srv.Sessions()); n != 0 {
		t.Errorf("sessions after forced shutdown = %d", n)
	}

	// No result arrives; the connection is simply dropped.
	if _, err := read(t, c); err == nil {
		t.Fatal("read succeeded after forced shutdown")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := server.New(server.Config{}, nil); err == nil {
		t.Error("nil dispatcher accepted")
	}
	d, err := dispatch.New(newGate(), dispatch.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	if _, err := server.New(server.Config{MaxSessions: -1}, d); err == nil {
		t.Error("negative MaxSessions accepted")
	}
}
