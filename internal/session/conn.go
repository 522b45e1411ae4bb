package session

import (
	"context"
	"io"

	"github.com/coder/websocket"

	"github.com/MrWong99/audiostream/internal/codec"
)

// LimitFrames wraps c so that inbound messages above maxFrameBytes are read
// to the end, discarded and reported as a [*codec.FrameTooLargeError]. The
// session then answers with a frame_too_large notice and drains, instead of
// the WebSocket library failing the connection. maxFrameBytes <= 0 selects
// codec.DefaultMaxFrameBytes.
func LimitFrames(c *websocket.Conn, maxFrameBytes int) Conn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = codec.DefaultMaxFrameBytes
	}
	// The wrapper enforces the limit itself.
	c.SetReadLimit(-1)
	return &limitedConn{Conn: c, max: maxFrameBytes}
}

type limitedConn struct {
	*websocket.Conn
	max int
}

func (c *limitedConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	typ, r, err := c.Conn.Reader(ctx)
	if err != nil {
		return 0, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(c.max)+1))
	if err != nil {
		return 0, nil, err
	}
	if len(data) <= c.max {
		return typ, data, nil
	}
	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return 0, nil, err
	}
	return typ, nil, &codec.FrameTooLargeError{Size: len(data) + int(rest), Limit: c.max}
}
