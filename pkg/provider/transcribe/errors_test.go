package transcribe

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"
	"testing"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	t.Parallel()
	post := func(err error) error {
		return &url.Error{Op: "Post", URL: "https://api.example.com/v1/audio", Err: err}
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"marked transient", fmt.Errorf("%w: upstream hiccup", ErrTransient), true},
		{"503", &StatusError{Provider: "x", StatusCode: 503}, true},
		{"429", &StatusError{Provider: "x", StatusCode: 429}, true},
		{"408", &StatusError{Provider: "x", StatusCode: 408}, true},
		{"400", &StatusError{Provider: "x", StatusCode: 400}, false},
		{"unexpected eof", post(io.ErrUnexpectedEOF), true},
		{"connection reset", post(&net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}), true},
		{"connection refused", post(&net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}), true},
		{"network timeout", post(timeoutError{}), true},
		{"unsupported scheme", post(errors.New(`unsupported protocol scheme "ftp"`)), false},
		{"bad certificate", post(x509.UnknownAuthorityError{}), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
