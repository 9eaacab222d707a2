package warp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultConnectTimeout and DefaultIdleTimeout match spec.md §5's upstream
// timeouts.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
)

// Transport issues one streaming upstream request per Send call and
// decodes the response body into typed events (spec.md §4.4).
type Transport struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger
}

// Options configures a Transport.
type Options struct {
	URL            string
	HTTPClient     *http.Client
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// New constructs a Transport targeting a single Warp upstream URL.
func New(opts Options) *Transport {
	client := opts.HTTPClient
	if client == nil {
		connectTimeout := opts.ConnectTimeout
		if connectTimeout == 0 {
			connectTimeout = DefaultConnectTimeout
		}
		dialer := &net.Dialer{Timeout: connectTimeout}
		client = &http.Client{
			// No blanket request timeout: the response is a long-lived
			// stream. Connect-time bounding happens in DialContext;
			// idle-read bounding is the caller's context deadline per read.
			Transport: &http.Transport{DialContext: dialer.DialContext},
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{httpClient: client, url: opts.URL, logger: logger}
}

// Stream is the lazy, finite, non-restartable sequence of Events produced
// by one Send call. Calling Close before the stream is drained releases
// the underlying connection (spec.md §5 cancellation requirement).
type Stream struct {
	body   readCloserWithTimeout
	codec  *codec
	events []Event
	done   bool
}

type readCloserWithTimeout interface {
	Read(p []byte) (int, error)
	Close() error
}

// Send opens one HTTPS connection, writes requestBytes as the body, and
// returns a Stream over the decoded response events.
func (t *Transport) Send(ctx context.Context, accessToken string, requestBytes []byte) (*Stream, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(requestBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("warp: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("warp: send: %w", err)
	}

	return &Stream{body: resp.Body, codec: newCodec()}, resp.StatusCode, nil
}

// Next reads from the connection until at least one event is decoded or
// the stream ends. It returns (nil, false, nil) once the stream is
// exhausted cleanly.
func (s *Stream) Next() (*Event, bool, error) {
	for len(s.events) == 0 {
		if s.done {
			return nil, false, nil
		}
		buf := make([]byte, 8192)
		n, err := s.body.Read(buf)
		if n > 0 {
			frames, decodeErr := s.codec.feed(buf[:n])
			for _, f := range frames {
				s.events = append(s.events, toEvent(f))
			}
			if decodeErr != nil {
				s.done = true
				s.events = append(s.events, Event{Kind: EventError, Err: decodeErr})
				break
			}
		}
		if err != nil {
			s.done = true
			if len(s.events) == 0 {
				if errors.Is(err, io.EOF) {
					return nil, false, nil
				}
				return nil, false, fmt.Errorf("warp: read: %w", err)
			}
		}
	}

	ev := s.events[0]
	s.events = s.events[1:]
	if ev.Kind == EventEnd || ev.Kind == EventError {
		s.done = true
		s.events = nil
	}
	return &ev, true, nil
}

// Close releases the underlying connection. Safe to call multiple times
// and required when a consumer abandons the stream early.
func (s *Stream) Close() error {
	return s.body.Close()
}

// maxRawErrorBody caps how much of a non-2xx response body the classifier
// gets to inspect; error bodies are small and this bounds worst-case memory.
const maxRawErrorBody = 64 * 1024

// ReadAllRaw reads the body without going through the event codec, for
// error responses that aren't Warp-framed at all. The stream must not have
// had Next called on it yet.
func (s *Stream) ReadAllRaw() ([]byte, error) {
	limited := io.LimitReader(s.body, maxRawErrorBody)
	data, err := io.ReadAll(limited)
	if err != nil && !errors.Is(err, io.EOF) {
		return data, fmt.Errorf("warp: read raw body: %w", err)
	}
	return data, nil
}
