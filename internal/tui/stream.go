package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/ehr/carewatch/internal/platform/websocket"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Messages the stream sends to the program.
type (
	connectedMsg    struct{}
	disconnectedMsg struct {
		err   error
		retry time.Duration
	}
	eventMsg struct{ event websocket.Event }
)

// Stream follows the WebSocket subscription of a target and reconnects with
// exponential backoff.
type Stream struct {
	url        string
	header     http.Header
	dialer     *gorillawebsocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewStream(server, token string, t Target) (*Stream, error) {
	u, err := streamURL(server, t)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &Stream{
		url:        u,
		header:     header,
		dialer:     &gorillawebsocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}, nil
}

// streamURL maps the REST base URL onto the subscription endpoint.
func streamURL(server string, t Target) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/ws"
	q := url.Values{}
	if t.Ward != "" {
		q.Set("ward", t.Ward)
	} else {
		q.Set("patient", t.PatientID.String())
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run delivers stream messages to send until ctx ends.
func (s *Stream) Run(ctx context.Context, send func(tea.Msg)) {
	backoff := s.minBackoff
	for {
		connected, err := s.session(ctx, send)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = s.minBackoff
		}
		send(disconnectedMsg{err: err, retry: backoff})

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// session runs one connection. It reports whether the dial succeeded.
func (s *Stream) session(ctx context.Context, send func(tea.Msg)) (bool, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %s", resp.Status)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	send(connectedMsg{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		var ev websocket.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		send(eventMsg{event: ev})
	}
}
