package realtimeclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes used by the controller.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseAbnormal        = websocket.CloseAbnormalClosure
	CloseHeartbeatMissed = 4000
)

// Socket is one open WebSocket connection. WriteMessage and Close are only
// called with the manager lock held, so implementations need not
// serialize writers themselves.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// CloseError is returned by ReadMessage when the peer closed the socket.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Reason)
}

// closeInfo extracts the close code from a read error. Anything that is not
// a close frame is an abnormal closure.
func closeInfo(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return CloseAbnormal, err.Error()
}

// GorillaDialer dials real WebSocket connections.
type GorillaDialer struct {
	Dialer    *websocket.Dialer
	WriteWait time.Duration
}

// NewGorillaDialer returns a dialer with a 10s handshake timeout.
func NewGorillaDialer() *GorillaDialer {
	return &GorillaDialer{
		Dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		WriteWait: 10 * time.Second,
	}
}

func (d *GorillaDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", redactToken(rawURL), resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", redactToken(rawURL), err)
	}
	return &gorillaSocket{conn: conn, writeWait: d.WriteWait}, nil
}

type gorillaSocket struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (s *gorillaSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (s *gorillaSocket) WriteMessage(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *gorillaSocket) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait))
	return s.conn.Close()
}

// BuildURL derives the ticket socket URL from an API base such as
// https://ops.example.com/api. http becomes ws and https becomes wss; the
// token, if any, is appended as a query parameter.
func BuildURL(apiBase, token string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parse api base: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api base scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/tickets"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func redactToken(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
