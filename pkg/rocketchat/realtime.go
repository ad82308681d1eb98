package rocketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/net/websocket"
)

// Realtime (DDP) message kinds.
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgSub       = "sub"
	MsgReady     = "ready"
	MsgNoSub     = "nosub"
	MsgChanged   = "changed"
	MsgPing      = "ping"
	MsgPong      = "pong"
	MsgError     = "error"
)

// Stream and event names of the online-status notifications.
const (
	StreamNotifyLogged = "stream-notify-logged"
	EventUserStatus    = "user-status"
)

// User status codes of user-status events.
const (
	StatusOffline = 0
	StatusOnline  = 1
	StatusAway    = 2
	StatusBusy    = 3
)

// statusCodes maps the textual statuses older servers send.
var statusCodes = map[string]int{
	"offline": StatusOffline,
	"online":  StatusOnline,
	"away":    StatusAway,
	"busy":    StatusBusy,
}

// Request is an outgoing realtime message.
type Request struct {
	Msg     string   `json:"msg"`
	ID      string   `json:"id,omitempty"`
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`
	Method  string   `json:"method,omitempty"`
	Name    string   `json:"name,omitempty"`
	Params  []any    `json:"params,omitempty"`
}

// ConnectRequest opens a DDP session.
func ConnectRequest() Request {
	return Request{Msg: MsgConnect, Version: "1", Support: []string{"1"}}
}

// ResumeLoginRequest authenticates with a resume token.
func ResumeLoginRequest(id, token string) Request {
	return Request{
		Msg:    MsgMethod,
		ID:     id,
		Method: "login",
		Params: []any{map[string]string{"resume": token}},
	}
}

// SubscribeRequest subscribes to a stream event.
func SubscribeRequest(id, stream, event string) Request {
	return Request{Msg: MsgSub, ID: id, Name: stream, Params: []any{event, false}}
}

// PongRequest answers a ping, echoing its id.
func PongRequest(id string) Request {
	return Request{Msg: MsgPong, ID: id}
}

// Frame is an incoming realtime message.
type Frame struct {
	Msg        string        `json:"msg"`
	ID         string        `json:"id"`
	Collection string        `json:"collection"`
	Fields     *StreamFields `json:"fields"`
	Error      *FrameError   `json:"error"`
	Reason     string        `json:"reason"`
	Subs       []string      `json:"subs"`
}

// StreamFields carries a stream event.
type StreamFields struct {
	EventName string            `json:"eventName"`
	Args      []json.RawMessage `json:"args"`
}

// FrameError is the error payload of result and nosub messages.
type FrameError struct {
	Code      json.RawMessage `json:"error"`
	Reason    string          `json:"reason"`
	Message   string          `json:"message"`
	ErrorType string          `json:"errorType"`
}

func (e *FrameError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Reason != "" {
		return e.Reason
	}
	return string(e.Code)
}

// ParseFrame decodes a realtime message.
func ParseFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode realtime frame: %w", err)
	}
	if frame.Msg == "" {
		return Frame{}, fmt.Errorf("realtime frame without msg")
	}
	return frame, nil
}

// StatusChange is one (id, username, status, extra) tuple of a
// user-status event.
type StatusChange struct {
	UserID   string
	Username string
	Status   int
	Extra    json.RawMessage
}

// UnmarshalJSON decodes the positional tuple form.
func (s *StatusChange) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) < 3 {
		return fmt.Errorf("status tuple has %d elements, want at least 3", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &s.UserID); err != nil {
		return fmt.Errorf("status tuple user id: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &s.Username); err != nil {
		return fmt.Errorf("status tuple username: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &s.Status); err != nil {
		var name string
		if json.Unmarshal(tuple[2], &name) != nil {
			return fmt.Errorf("status tuple status: %w", err)
		}
		code, ok := statusCodes[name]
		if !ok {
			return fmt.Errorf("status tuple status: unknown status %q", name)
		}
		s.Status = code
	}
	if len(tuple) > 3 {
		s.Extra = tuple[3]
	}
	return nil
}

// StatusChanges decodes the tuples of a user-status event. Malformed tuples
// are skipped and reported together in the error; the well-formed ones are
// returned either way.
func (f *StreamFields) StatusChanges() ([]StatusChange, error) {
	changes := make([]StatusChange, 0, len(f.Args))
	var errs []error
	for i, arg := range f.Args {
		var change StatusChange
		if err := json.Unmarshal(arg, &change); err != nil {
			errs = append(errs, fmt.Errorf("user-status argument %d: %w", i, err))
			continue
		}
		changes = append(changes, change)
	}
	return changes, errors.Join(errs...)
}

// RealtimeConn is a realtime WebSocket connection. Writes are serialized;
// reads must come from a single goroutine.
type RealtimeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// DialRealtime opens the realtime WebSocket.
func (c *Client) DialRealtime(ctx context.Context) (*RealtimeConn, error) {
	u, err := url.Parse(c.realtimeURL)
	if err != nil {
		return nil, fmt.Errorf("rocketchat: invalid realtime URL %q: %w", c.realtimeURL, err)
	}
	origin := *u
	origin.Path = "/"
	switch origin.Scheme {
	case "wss":
		origin.Scheme = "https"
	default:
		origin.Scheme = "http"
	}
	config, err := websocket.NewConfig(c.realtimeURL, origin.String())
	if err != nil {
		return nil, fmt.Errorf("rocketchat: realtime config: %w", err)
	}
	ws, err := config.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("rocketchat: dial %s: %w", c.realtimeURL, err)
	}
	c.logger.Debug("connected to rocket.chat realtime API", "url", c.realtimeURL)
	return &RealtimeConn{ws: ws}, nil
}

// ReadMessage blocks until the next message arrives.
func (r *RealtimeConn) ReadMessage() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(r.ws, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteJSON sends v as a JSON text message.
func (r *RealtimeConn) WriteJSON(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return websocket.JSON.Send(r.ws, v)
}

// Close closes the connection, unblocking ReadMessage.
func (r *RealtimeConn) Close() error {
	return r.ws.Close()
}
