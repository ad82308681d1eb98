// Package listener follows online-status notifications on the Rocket.Chat
// realtime API and reports users coming online.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mscno/roomsync/pkg/rocketchat"
)

// ErrDisconnected is returned by Run when the connection is lost and the
// policy does not allow reconnecting.
var ErrDisconnected = errors.New("realtime connection lost")

// State is the connection state of a Listener.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticated
	Subscribed
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Subscribed:
		return "subscribed"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Policy decides what happens when the connection is lost.
type Policy string

const (
	// PolicyExit makes Run return ErrDisconnected so a supervisor restarts
	// the process.
	PolicyExit Policy = "exit"
	// PolicyReconnect reconnects with exponential backoff.
	PolicyReconnect Policy = "reconnect"
)

// ProtocolError reports an unexpected or failed realtime exchange.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("realtime protocol error on %q: %v", e.Msg, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Conn is a realtime connection. *rocketchat.RealtimeConn implements it.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// DialFunc opens a realtime connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Config configures a Listener.
type Config struct {
	Dial DialFunc
	// UserID is the id of the service account. Its own status changes are
	// ignored.
	UserID    string
	AuthToken string
	// OnOnline is called with the username of every user coming online. Calls
	// run concurrently with each other and with the read loop.
	OnOnline func(ctx context.Context, username string)
	// OnError is called with every connection and protocol error. Defaults
	// to logging.
	OnError func(err error)
	Policy  Policy
	// MaxAttempts caps consecutive failed connections under PolicyReconnect.
	// A connection that reached streaming before it dropped does not count.
	// Zero means no cap.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// Stats is a snapshot of listener activity.
type Stats struct {
	State     State
	Events    int64
	LastEvent time.Time
	Sessions  int64
}

// Listener maintains a realtime subscription to user-status events.
type Listener struct {
	config Config
	logger *slog.Logger

	state     atomic.Int32
	events    atomic.Int64
	sessions  atomic.Int64
	lastEvent atomic.Int64
	ids       atomic.Uint64

	callbacks sync.WaitGroup
}

// New validates config and returns a Listener.
func New(config Config) (*Listener, error) {
	if config.Dial == nil {
		return nil, errors.New("listener: dial func is required")
	}
	if config.UserID == "" || config.AuthToken == "" {
		return nil, errors.New("listener: user id and auth token are required")
	}
	if config.OnOnline == nil {
		return nil, errors.New("listener: OnOnline callback is required")
	}
	switch config.Policy {
	case PolicyExit, PolicyReconnect:
	case "":
		config.Policy = PolicyExit
	default:
		return nil, fmt.Errorf("listener: unknown disconnect policy %q", config.Policy)
	}
	if config.MaxAttempts < 0 {
		return nil, errors.New("listener: max attempts must not be negative")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	l := &Listener{config: config, logger: config.Logger}
	if l.config.OnError == nil {
		l.config.OnError = func(err error) {
			l.logger.Error("realtime error", "error", err)
		}
	}
	return l, nil
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Stats returns a snapshot of listener activity.
func (l *Listener) Stats() Stats {
	stats := Stats{
		State:    l.State(),
		Events:   l.events.Load(),
		Sessions: l.sessions.Load(),
	}
	if nanos := l.lastEvent.Load(); nanos != 0 {
		stats.LastEvent = time.Unix(0, nanos)
	}
	return stats
}

func (l *Listener) setState(state State) {
	if State(l.state.Swap(int32(state))) != state {
		l.logger.Debug("realtime state changed", "state", state.String())
	}
}

func (l *Listener) newID(prefix string) string {
	return prefix + "-" + strconv.FormatUint(l.ids.Add(1), 10)
}

// Run connects and dispatches status changes until ctx is done or the
// connection is lost for good. Pending callbacks are awaited before it
// returns.
func (l *Listener) Run(ctx context.Context) error {
	defer l.callbacks.Wait()
	defer l.setState(Disconnected)

	retry := backoff.NewExponentialBackOff()
	if l.config.InitialBackoff > 0 {
		retry.InitialInterval = l.config.InitialBackoff
	}
	if l.config.MaxBackoff > 0 {
		retry.MaxInterval = l.config.MaxBackoff
	}

	failures := 0
	for {
		streamed, err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.config.OnError(err)

		if l.config.Policy == PolicyExit {
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}
		// A session that reached streaming is a lost connection, not a
		// failed attempt.
		if streamed {
			retry.Reset()
			failures = 0
		} else {
			failures++
		}
		if l.config.MaxAttempts > 0 && failures >= l.config.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrDisconnected, failures, err)
		}

		delay := retry.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}
		l.logger.Warn("realtime connection lost, reconnecting", "error", err, "delay", delay, "attempt", failures)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. It reports whether the subscription reached
// the streaming state.
func (l *Listener) session(ctx context.Context) (bool, error) {
	l.setState(Connecting)
	defer l.setState(Disconnected)

	conn, err := l.config.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	l.sessions.Add(1)

	s := &session{listener: l, conn: conn, ctx: ctx}
	if err := conn.WriteJSON(rocketchat.ConnectRequest()); err != nil {
		return false, fmt.Errorf("send connect: %w", err)
	}
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return s.streamed, ctx.Err()
			}
			return s.streamed, fmt.Errorf("read: %w", err)
		}
		frame, err := rocketchat.ParseFrame(data)
		if err != nil {
			l.config.OnError(&ProtocolError{Err: err})
			continue
		}
		if err := s.handle(frame); err != nil {
			return s.streamed, err
		}
	}
}

type session struct {
	listener *Listener
	conn     Conn
	ctx      context.Context
	loginID  string
	subID    string
	streamed bool
}

func (s *session) handle(frame rocketchat.Frame) error {
	l := s.listener
	switch frame.Msg {
	case rocketchat.MsgConnected:
		s.loginID = l.newID("login")
		if err := s.conn.WriteJSON(rocketchat.ResumeLoginRequest(s.loginID, l.config.AuthToken)); err != nil {
			return fmt.Errorf("send login: %w", err)
		}

	case rocketchat.MsgFailed:
		return &ProtocolError{Msg: frame.Msg, Err: errors.New("server refused protocol version")}

	case rocketchat.MsgResult:
		if frame.ID != s.loginID || s.loginID == "" {
			return nil
		}
		if frame.Error != nil {
			return &ProtocolError{Msg: frame.Msg, Err: fmt.Errorf("login: %w", frame.Error)}
		}
		l.setState(Authenticated)
		s.subID = l.newID("sub")
		if err := s.conn.WriteJSON(rocketchat.SubscribeRequest(s.subID, rocketchat.StreamNotifyLogged, rocketchat.EventUserStatus)); err != nil {
			return fmt.Errorf("send subscription: %w", err)
		}
		l.setState(Subscribed)

	case rocketchat.MsgReady:
		for _, id := range frame.Subs {
			if id == s.subID && s.subID != "" {
				s.streamed = true
				l.setState(Streaming)
				l.logger.Info("listening for user status changes", "stream", rocketchat.StreamNotifyLogged)
			}
		}

	case rocketchat.MsgNoSub:
		if frame.ID != s.subID || s.subID == "" {
			return nil
		}
		err := errors.New("subscription stopped")
		if frame.Error != nil {
			err = fmt.Errorf("subscription: %w", frame.Error)
		}
		return &ProtocolError{Msg: frame.Msg, Err: err}

	case rocketchat.MsgPing:
		if err := s.conn.WriteJSON(rocketchat.PongRequest(frame.ID)); err != nil {
			return fmt.Errorf("send pong: %w", err)
		}

	case rocketchat.MsgError:
		return &ProtocolError{Msg: frame.Msg, Err: errors.New(frame.Reason)}

	case rocketchat.MsgChanged:
		if frame.Collection != rocketchat.StreamNotifyLogged || frame.Fields == nil || frame.Fields.EventName != rocketchat.EventUserStatus {
			return nil
		}
		changes, err := frame.Fields.StatusChanges()
		if err != nil {
			l.config.OnError(&ProtocolError{Msg: frame.Msg, Err: err})
		}
		for _, change := range changes {
			if change.Status != rocketchat.StatusOnline || change.UserID == l.config.UserID || change.Username == "" {
				continue
			}
			l.dispatch(s.ctx, change.Username)
		}
	}
	return nil
}

func (l *Listener) dispatch(ctx context.Context, username string) {
	l.events.Add(1)
	l.lastEvent.Store(time.Now().UnixNano())
	l.logger.Debug("user came online", "username", username)
	l.callbacks.Add(1)
	go func() {
		defer l.callbacks.Done()
		l.config.OnOnline(ctx, username)
	}()
}
