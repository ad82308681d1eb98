package testutl

import (
	"encoding/json"
	"sync"

	"golang.org/x/net/websocket"
)

type realtimeSession struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (s *realtimeSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return websocket.JSON.Send(s.ws, v)
}

// serveRealtime speaks enough DDP for a resume-token login and a
// stream-notify-logged subscription.
func (f *FakeChat) serveRealtime(ws *websocket.Conn) {
	s := &realtimeSession{ws: ws}
	defer func() {
		f.rtMu.Lock()
		delete(f.realtime, s)
		f.rtMu.Unlock()
	}()

	for {
		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			return
		}
		var msg struct {
			Msg    string            `json:"msg"`
			ID     string            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Msg {
		case "connect":
			s.send(map[string]any{"msg": "connected", "session": "fake-session"})
		case "method":
			var login struct {
				Resume string `json:"resume"`
			}
			if len(msg.Params) > 0 {
				_ = json.Unmarshal(msg.Params[0], &login)
			}
			if msg.Method != "login" || login.Resume != ServiceAuthToken {
				s.send(map[string]any{"msg": "result", "id": msg.ID, "error": map[string]any{
					"error":  403,
					"reason": "You've been logged out by the server. Please log in again.",
				}})
				continue
			}
			s.send(map[string]any{"msg": "result", "id": msg.ID, "result": map[string]any{"id": ServiceUserID, "token": login.Resume}})
		case "sub":
			f.rtMu.Lock()
			f.realtime[s] = true
			f.rtMu.Unlock()
			s.send(map[string]any{"msg": "ready", "subs": []string{msg.ID}})
		}
	}
}

// Online notifies every subscribed realtime session that the user came
// online. It returns the number of sessions notified.
func (f *FakeChat) Online(userID, username string) int {
	frame := map[string]any{
		"msg":        "changed",
		"collection": "stream-notify-logged",
		"id":         "id",
		"fields": map[string]any{
			"eventName": "user-status",
			"args":      []any{[]any{userID, username, 1, ""}},
		},
	}
	f.rtMu.Lock()
	sessions := make([]*realtimeSession, 0, len(f.realtime))
	for s := range f.realtime {
		sessions = append(sessions, s)
	}
	f.rtMu.Unlock()

	notified := 0
	for _, s := range sessions {
		if s.send(frame) == nil {
			notified++
		}
	}
	return notified
}

// RealtimeSessions returns the number of subscribed realtime sessions.
func (f *FakeChat) RealtimeSessions() int {
	f.rtMu.Lock()
	defer f.rtMu.Unlock()
	return len(f.realtime)
}
