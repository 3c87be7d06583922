package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/session"
)

const maxMessageSize = 1 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the editor is served from a different origin
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`
	Input    string `json:"input,omitempty"`
}

// wsOutgoing is a message to the client. Code is the exit status on exit
// messages and the error code on error messages.
type wsOutgoing struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Code      any    `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func toWire(ev session.Event) wsOutgoing {
	out := wsOutgoing{Type: string(ev.Kind()), Timestamp: timestamp(ev.Time())}
	switch ev := ev.(type) {
	case session.Stdout:
		out.Data = ev.Data
	case session.Stderr:
		out.Data = ev.Data
	case session.System:
		out.Data = ev.Data
	case session.Exit:
		out.Code = ev.Code
		out.Message = ev.Message
	case session.Error:
		out.Message = ev.Message
		if ev.Code != "" {
			out.Code = ev.Code
		}
	}
	return out
}

func wireError(msg, code string) wsOutgoing {
	out := wsOutgoing{Type: string(session.KindError), Message: msg, Timestamp: timestamp(time.Now())}
	if code != "" {
		out.Code = code
	}
	return out
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	var wmu sync.Mutex
	write := func(v wsOutgoing) {
		wmu.Lock()
		defer wmu.Unlock()
		s.wsWriteJSON(conn, v)
	}

	sess, err := s.manager.Open(r.Context())
	if err != nil {
		write(wireError("server busy, try again shortly", "too_many_sessions"))
		return
	}
	log := s.log.With(zap.String("session_id", sess.ID), zap.String("remote", r.RemoteAddr))
	log.Info("websocket connected")
	defer func() {
		if err := sess.Close(context.Background()); err != nil {
			log.Warn("closing session", zap.Error(err))
		}
		log.Info("websocket disconnected")
	}()

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range sess.Events() {
			write(toWire(ev))
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read", zap.Error(err))
			}
			break
		}

		var msg wsIncoming
		if err := json.Unmarshal(data, &msg); err != nil {
			write(wireError("invalid message", session.CodeInvalidRequest))
			continue
		}

		var cmd session.Command
		switch msg.Type {
		case "code":
			cmd = session.Submit{Language: msg.Language, Source: msg.Code}
		case "stdin":
			cmd = session.Input{Text: msg.Input}
		default:
			write(wireError("unknown message type", session.CodeInvalidRequest))
			continue
		}
		if err := sess.Send(cmd); err != nil {
			break
		}
	}

	sess.Send(session.Disconnect{})
	<-forwarded
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("websocket marshal", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("websocket write", zap.Error(err))
	}
}
