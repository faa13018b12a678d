package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jpalmerr/duetboard/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMsgSize = 1 << 12
)

// wsEnvelope is the frame written to WebSocket clients. The first frame has
// type "snapshot" and carries every printer and reading; later frames carry
// one store event each, typed "reading" or "printer".
type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsSnapshot struct {
	Printers []store.PrinterStatus `json:"printers"`
	Sensors  []store.SensorReading `json:"sensors"`
}

var upgrader = websocket.Upgrader{
	// the dashboard is served read-only to any origin, like the SSE stream
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(wsMaxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go s.wsReader(conn, done)

	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	initial := wsEnvelope{Type: "snapshot", Data: wsSnapshot{
		Printers: s.store.Printers(),
		Sensors:  s.store.Readings(),
	}}
	if err := s.wsWrite(conn, initial); err != nil {
		s.logger.Debug("websocket initial write failed", "error", err)
		return
	}

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("websocket ping failed", "error", err)
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.wsWrite(conn, eventEnvelope(ev)); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func eventEnvelope(ev store.Event) wsEnvelope {
	if ev.Type == store.EventPrinter {
		return wsEnvelope{Type: string(ev.Type), Data: ev.Printer}
	}
	return wsEnvelope{Type: string(ev.Type), Data: ev.Reading}
}

// wsReader drains client frames so control frames are processed and a
// closed connection is noticed.
func (s *Server) wsReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWrite(conn *websocket.Conn, env wsEnvelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(env)
}
