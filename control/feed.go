package control

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/peerdrop/file"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// feed streams session events to one WebSocket client.
type feed struct {
	conn   *websocket.Conn
	events <-chan file.Event
	stop   func()

	once    sync.Once
	closeCh chan struct{}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleEvents",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}

	events, stop := s.sessions.Subscribe()
	f := &feed{conn: conn, events: events, stop: stop, closeCh: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.close()
		return
	}
	s.feeds[f] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Server.handleEvents",
		"remote":   r.RemoteAddr,
	}).Info("Event feed connected")

	// Current sessions first, so a fresh client can render without polling.
	for _, info := range s.sessions.Sessions() {
		if err := f.write(file.Event{Type: file.EventStateChanged, Session: info}); err != nil {
			break
		}
	}

	go func() {
		defer s.wg.Done()
		f.readPump()
		s.drop(f)
	}()
	go func() {
		defer s.wg.Done()
		f.writePump()
		s.drop(f)
	}()
}

func (s *Server) drop(f *feed) {
	f.close()
	s.mu.Lock()
	delete(s.feeds, f)
	s.mu.Unlock()
}

func (f *feed) close() {
	f.once.Do(func() {
		f.stop()
		close(f.closeCh)
		f.conn.Close()
	})
}

// readPump discards client messages and notices the client leaving.
func (f *feed) readPump() {
	f.conn.SetReadLimit(4096)
	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		return f.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "feed.readPump",
					"error":    err.Error(),
				}).Debug("Event feed read error")
			}
			return
		}
	}
}

func (f *feed) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-f.events:
			if !ok {
				f.conn.SetWriteDeadline(time.Now().Add(writeWait))
				f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := f.write(ev); err != nil {
				return
			}
		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-f.closeCh:
			return
		}
	}
}

func (f *feed) write(ev file.Event) error {
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteJSON(ev)
}
