package screeningapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/linnemanlabs/lookout/internal/livequeue"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// clients only send control frames
	maxClientMessage = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the doctor token is required on the upgrade request itself
	CheckOrigin: func(*http.Request) bool { return true },
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	doctorID := chi.URLParam(r, "doctorID")
	if !ownQueue(w, r, doctorID) {
		return
	}
	writeJSON(w, http.StatusOK, a.queues.Snapshot(doctorID))
}

// handleQueueStream upgrades to a WebSocket and streams the doctor's queue:
// one snapshot message, then diffs in sequence order. A subscriber that falls
// behind is disconnected and must reconnect for a fresh snapshot.
func (a *API) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	doctorID := chi.URLParam(r, "doctorID")
	if !ownQueue(w, r, doctorID) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		a.logger.Warn(r.Context(), "websocket upgrade failed", "doctor_id", doctorID, "err", err)
		return
	}

	sub := a.queues.Subscribe(doctorID)
	a.streams.Add(1)
	defer a.streams.Done()
	defer sub.Close()
	defer conn.Close()

	ctx := r.Context()
	a.logger.Info(ctx, "queue stream opened", "doctor_id", doctorID, "subscription", sub.ID.String())

	readDone := make(chan struct{})
	go readPump(conn, readDone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				reason := "subscription closed"
				code := websocket.CloseNormalClosure
				if sub.Overflowed() {
					reason = "queue overflow, reconnect for a snapshot"
					code = websocket.CloseTryAgainLater
				}
				a.logger.Warn(ctx, "queue stream ended", "doctor_id", doctorID, "reason", reason)
				closeWith(conn, code, reason)
				return
			}
			if err := writeMessageJSON(conn, msg); err != nil {
				a.logger.Warn(ctx, "queue stream write failed", "doctor_id", doctorID, "err", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			a.logger.Info(ctx, "queue stream closed by client", "doctor_id", doctorID)
			return
		case <-a.closing:
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// readPump consumes control frames so pongs extend the read deadline. It
// returns when the client goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeMessageJSON(conn *websocket.Conn, msg livequeue.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
