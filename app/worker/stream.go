package worker

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrymomot/zonequeue/core/logger"
)

const streamWriteWait = 5 * time.Second

// events streams queue events to a websocket client as JSON messages. Repeat
// the name query parameter to receive only those events:
//
//	GET /events?name=request.failed&name=circuit.state_changed
func (app *App) events(w http.ResponseWriter, r *http.Request) {
	conn, err := app.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		app.logger.WarnContext(r.Context(), "event stream upgrade failed", logger.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	bus := app.manager.Events()
	sub, err := bus.Subscribe(r.URL.Query()["name"]...)
	if err != nil {
		closeStream(conn, websocket.CloseGoingAway, err.Error())
		return
	}
	defer bus.Unsubscribe(sub)

	// The client sends nothing; reading only detects the disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	app.logger.DebugContext(r.Context(), "event stream opened", logger.Count("filters", len(r.URL.Query()["name"])))
	for {
		select {
		case <-gone:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				closeStream(conn, websocket.CloseGoingAway, "queue stopped")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				app.logger.DebugContext(r.Context(), "event stream closed", logger.Error(err))
				return
			}
		}
	}
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}
