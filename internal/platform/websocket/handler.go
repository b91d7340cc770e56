package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/carewatch/internal/platform/apperror"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Conn is the part of a gorilla connection the pumps use.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced by the echo middleware
	},
}

// WebSocketHandler handles HTTP-to-WebSocket upgrades and message routing.
type WebSocketHandler struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewWebSocketHandler creates a new handler bound to the given Hub.
func NewWebSocketHandler(hub *Hub, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: logger.With().Str("component", "ws").Logger()}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// ScopesFromQuery reads the initial scopes: repeated patient=<uuid> and
// ward=<name> parameters, or all=true.
func ScopesFromQuery(c echo.Context) ([]Scope, error) {
	params := c.QueryParams()
	var scopes []Scope
	for _, raw := range params["patient"] {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, apperror.Validation("invalid patient id %q", raw)
		}
		scopes = append(scopes, PatientScope(id))
	}
	for _, ward := range params["ward"] {
		if ward == "" {
			return nil, apperror.Validation("ward must not be empty")
		}
		scopes = append(scopes, WardScope(ward))
	}
	if c.QueryParam("all") == "true" {
		scopes = append(scopes, AllScope())
	}
	if len(scopes) == 0 {
		return nil, apperror.Validation("at least one of patient, ward or all is required")
	}
	return scopes, nil
}

// HandleConnect upgrades an HTTP connection to WebSocket, subscribes it to
// the requested scopes, and starts read/write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	scopes, err := ScopesFromQuery(c)
	if err != nil {
		return apperror.HTTPError(err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sub := wsh.hub.Subscribe(scopes...)
	wsh.logger.Debug().Str("subscription_id", sub.ID).Int("scopes", len(scopes)).Msg("subscriber connected")

	go wsh.writePump(sub, ws)
	go wsh.readPump(sub, ws)

	return nil
}

// readPump applies scope changes sent by the client. Any read error, including
// a missed pong, ends the subscription.
func (wsh *WebSocketHandler) readPump(sub *Subscription, ws Conn) {
	defer func() {
		wsh.hub.Unsubscribe(sub)
		ws.Close()
		wsh.logger.Debug().Str("subscription_id", sub.ID).Msg("subscriber disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}
		if err := wsh.hub.ProcessMessage(sub, msg); err != nil {
			wsh.logger.Debug().Err(err).Str("subscription_id", sub.ID).Msg("rejected client message")
		}
	}
}

// writePump drains the subscription queue onto the connection and keeps the
// connection alive with pings while the queue is idle.
func (wsh *WebSocketHandler) writePump(sub *Subscription, ws Conn) {
	defer ws.Close()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), pingPeriod)
		ev, err := sub.Next(ctx)
		cancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			if err := ws.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				wsh.hub.Unsubscribe(sub)
				return
			}
			continue
		case err != nil:
			_ = ws.WriteControl(gorillawebsocket.CloseMessage,
				gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}

		data, err := json.Marshal(ev)
		if err != nil {
			wsh.logger.Error().Err(err).Str("event_type", ev.Type).Msg("failed to marshal event")
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
			wsh.hub.Unsubscribe(sub)
			return
		}
	}
}
