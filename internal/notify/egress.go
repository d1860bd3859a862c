package notify

import (
	"context"
	"strings"

	"github.com/park285/gridmatch/internal/obslog"
	"go.uber.org/zap"
)

// Egress modes.
const (
	ModeHTTP = "http"
	ModeWS   = "ws"
	ModeAuto = "auto"
	ModeLog  = "log"
)

// NewEgress picks the delivery path. auto prefers the websocket while it is
// connected and falls back to HTTP once per event. A mode whose transport is
// missing degrades to logging.
func NewEgress(mode string, c *Client, ws *WebSocket) Sink {
	log := obslog.Named("notify")
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeHTTP:
		if c != nil { return c }
	case ModeWS:
		if ws != nil { return ws }
	case ModeAuto:
		if c != nil && ws != nil { return &autoEgress{ws: ws, http: c, log: log} }
		if c != nil { return c }
		if ws != nil { return ws }
	case ModeLog, "":
		return LogSink{}
	}
	log.Warn("notify_egress_unavailable", zap.String("mode", mode))
	return LogSink{}
}

type autoEgress struct {
	ws   *WebSocket
	http *Client
	log  *zap.Logger
}

func (a *autoEgress) Notify(ctx context.Context, playerID string, ev Event) error {
	if a.ws.Connected() {
		err := a.ws.Notify(ctx, playerID, ev)
		if err == nil { return nil }
		a.log.Warn("egress_fallback", zap.String("type", ev.Type), zap.String("player_id", playerID), zap.Error(err))
	}
	return a.http.Notify(ctx, playerID, ev)
}
