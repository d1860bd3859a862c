package notify

import (
	"context"
	"sync"

	"github.com/park285/gridmatch/internal/obslog"
	"go.uber.org/zap"
)

// Event types pushed to players.
const (
	EventQueueUpdate    = "queue_update"
	EventMatchFound     = "match_found"
	EventMatchCompleted = "match_completed"
)

// Event is one asynchronous notification. Message is the rendered human text,
// filled by Renderer when a catalog is configured.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Sink delivers an event to a player. Delivery and reconnection belong to the transport.
type Sink interface {
	Notify(ctx context.Context, playerID string, ev Event) error
}

// Envelope is the wire frame for HTTP and websocket egress.
type Envelope struct {
	PlayerID string `json:"player_id"`
	Event    Event  `json:"event"`
}

// LogSink only logs events; used when no transport is configured.
type LogSink struct{}

func (LogSink) Notify(ctx context.Context, playerID string, ev Event) error {
	obslog.L().Info("notify", zap.String("player_id", playerID), zap.String("type", ev.Type), zap.Any("payload", ev.Payload))
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Notify(ctx context.Context, playerID string, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, Envelope{PlayerID: playerID, Event: ev})
	r.mu.Unlock()
	return nil
}

// Events returns a snapshot, optionally filtered by type.
func (r *Recorder) Events(eventType string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, e := range r.events {
		if eventType == "" || e.Event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
