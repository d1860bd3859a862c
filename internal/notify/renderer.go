package notify

import (
	"context"

	"github.com/park285/gridmatch/internal/msgcat"
	"github.com/park285/gridmatch/internal/obslog"
	"go.uber.org/zap"
)

// Renderer fills Event.Message from the catalog and forwards to next.
// Templates are looked up as events.<type>.<variant> then events.<type>, where
// the variant is the payload's "status" or "result".
type Renderer struct {
	cat  *msgcat.Catalog
	next Sink
}

func NewRenderer(cat *msgcat.Catalog, next Sink) *Renderer {
	return &Renderer{cat: cat, next: next}
}

func (r *Renderer) Notify(ctx context.Context, playerID string, ev Event) error {
	if ev.Message == "" && r.cat != nil {
		if key := r.templateKey(ev); key != "" {
			msg, err := r.cat.Render(key, ev.Payload)
			if err != nil {
				obslog.L().Debug("notify_render_failed", zap.String("key", key), zap.Error(err))
			} else {
				ev.Message = msg
			}
		}
	}
	return r.next.Notify(ctx, playerID, ev)
}

func (r *Renderer) templateKey(ev Event) string {
	base := "events." + ev.Type
	for _, field := range []string{"status", "result"} {
		if v, ok := ev.Payload[field].(string); ok && v != "" && r.cat.Has(base+"."+v) {
			return base + "." + v
		}
	}
	if r.cat.Has(base) { return base }
	return ""
}
