package transport

import (
	"context"
	"time"

	"fleet-tracker/internal/models"

	"github.com/rs/zerolog/log"
)

// Failover sends over the session while it is connected and falls back to
// HTTP once the session has been unavailable for longer than after.
type Failover struct {
	session *Session
	http    *HTTPSender
	after   time.Duration
}

// NewFailover combines a session and an optional HTTP sender
func NewFailover(session *Session, http *HTTPSender, after time.Duration) *Failover {
	return &Failover{session: session, http: http, after: after}
}

// Connected reports whether either path can deliver right now
func (f *Failover) Connected() bool {
	return f.session.Connected() || f.fallbackActive()
}

func (f *Failover) Send(ctx context.Context, item models.QueueItem) error {
	if f.session.Connected() {
		return f.session.Send(ctx, item)
	}
	if f.fallbackActive() {
		log.Debug().Str("item_id", item.ID).Msg("[FALLBACK] Sending over HTTP")
		return f.http.Send(ctx, item)
	}
	return ErrNotConnected
}

func (f *Failover) fallbackActive() bool {
	if f.http == nil {
		return false
	}
	return f.session.UnavailableFor() > f.after && f.http.Available()
}
