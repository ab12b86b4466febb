package server

import (
	"errors"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Broadcaster fans one line out to every Active session except the sender.
type Broadcaster struct {
	registry *Registry
	log      *zap.Logger
}

// NewBroadcaster creates a Broadcaster over registry.
func NewBroadcaster(registry *Registry, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{registry: registry, log: log}
}

// Broadcast delivers text to every session in a registry snapshot other
// than excluding and returns how many deliveries succeeded. A failed
// recipient has its connection aborted so its own loop tears it down; the
// failure never reaches the caller.
func (b *Broadcaster) Broadcast(text string, excluding *Session) int {
	recipients := lo.Filter(b.registry.Snapshot(), func(s *Session, _ int) bool {
		return s != excluding
	})

	delivered := 0
	for _, recipient := range recipients {
		if err := recipient.Send(text); err != nil {
			b.handleFailure(recipient, err)
			continue
		}
		delivered++
	}

	b.log.Debug("broadcast delivered",
		zap.Int("recipients", len(recipients)),
		zap.Int("delivered", delivered))
	return delivered
}

func (b *Broadcaster) handleFailure(recipient *Session, err error) {
	if errors.Is(err, ErrSessionClosed) {
		return
	}

	fields := []zap.Field{
		zap.String("session_id", recipient.ID().String()),
		zap.String("username", recipient.Username()),
		zap.String("remote_addr", recipient.RemoteAddr()),
		zap.Error(err),
	}
	if isExpectedCloseError(err) {
		b.log.Debug("broadcast to closing session failed", fields...)
	} else {
		b.log.Warn("broadcast delivery failed", fields...)
	}
	recipient.abort()
}
