package registry

import (
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
)

// Eviction is published when a connection is dropped after a failed send.
type Eviction struct {
	ConnID string
	UserID string
	Cause  string
}

// CloseEvictor evicts by closing the connection. Closing ends the session's
// loops and its teardown unregisters it, so presence and typing cleanup go
// through the same path as any other disconnect.
type CloseEvictor struct {
	log *zap.Logger
	bus *bus.Bus
}

func NewCloseEvictor(log *zap.Logger, b *bus.Bus) *CloseEvictor {
	return &CloseEvictor{log: log.Named("evictor"), bus: b}
}

func (e *CloseEvictor) Evict(c Conn, cause error) {
	e.log.Info("evicting connection",
		zap.String("conn_id", c.ID()),
		zap.String("user_id", c.UserID()),
		zap.Error(cause),
	)
	if err := c.Close(); err != nil {
		e.log.Debug("close after eviction", zap.String("conn_id", c.ID()), zap.Error(err))
	}
	e.bus.Publish(bus.KindConnEvicted, Eviction{ConnID: c.ID(), UserID: c.UserID(), Cause: cause.Error()})
}
