// Package script is the opaque-message dispatch target spec §6 names:
// "all other types are opaque to the runtime and forwarded to the script
// dispatcher." Grounded on model.Registry's class-tag lookup idiom — a
// script Handler is registered per message type the same way a Behavior is
// registered per class tag, so new game content adds a handler instead of
// a runtime case label.
package script

import (
	"context"
	"sync"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/runtime"
	"github.com/ElevenGiants/eleven-server/internal/wire"
)

// Handler answers one opaque request type against the attached player
// entity, inside the Request Context its queue entry already opened.
type Handler func(ctx context.Context, rc *runtime.Context, pc persist.Entity, in *wire.Inbound) (interface{}, error)

// Dispatcher routes by wire.Inbound.Type to a registered Handler, falling
// back to a bare acknowledgement for any type nothing has claimed, so an
// unrecognized opaque message never fails a request outright.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds typ to fn; a second Register for the same typ replaces
// the first, matching model.Registry.Register's last-wins semantics.
func (d *Dispatcher) Register(typ string, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = fn
}

// Dispatch satisfies session.ScriptDispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, rc *runtime.Context, pc persist.Entity, in *wire.Inbound) (interface{}, error) {
	d.mu.RLock()
	fn, ok := d.handlers[in.Type]
	d.mu.RUnlock()
	if !ok {
		return wire.NewAck(in.Type, in.MsgID), nil
	}
	return fn(ctx, rc, pc, in)
}
