// Package persist implements the Persistence Cache (spec §4.2): the live-
// object cache sitting in front of a pluggable key/value storage driver,
// grounded on github.com/tinode/chat/server/hub.go's sync.Map-backed topic
// registry and server/store/adapter.Adapter's interface shape.
package persist

import (
	"context"

	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// Record is the opaque, persisted shape of one entity: a bag of scalars
// plus object-reference stubs, keyed by TSID (spec §6 "Records are opaque
// bags of scalars + object-reference stubs").
type Record struct {
	TSID    tsid.TSID
	Class   string
	Deleted bool
	Fields  map[string]interface{}
	// Timers persists scheduled delayed calls for this entity (spec §6
	// "gsTimers"), keyed by an opaque job id.
	Timers map[string]TimerEntry
}

// TimerEntry is one scheduled job persisted alongside its owning entity.
type TimerEntry struct {
	StartMillis int64
	FName       string
	DelayMillis int64
	Args        []interface{}
	IntervalMs  int64 // 0 for one-shot
	NoCatchUp   bool
}

// Driver is the narrow storage-back-end contract spec §4.2/§6 names: init,
// close, read, write, delete. Grounded on adapter.Adapter's much larger
// interface, reduced to the subset the Persistence Cache actually needs —
// the rest of adapter.Adapter (users, subscriptions, messages, devices...)
// is chat-domain surface with no SPEC_FULL analogue and is not carried
// forward.
type Driver interface {
	Init(ctx context.Context, config string) error
	Close(ctx context.Context) error
	Read(ctx context.Context, t tsid.TSID) (*Record, error) // nil, nil if absent
	Write(ctx context.Context, records []*Record) error
	Delete(ctx context.Context, t tsid.TSID) error
}
