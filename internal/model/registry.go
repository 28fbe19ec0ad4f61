package model

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// Registry is the classTag -> behavior/constructor table spec §9 calls for
// ("a table lookup classTag -> behavior constructor"). All runtime calls
// into scripted content go through the persist.Behavior interface; no
// dynamic method dispatch by name is needed outside tests.
type Registry struct {
	mu        sync.RWMutex
	behaviors map[string]persist.Behavior
}

// NewRegistry builds an empty registry; game-content packages call
// Register during their init() or explicit setup, mirroring how a real
// deployment would load its class table once at startup.
func NewRegistry() *Registry {
	return &Registry{behaviors: make(map[string]persist.Behavior)}
}

// Register installs the behavior for classTag. Re-registering the same tag
// overwrites the previous entry — used by tests to install fakes.
func (r *Registry) Register(classTag string, b persist.Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[classTag] = b
}

// Lookup satisfies persist.BehaviorLookup.
func (r *Registry) Lookup(classTag string) (persist.Behavior, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.behaviors[classTag]
	return b, ok
}

// NoopBehavior is installed for class tags with no scripted hooks; every
// lifecycle method is a no-op.
type NoopBehavior struct{}

func (NoopBehavior) OnCreate(persist.Entity) error     { return nil }
func (NoopBehavior) OnLoad(persist.Entity) error       { return nil }
func (NoopBehavior) OnLogin(persist.Entity) error      { return nil }
func (NoopBehavior) OnRelogin(persist.Entity) error    { return nil }
func (NoopBehavior) OnDisconnect(persist.Entity) error { return nil }

// Factory instantiates the concrete Go struct for a freshly-read or
// freshly-created record by dispatching on the record's TSID kind (spec
// §4.2 load(): "instantiates the correct model (by TSID first letter +
// class tag)"). The class tag itself only selects behavior (via Registry),
// not Go type — every kind's domain fields live in the generic Fields bag.
func Factory(rec *persist.Record) (persist.Entity, error) {
	if !rec.TSID.Valid() {
		return nil, errors.Newf("model: invalid tsid %q", rec.TSID)
	}
	root := rootOf(rec)
	switch rec.TSID.Kind() {
	case tsid.KindLocation:
		return NewLocation(rec.TSID, rec.Class, rec.Fields), nil
	case tsid.KindGroup:
		return NewGroup(rec.TSID, rec.Class, rec.Fields), nil
	case tsid.KindPlayer:
		return NewPlayer(rec.TSID, rec.Class, rec.Fields), nil
	case tsid.KindBag:
		return NewBag(rec.TSID, rec.Class, root, rec.Fields), nil
	case tsid.KindItem:
		return NewItem(rec.TSID, rec.Class, root, rec.Fields), nil
	case tsid.KindData:
		return NewDataContainer(rec.TSID, rec.Class, root, rec.Fields), nil
	case tsid.KindQuest:
		return NewQuest(rec.TSID, rec.Class, root, rec.Fields), nil
	case tsid.KindGeometry:
		return NewGeometry(rec.TSID, rec.Class, rec.Fields), nil
	default:
		return nil, errors.Newf("model: unrecognized tsid kind %q", rec.TSID.Kind())
	}
}
