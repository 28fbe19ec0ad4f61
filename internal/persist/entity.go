package persist

import "github.com/ElevenGiants/eleven-server/internal/tsid"

// Entity is any live, in-memory object the cache tracks: the common surface
// every model kind (Location, Player, Item, ...) implements. Grounded on
// spec §3's per-entity attribute list (TSID, class tag, creation timestamp,
// deleted flag, stale flag, domain fields).
type Entity interface {
	TSID() tsid.TSID
	Class() string
	Deleted() bool
	SetDeleted(bool)
	SetStale(bool)
	// Root returns the top-level entity this object is reached through for
	// unload-walk grouping; top-level entities return their own TSID.
	Root() tsid.TSID
	// Fields exposes the domain field bag directly so the unload walker can
	// find nested object-reference stubs without a kind-specific switch.
	Fields() map[string]interface{}
	// ToRecord serializes this entity to its persisted shape.
	ToRecord() *Record
	// LoadFrom populates this entity's fields from a freshly-read record
	// (the reverse of ToRecord), used once by the cache right after
	// instantiation during load().
	LoadFrom(rec *Record)
}

// Behavior is the per-class-tag lifecycle hook set (spec §9 "scripted
// content as polymorphism" -> EntityBehavior). OnLoad must not suspend
// (spec §3 "Loaded" lifecycle note). OnLogin/OnRelogin/OnDisconnect mirror
// the session state machine's three attach/detach edges (spec §4.6): a
// real login fires OnLogin, a relogin fires OnRelogin, and every path back
// to DISCONNECTED fires OnDisconnect exactly once.
type Behavior interface {
	OnCreate(e Entity) error
	OnLoad(e Entity) error
	OnLogin(e Entity) error
	OnRelogin(e Entity) error
	OnDisconnect(e Entity) error
}

// TimerBehavior is an optional Behavior extension a class registers when
// it has scripted handlers for its own scheduled delayed calls (spec §9's
// gsTimers: each entry persists an fname + args, replayed on load). Classes
// with no scheduled work never need to implement it.
type TimerBehavior interface {
	OnTimer(e Entity, fname string, args []interface{}) error
}

// EntityFactory instantiates the correct model struct for a freshly-read
// record, dispatching on TSID kind + class tag (spec §4.2 load()).
type EntityFactory func(rec *Record) (Entity, error)

// BehaviorLookup resolves the Behavior for a class tag. Returns false if the
// class tag has no registered behavior (a no-op is used in that case).
type BehaviorLookup func(classTag string) (Behavior, bool)

// OwnershipOracle is the slice of the Cluster Map the Persistence Cache
// needs: whether a TSID is owned locally, and the owning GS id otherwise.
// Kept as a narrow interface here (rather than importing package cluster)
// so persist has no dependency on the cluster/RPC layers above it.
type OwnershipOracle interface {
	IsLocal(t tsid.TSID) bool
	Owner(t tsid.TSID) string
}

// RemoteEntityFactory builds the RPC-proxy Entity standing in for a TSID
// owned by another GS (spec §4.2 load() case (a), §4.5 "RPC proxy"). It is
// implemented by package rpcproxy and injected here to avoid persist
// depending upward on the RPC layer.
type RemoteEntityFactory func(t tsid.TSID, owner string) Entity

// ObjRefFactory builds the lazy object-reference placeholder (ORP) for a
// TSID known only as a {tsid, objref:true} stub (spec §4.5 "object-reference
// proxy"). Implemented by package rpcproxy.
type ObjRefFactory func(t tsid.TSID, resolve func(tsid.TSID) (Entity, error)) Entity

// ContextCache is the slice of a Request Context the cache needs: its local
// TSID->object cache and its added/dirty/unload bookkeeping (spec §4.3).
// Implemented by runtime.Context; declared here (rather than importing
// package runtime) to keep the dependency direction Persistence Cache ->
// nothing, Request Context -> Persistence Cache, matching spec §2's layered
// component list.
type ContextCache interface {
	CacheGet(t tsid.TSID) (Entity, bool)
	CachePut(t tsid.TSID, e Entity)
	MarkAdded(e Entity)
}
