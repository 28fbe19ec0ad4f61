package persist

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// ErrAlreadyExists is returned by Create when a TSID collision is detected
// and upsert was not requested (spec §8 boundary behavior).
var ErrAlreadyExists = errors.New("persist: entity already exists")

// ErrShuttingDown is returned once Shutdown has begun (spec §4.2 "set a
// shutdown flag preventing further writes").
var ErrShuttingDown = errors.New("persist: cache is shutting down")

// shutdownConcurrency bounds how many live entities are flushed at once
// during Shutdown (spec §4.2 "bounded concurrency ≤ 5").
const shutdownConcurrency = 5

// Cache is the Persistence Cache (spec §4.2): a live-object cache in front
// of a pluggable Driver, grounded on hub.go's sync.Map-backed topic
// registry (here a mutex-guarded map is used instead of sync.Map because
// the access pattern is dominated by iteration during shutdown, where a
// plain map with one lock is simpler to reason about and just as correct
// under the cooperative single-queue-per-entity model spec §5 describes).
type Cache struct {
	log    *zap.Logger
	driver Driver
	owner  OwnershipOracle

	factory       EntityFactory
	behaviors     BehaviorLookup
	remoteFactory RemoteEntityFactory
	objRefFactory ObjRefFactory

	mu      sync.RWMutex
	live    map[tsid.TSID]Entity
	proxies map[tsid.TSID]Entity

	// loadGroup collapses concurrent Load calls for the same TSID into one
	// driver.Read (spec §8 scenario 5: "ten parallel tasks get an unloaded
	// TSID... exactly one driver read"). The post-read install race below
	// is unaffected by this — it still exists for the narrower case of a
	// Create racing a Load, which singleflight alone can't cover.
	loadGroup singleflight.Group

	shuttingDown bool

	onLoad   LoadHook
	onUnload UnloadHook
}

// LoadHook runs once, right after a local entity is freshly installed in
// live (never on a cache hit), with the gsTimers record it was loaded
// with — spec §9's "on load, resume them". Left nil by default; set via
// SetLoadHook to wire timer resumption without persist importing upward
// into runtime.
type LoadHook func(ctx context.Context, e Entity, timers map[string]TimerEntry)

// UnloadHook mirrors LoadHook on the other end: it runs once per entity
// just before it's dropped from live, so scheduled timers can be
// suspended (spec §4.2 "after persistence, timers are suspended").
type UnloadHook func(e Entity)

// SetLoadHook installs the callback Load fires on a fresh install.
func (c *Cache) SetLoadHook(h LoadHook) { c.onLoad = h }

// SetUnloadHook installs the callback the unload walk fires per entity.
func (c *Cache) SetUnloadHook(h UnloadHook) { c.onUnload = h }

// NewCache wires a Persistence Cache to its driver and the factories that
// know how to build concrete model instances and proxies. Those factories
// live in packages model and rpcproxy respectively and are supplied at
// startup (cmd/gameserver) to avoid persist depending upward on them.
func NewCache(log *zap.Logger, driver Driver, owner OwnershipOracle, factory EntityFactory, behaviors BehaviorLookup, remoteFactory RemoteEntityFactory, objRefFactory ObjRefFactory) *Cache {
	return &Cache{
		log:           log,
		driver:        driver,
		owner:         owner,
		factory:       factory,
		behaviors:     behaviors,
		remoteFactory: remoteFactory,
		objRefFactory: objRefFactory,
		live:          make(map[tsid.TSID]Entity),
		proxies:       make(map[tsid.TSID]Entity),
	}
}

// Get implements spec §4.2's get(tsid, noProxy?): live, then cached proxy
// (unless noProxy), then the request context's own cache, then Load.
func (c *Cache) Get(ctx context.Context, rc ContextCache, t tsid.TSID, noProxy bool) (Entity, error) {
	c.mu.RLock()
	if e, ok := c.live[t]; ok {
		c.mu.RUnlock()
		return e, nil
	}
	if !noProxy {
		if p, ok := c.proxies[t]; ok {
			c.mu.RUnlock()
			return p, nil
		}
	}
	c.mu.RUnlock()

	if rc != nil {
		if e, ok := rc.CacheGet(t); ok {
			return e, nil
		}
	}
	return c.Load(ctx, rc, t)
}

// Load implements spec §4.2's load(tsid): read the raw record, convert
// reference stubs to lazy proxies, instantiate the right model, and either
// wrap it as an RPC proxy (non-local, context-cache only) or install it in
// live (local, with a post-suspension race re-check).
func (c *Cache) Load(ctx context.Context, rc ContextCache, t tsid.TSID) (Entity, error) {
	if !c.owner.IsLocal(t) {
		owner := c.owner.Owner(t)
		e := c.remoteFactory(t, owner)
		if rc != nil {
			rc.CachePut(t, e)
		}
		return e, nil
	}

	recI, err, _ := c.loadGroup.Do(string(t), func() (interface{}, error) {
		return c.driver.Read(ctx, t)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "persist: read %s", t)
	}
	// singleflight.Do shares this exact *Record across every concurrent
	// caller on this key; clone it per caller before mutating so the
	// resolveReferenceStubs call below doesn't race with the other
	// callers' own copies.
	rec := cloneRecord(recI.(*Record))
	if rec == nil {
		return nil, nil
	}

	c.resolveReferenceStubs(rec)

	e, err := c.factory(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "persist: instantiate %s", t)
	}
	e.LoadFrom(rec)

	// Concurrency race: after any cooperative suspension during load
	// (the driver Read above), re-check the live cache before installing —
	// another task may have loaded the same TSID concurrently (spec §8
	// scenario 5: ten parallel gets, exactly one driver read... in this
	// single-Read-per-Load implementation the race window is this install
	// step, and the second loser must adopt the winner's reference so every
	// caller shares one instance).
	c.mu.Lock()
	if existing, ok := c.live[t]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.live[t] = e
	delete(c.proxies, t)
	c.mu.Unlock()

	if beh, ok := c.behaviors(e.Class()); ok {
		if err := beh.OnLoad(e); err != nil {
			c.log.Warn("onLoad hook failed", zap.String("tsid", string(t)), zap.Error(err))
		}
	}
	if c.onLoad != nil {
		c.onLoad(ctx, e, rec.Timers)
	}
	return e, nil
}

// cloneRecord shallow-copies rec's Fields map so a caller sharing a
// singleflight-deduped read can mutate its own copy without racing the
// other callers on the same key.
func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	fields := make(map[string]interface{}, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	return &Record{TSID: rec.TSID, Class: rec.Class, Deleted: rec.Deleted, Fields: fields, Timers: rec.Timers}
}

// resolveReferenceStubs replaces {tsid, objref:true} field values with lazy
// ObjRef proxies, per spec §4.2's load() contract and the cyclic-graph
// handling in Design Notes §9.
func (c *Cache) resolveReferenceStubs(rec *Record) {
	tsid.Canonicalize(rec.Fields)
	for k, v := range rec.Fields {
		if m, ok := v.(map[string]interface{}); ok && tsid.IsObjRefBlob(m) {
			refTsid := tsid.TSID(m["tsid"].(string))
			rec.Fields[k] = c.objRefFactory(refTsid, func(target tsid.TSID) (Entity, error) {
				return c.Get(context.Background(), nil, target, false)
			})
		}
	}
}

// Create implements spec §4.2's create(modelType, data[, upsert]): mint a
// new entity, install it in live, mark it added in rc, invoke OnCreate.
func (c *Cache) Create(rc ContextCache, t tsid.TSID, class string, fields map[string]interface{}, upsert bool) (Entity, error) {
	c.mu.Lock()
	if _, exists := c.live[t]; exists && !upsert {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrAlreadyExists, "%s", t)
	}
	c.mu.Unlock()

	rec := &Record{TSID: t, Class: class, Fields: fields}
	e, err := c.factory(rec)
	if err != nil {
		return nil, err
	}
	e.LoadFrom(rec)

	c.mu.Lock()
	c.live[t] = e
	c.mu.Unlock()

	if rc != nil {
		rc.MarkAdded(e)
	}
	if beh, ok := c.behaviors(e.Class()); ok {
		if err := beh.OnCreate(e); err != nil {
			return e, err
		}
	}
	return e, nil
}

// Exists reports whether a record is present in storage without loading it
// (spec §4.2: "documented only for rare branching, not for pre-write
// existence checks").
func (c *Cache) Exists(ctx context.Context, t tsid.TSID) (bool, error) {
	rec, err := c.driver.Read(ctx, t)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// PhaseSets groups a completed request's bookkeeping for the ordered flush.
type PhaseSets struct {
	Added  map[tsid.TSID]Entity
	Dirty  map[tsid.TSID]Entity
	Unload map[tsid.TSID]Entity
}

// PostRequestProc implements spec §4.2/§4.3's ordered flush: write-added,
// write-dirty, delete-(added|dirty)-marked-deleted, then the unload walk.
func (c *Cache) PostRequestProc(ctx context.Context, sets PhaseSets, logtag string) error {
	c.mu.RLock()
	down := c.shuttingDown
	c.mu.RUnlock()
	if down {
		return ErrShuttingDown
	}

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// add set (writes)
	note(c.writeBatch(ctx, nondeletedOf(sets.Added)))
	// dirty set (writes)
	note(c.writeBatch(ctx, nondeletedOf(sets.Dirty)))
	// deleted-marked entries in added/dirty (deletes)
	note(c.deleteBatch(ctx, deletedOf(sets.Added)))
	note(c.deleteBatch(ctx, deletedOf(sets.Dirty)))

	// unload-set resolution (spec §4.2): recursively collect dependents,
	// uniquify, write-then-delete as above, remove from live.
	if len(sets.Unload) > 0 {
		all := c.collectUnloadGraph(sets.Unload)
		note(c.writeBatch(ctx, nondeletedOf(all)))
		note(c.deleteBatch(ctx, deletedOf(all)))
		c.mu.Lock()
		for t, e := range all {
			e.SetStale(true)
			delete(c.live, t)
		}
		c.mu.Unlock()
		if c.onUnload != nil {
			for _, e := range all {
				c.onUnload(e)
			}
		}
	}

	if firstErr != nil {
		c.log.Warn("postRequestProc flush error", zap.String("logtag", logtag), zap.Error(firstErr))
	}
	return firstErr
}

// collectUnloadGraph walks dependent children of each unload root
// (bags/items/data-containers/quests per spec §9's resolved Open Question),
// skipping the well-known back-reference fields owner/container/location to
// avoid cycles, and skipping non-loaded proxies. A soft cycle guard (the
// `visited` set) logs and skips re-visited TSIDs rather than looping.
func (c *Cache) collectUnloadGraph(roots map[tsid.TSID]Entity) map[tsid.TSID]Entity {
	visited := make(map[tsid.TSID]Entity, len(roots))
	var walk func(e Entity)
	walk = func(e Entity) {
		t := e.TSID()
		if _, seen := visited[t]; seen {
			c.log.Debug("unload walk: re-visited TSID, skipping", zap.String("tsid", string(t)))
			return
		}
		visited[t] = e
		for name, v := range e.Fields() {
			if name == "owner" || name == "container" || name == "location" {
				continue
			}
			child, ok := v.(Entity)
			if !ok {
				continue
			}
			if !child.TSID().Dependent() {
				continue
			}
			c.mu.RLock()
			_, isProxy := c.proxies[child.TSID()]
			c.mu.RUnlock()
			if isProxy {
				continue // skip non-loaded proxies
			}
			walk(child)
		}
	}
	for _, e := range roots {
		walk(e)
	}
	return visited
}

func nondeletedOf(m map[tsid.TSID]Entity) map[tsid.TSID]Entity {
	out := make(map[tsid.TSID]Entity, len(m))
	for t, e := range m {
		if !e.Deleted() {
			out[t] = e
		}
	}
	return out
}

func deletedOf(m map[tsid.TSID]Entity) map[tsid.TSID]Entity {
	out := make(map[tsid.TSID]Entity, len(m))
	for t, e := range m {
		if e.Deleted() {
			out[t] = e
		}
	}
	return out
}

// writeBatch writes every entity in m; errors are logged and counted but
// the batch continues (spec §4.2 failure semantics), with the first error
// returned to the caller.
func (c *Cache) writeBatch(ctx context.Context, m map[tsid.TSID]Entity) error {
	if len(m) == 0 {
		return nil
	}
	recs := make([]*Record, 0, len(m))
	for _, e := range m {
		recs = append(recs, e.ToRecord())
	}
	if err := c.driver.Write(ctx, recs); err != nil {
		for t := range m {
			c.log.Warn("write failed", zap.String("tsid", string(t)), zap.Error(err))
		}
		return err
	}
	return nil
}

func (c *Cache) deleteBatch(ctx context.Context, m map[tsid.TSID]Entity) error {
	var firstErr error
	for t := range m {
		if err := c.driver.Delete(ctx, t); err != nil {
			c.log.Warn("delete failed", zap.String("tsid", string(t)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.mu.Lock()
		delete(c.live, t)
		c.mu.Unlock()
	}
	return firstErr
}

// PostRequestRollback implements spec §4.2/§9's mandated drop-on-rollback
// semantics: every entity listed is dropped from live and proxy caches
// without writing; callers must treat local state as untrusted afterward.
func (c *Cache) PostRequestRollback(dirty, added map[tsid.TSID]Entity, logtag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range dirty {
		delete(c.live, t)
		delete(c.proxies, t)
	}
	for t := range added {
		delete(c.live, t)
		delete(c.proxies, t)
	}
	c.log.Debug("rollback", zap.String("logtag", logtag), zap.Int("dropped", len(dirty)+len(added)))
}

// Shutdown implements spec §4.2: block further writes, then flush every
// live entity with bounded concurrency (<=5), logging progress in batches,
// then close the driver. Uses golang.org/x/sync/semaphore + errgroup for
// the bounded fan-out (udisondev-la2go's go.mod already carries
// golang.org/x/sync; this is the idiomatic ecosystem replacement for a
// hand-rolled worker pool).
func (c *Cache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	entities := make([]Entity, 0, len(c.live))
	for _, e := range c.live {
		entities = append(entities, e)
	}
	c.mu.Unlock()

	sem := semaphore.NewWeighted(shutdownConcurrency)
	g, gctx := errgroup.WithContext(ctx)
	flushed := 0
	var mu sync.Mutex
	for _, e := range entities {
		e := e
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			rec := e.ToRecord()
			var err error
			if e.Deleted() {
				err = c.driver.Delete(ctx, e.TSID())
			} else {
				err = c.driver.Write(ctx, []*Record{rec})
			}
			if err != nil {
				// Shutdown forward-progress rule: log and skip, never abort
				// the drain (spec §4.2 "During shutdown, failed writes are
				// logged and skipped").
				c.log.Warn("shutdown flush failed, skipping", zap.String("tsid", string(e.TSID())), zap.Error(err))
			}
			mu.Lock()
			flushed++
			if flushed%50 == 0 {
				c.log.Info("shutdown flush progress", zap.Int("flushed", flushed), zap.Int("total", len(entities)))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	c.log.Info("shutdown flush complete", zap.Int("flushed", flushed), zap.Int("total", len(entities)))
	return c.driver.Close(ctx)
}

// ShuttingDown reports whether Shutdown has begun.
func (c *Cache) ShuttingDown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shuttingDown
}

// NewPhaseSets is a small constructor so callers outside this package
// (runtime.Context) can build the sets PostRequestProc expects without
// reaching into unexported fields.
func NewPhaseSets(added, dirty, unload map[tsid.TSID]Entity) PhaseSets {
	return PhaseSets{Added: added, Dirty: dirty, Unload: unload}
}
