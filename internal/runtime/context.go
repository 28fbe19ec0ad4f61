// Package runtime implements the Request Context (spec §4.3) and Request
// Queue (spec §4.4): the unit-of-work/transaction boundary and the
// per-top-level-entity FIFO serializer that wraps handler invocations in
// it. Grounded on github.com/tinode/chat/server/topic.go's per-topic
// goroutine select-loop (reg/unreg/broadcast/meta channels serializing one
// operation at a time per topic), generalized to an explicit queue+context
// pair per spec's contract instead of hard-coded message-type branches.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// HandlerFunc is one unit of work run inside a Context. Per Design Notes §9
// ("must become explicit context passing"), the RequestContext is always
// the first parameter — there is no ambient/task-local lookup.
type HandlerFunc func(ctx context.Context, rc *Context) (interface{}, error)

// DoneFunc is the completion callback a queue entry supplies.
type DoneFunc func(err error, result interface{})

// Context is one unit of work (spec §4.3): one client request, one timer
// tick, one RPC arrival, one internal chore.
type Context struct {
	Logtag  string    // what kind of work, for logging
	Owner   tsid.TSID // root TSID, for logging
	Session interface{} // optional, opaque session handle for response routing
	rq      *Queue      // the enclosing request queue, used by nested calls

	cache *persist.Cache

	mu               sync.Mutex
	localCache       map[tsid.TSID]persist.Entity
	added            map[tsid.TSID]persist.Entity
	dirty            map[tsid.TSID]persist.Entity
	unload           map[tsid.TSID]persist.Entity
	postPersCallback func()

	log *zap.Logger
}

// NewContext constructs a fresh Request Context. Queue.handle calls this
// once per (non-nested) dequeued entry (spec §4.4 handle()).
func NewContext(logtag string, owner tsid.TSID, session interface{}, rq *Queue, cache *persist.Cache, log *zap.Logger) *Context {
	return &Context{
		Logtag:     logtag,
		Owner:      owner,
		Session:    session,
		rq:         rq,
		cache:      cache,
		localCache: make(map[tsid.TSID]persist.Entity),
		added:      make(map[tsid.TSID]persist.Entity),
		dirty:      make(map[tsid.TSID]persist.Entity),
		unload:     make(map[tsid.TSID]persist.Entity),
		log:        log,
	}
}

// --- persist.ContextCache ---

func (c *Context) CacheGet(t tsid.TSID) (persist.Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.localCache[t]
	return e, ok
}

func (c *Context) CachePut(t tsid.TSID, e persist.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localCache[t] = e
}

func (c *Context) MarkAdded(e persist.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := e.TSID()
	c.added[t] = e
	c.localCache[t] = e
}

// --- handler-facing API ---

// Get resolves t through the Persistence Cache, consulting this context's
// own cache first so every get(tsid) call within one context returns the
// same reference for its duration (spec §3 invariant 3).
func (c *Context) Get(ctx context.Context, t tsid.TSID, noProxy bool) (persist.Entity, error) {
	e, err := c.cache.Get(ctx, c, t, noProxy)
	if err != nil || e == nil {
		return e, err
	}
	c.mu.Lock()
	c.localCache[t] = e
	c.mu.Unlock()
	return e, nil
}

// Create mints a new entity through the Persistence Cache, marking it added
// in this context (spec §4.2's create(modelType, data[, upsert])).
func (c *Context) Create(t tsid.TSID, class string, fields map[string]interface{}, upsert bool) (persist.Entity, error) {
	return c.cache.Create(c, t, class, fields, upsert)
}

// SetDirty implements spec §4.3's rule: setDirty(obj, added=true) places in
// added; later setDirty(obj) is a no-op if already in added; otherwise goes
// to dirty.
func (c *Context) SetDirty(e persist.Entity, added bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := e.TSID()
	if added {
		c.added[t] = e
		return
	}
	if _, already := c.added[t]; already {
		return
	}
	c.dirty[t] = e
}

// SetUnload stamps the stale flag and schedules e for unload-then-release
// at the end of this context (spec §4.3 setUnload()).
func (c *Context) SetUnload(e persist.Entity) {
	e.SetStale(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unload[e.TSID()] = e
}

// SetPostPersCallback installs the optional nullary hook run after
// persistence completes (spec §4.3 postPersCallback).
func (c *Context) SetPostPersCallback(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postPersCallback = fn
}

// Queue exposes the enclosing Request Queue so handlers can push nested
// work (spec §4.4's tag-prefix bypass contract).
func (c *Context) Queue() *Queue { return c.rq }

// Run executes fn inside this context and drives the post-persistence
// pipeline, implementing spec §4.3's run(func, cb, waitPers):
//  1. invoke fn
//  2. on panic/error: rollback, call cb(err), stop
//  3. on success: flush added/dirty/deleted/unload through the Persistence
//     Cache in order
//  4. invoke postPersCallback once that completes
//  5. call cb either immediately after fn returns (waitPers=false, with
//     persistence running concurrently) or only after step 3 completes
//     (waitPers=true)
func (c *Context) Run(ctx context.Context, fn HandlerFunc, cb DoneFunc, waitPers bool) {
	result, err := c.invoke(ctx, fn)
	if err != nil {
		c.mu.Lock()
		added, dirty := c.added, c.dirty
		c.mu.Unlock()
		c.cache.PostRequestRollback(dirty, added, c.Logtag)
		if cb != nil {
			cb(err, nil)
		}
		return
	}

	flush := func() {
		c.mu.Lock()
		sets := persist.NewPhaseSets(c.added, c.dirty, c.unload)
		cb2 := c.postPersCallback
		c.mu.Unlock()
		if err := c.cache.PostRequestProc(ctx, sets, c.Logtag); err != nil {
			c.log.Warn("postRequestProc failed", zap.String("logtag", c.Logtag), zap.Error(err))
		}
		if cb2 != nil {
			// Errors in postPersCallback are logged and swallowed — they
			// must not destabilize the queue (spec §4.3 error policy).
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.log.Error("postPersCallback panicked", zap.Any("recover", r))
					}
				}()
				cb2()
			}()
		}
	}

	if waitPers {
		flush()
		if cb != nil {
			cb(nil, result)
		}
		return
	}

	if cb != nil {
		cb(nil, result)
	}
	go flush()
}

// invoke runs fn, converting a panic into an error the same way
// context.run treats a thrown exception (spec §4.3 step 2: "If it throws:
// record the stack...").
func (c *Context) invoke(ctx context.Context, fn HandlerFunc) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked", zap.String("logtag", c.Logtag), zap.Any("recover", r))
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = errHandlerPanic{r}
			}
		}
	}()
	return fn(ctx, c)
}

type errHandlerPanic struct{ v interface{} }

func (e errHandlerPanic) Error() string { return fmt.Sprintf("handler panic: %v", e.v) }
