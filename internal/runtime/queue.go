package runtime

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// ErrShuttingDown is returned to Push callbacks once a queue has begun
// draining (spec §4.4 "If closing, reject with a shutdown error").
var ErrShuttingDown = errors.New("runtime: queue is shutting down")

// PushOptions configures one Push call.
type PushOptions struct {
	Session  interface{}
	WaitPers bool
	Close    bool // flip closing after this entry is accepted
}

// entry is one queued unit of work (spec §4.4's {tag, func, callback,
// options, waitTimer}; waitTimer itself belongs to the session layer that
// schedules timeouts and is represented here only by the Canceled flag the
// session flips).
type entry struct {
	tag      string
	fn       HandlerFunc
	cb       DoneFunc
	opts     PushOptions
	canceled bool
}

// Queue is the per-top-level-entity FIFO serializer (spec §4.4), grounded
// on topic.go's run() select-loop: at most one entry's handler executes at
// a time, with nested re-entrant calls bypassing the queue entirely.
type Queue struct {
	Owner tsid.TSID // "" for named global queues

	cache *persist.Cache
	log   *zap.Logger

	mu            sync.Mutex
	queue         []*entry
	inProgress    *entry
	inProgressCtx *Context
	closing       bool
	closeCallback func()
}

// NewQueue constructs a queue for top-level entity owner (or a named global
// queue when owner is "").
func NewQueue(owner tsid.TSID, cache *persist.Cache, log *zap.Logger) *Queue {
	return &Queue{Owner: owner, cache: cache, log: log}
}

// Push implements spec §4.4's push(tag, func, callback, options) contract,
// including the nested-call tag-prefix bypass that is "the only way to
// prevent self-deadlock when a script makes an RPC back to itself via a
// proxy".
func (q *Queue) Push(ctx context.Context, tag string, fn HandlerFunc, cb DoneFunc, opts PushOptions) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		if cb != nil {
			cb(ErrShuttingDown, nil)
		}
		return
	}

	if q.inProgress != nil && strings.HasPrefix(tag, q.inProgress.tag) {
		nestedCtx := q.inProgressCtx
		q.mu.Unlock()
		// Nested entries dispatch asynchronously without touching
		// inProgress, and run on the *same* context — same rc.cache — as
		// the entry that is already executing (spec §8 scenario 4).
		go q.runNested(ctx, fn, cb, nestedCtx)
		return
	}

	e := &entry{tag: tag, fn: fn, cb: cb, opts: opts}
	q.queue = append(q.queue, e)
	if opts.Close {
		q.closing = true
	}
	q.mu.Unlock()

	// Kick the scheduler via a deferred call so multiple rapid pushes batch
	// into one poll (spec §4.4): next() itself is idempotent when
	// inProgress is set, so firing it once per Push is sufficient and safe.
	go q.next(ctx)
}

// runNested executes fn inline on the ambient context of the currently
// in-progress entry, per spec §4.4's nested-call contract.
func (q *Queue) runNested(ctx context.Context, fn HandlerFunc, cb DoneFunc, rc *Context) {
	result, err := rc.invoke(ctx, fn)
	if cb != nil {
		cb(err, result)
	}
}

// next is a single scheduler step (spec §4.4 next()).
func (q *Queue) next(ctx context.Context) {
	q.mu.Lock()
	if q.inProgress != nil {
		q.mu.Unlock()
		return
	}
	if len(q.queue) > 0 {
		e := q.queue[0]
		q.queue = q.queue[1:]
		q.inProgress = e
		q.mu.Unlock()
		q.handle(ctx, e)
		return
	}
	if q.closing {
		cb := q.closeCallback
		q.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}
	q.mu.Unlock()
}

// handle runs one dequeued entry in a fresh Request Context (spec §4.4
// handle()).
func (q *Queue) handle(ctx context.Context, e *entry) {
	q.mu.Lock()
	if e.canceled {
		q.mu.Unlock()
		go q.next(ctx)
		return
	}
	q.mu.Unlock()

	rc := NewContext(e.tag, q.Owner, e.opts.Session, q, q.cache, q.log)
	q.mu.Lock()
	q.inProgressCtx = rc
	q.mu.Unlock()

	rc.Run(ctx, e.fn, func(err error, res interface{}) {
		q.mu.Lock()
		q.inProgress = nil
		q.inProgressCtx = nil
		q.mu.Unlock()
		go q.next(ctx)
		if e.cb != nil {
			e.cb(err, res)
		}
	}, e.opts.WaitPers)
}

// Cancel marks the head-of-line-not-yet-started entry matching tag as
// canceled — used by the session layer when the player/session dies before
// the entry was picked up (spec §5 "Cancellation"). Only entries still
// queued (not yet inProgress) are affected; there is no mid-execution
// cancellation.
func (q *Queue) Cancel(tag string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.queue {
		if e.tag == tag {
			e.canceled = true
		}
	}
}

// Shutdown flips closing and arranges for closeCallback to fire once the
// last entry drains (spec §4.4 "Shutdown (static)").
func (q *Queue) Shutdown(ctx context.Context, done func()) {
	q.mu.Lock()
	q.closing = true
	q.closeCallback = done
	q.mu.Unlock()
	go q.next(ctx)
}

// Len reports the number of entries waiting (not counting inProgress) —
// exposed for metrics/tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
