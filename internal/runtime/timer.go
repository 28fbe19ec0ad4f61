// Timer scheduling and catch-up, grounded on spec §9's Design Notes and on
// topic.go's time.NewTimer/time.AfterFunc idiom (the teacher schedules
// per-topic keepalive/user-agent timers the same way: construct once,
// Stop/Reset around the blocking select loop).
package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/persist"
)

// maxCatchUpCalls bounds interval catch-up storms (spec §9: "cap catch-ups
// to avoid storms"); a timer whose interval elapsed more times than this
// since the object was last persisted only fires this many catch-up calls,
// then resumes on the normal cadence from now.
const maxCatchUpCalls = 1000

// TimerCall is what a fired timer entry invokes: fname + its persisted
// args, run as a normal queued request against the entity's own queue.
type TimerCall func(ctx context.Context, e persist.Entity, fname string, args []interface{}) error

// Scheduler resumes and runs persisted timers for one entity. One instance
// is created per loaded top-level entity's Context; dependents share their
// root's scheduler rather than getting one each, since timers push work
// through the root's request queue regardless of which dependent they were
// declared on.
type Scheduler struct {
	log  *zap.Logger
	call TimerCall

	mu     chan struct{} // 1-buffered, acts as a cheap mutex guarding live
	live   map[string]*time.Timer
	closed bool
}

// NewScheduler constructs a Scheduler that invokes call for every fired
// entry.
func NewScheduler(log *zap.Logger, call TimerCall) *Scheduler {
	s := &Scheduler{log: log, call: call, mu: make(chan struct{}, 1), live: make(map[string]*time.Timer)}
	s.mu <- struct{}{}
	return s
}

// ResumeAll replays e's persisted timers (spec §9 "On load, resume them"):
// one-shots past due fire immediately (clamped to a small positive delay);
// intervals perform floor(age/period) synchronous catch-up calls — bounded
// by maxCatchUpCalls and abandoned early if e becomes deleted mid-catch-up
// — then reschedule aligned to the original cadence.
func (s *Scheduler) ResumeAll(ctx context.Context, e persist.Entity, timers map[string]persist.TimerEntry) {
	now := time.Now()
	for key, t := range timers {
		s.resume(ctx, e, key, t, now)
	}
}

func (s *Scheduler) resume(ctx context.Context, e persist.Entity, key string, t persist.TimerEntry, now time.Time) {
	start := time.UnixMilli(t.StartMillis)
	delay := time.Duration(t.DelayMillis) * time.Millisecond

	if t.IntervalMs == 0 {
		due := start.Add(delay)
		wait := due.Sub(now)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		s.schedule(key, wait, func() { s.fireOnce(ctx, e, t) })
		return
	}

	period := time.Duration(t.IntervalMs) * time.Millisecond
	firstDue := start.Add(delay)
	age := now.Sub(firstDue)
	if age < 0 {
		s.scheduleInterval(ctx, e, key, t, firstDue.Sub(now), period)
		return
	}

	catchups := int64(age / period)
	if catchups > maxCatchUpCalls {
		s.log.Warn("runtime: clamping timer catch-up storm",
			zap.String("tsid", string(e.TSID())), zap.String("timer", key), zap.Int64("calls", catchups))
		catchups = maxCatchUpCalls
	}
	if !t.NoCatchUp {
		for i := int64(0); i < catchups; i++ {
			if e.Deleted() {
				return
			}
			if err := s.call(ctx, e, t.FName, t.Args); err != nil {
				s.log.Warn("runtime: timer catch-up call failed",
					zap.String("tsid", string(e.TSID())), zap.String("fname", t.FName), zap.Error(err))
			}
		}
	}
	if e.Deleted() {
		return
	}
	next := firstDue.Add(period * time.Duration(catchups+1))
	s.scheduleInterval(ctx, e, key, t, next.Sub(now), period)
}

func (s *Scheduler) fireOnce(ctx context.Context, e persist.Entity, t persist.TimerEntry) {
	if e.Deleted() {
		return
	}
	if err := s.call(ctx, e, t.FName, t.Args); err != nil {
		s.log.Warn("runtime: one-shot timer call failed",
			zap.String("tsid", string(e.TSID())), zap.String("fname", t.FName), zap.Error(err))
	}
}

func (s *Scheduler) scheduleInterval(ctx context.Context, e persist.Entity, key string, t persist.TimerEntry, wait, period time.Duration) {
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	var tick func()
	tick = func() {
		if e.Deleted() {
			return
		}
		if err := s.call(ctx, e, t.FName, t.Args); err != nil {
			s.log.Warn("runtime: interval timer call failed",
				zap.String("tsid", string(e.TSID())), zap.String("fname", t.FName), zap.Error(err))
		}
		s.schedule(key, period, tick)
	}
	s.schedule(key, wait, tick)
}

func (s *Scheduler) schedule(key string, wait time.Duration, fn func()) {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	if s.closed {
		return
	}
	if old, ok := s.live[key]; ok {
		old.Stop()
	}
	s.live[key] = time.AfterFunc(wait, fn)
}

// Suspend stops every live timer without clearing the persisted record —
// spec §47: "after persistence, timers are suspended" on unload.
func (s *Scheduler) Suspend() {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	for _, t := range s.live {
		t.Stop()
	}
	s.closed = true
}
