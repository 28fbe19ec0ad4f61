package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

func TestRegistryResumeTimersSharesSchedulerAcrossRootAndDependents(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	var calls int32
	r.SetTimerCall(func(ctx context.Context, e persist.Entity, fname string, args []interface{}) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	root := &fakeEntity{t: tsid.TSID("P1")}
	dependent := &fakeEntity{t: tsid.TSID("B1")}
	// dependent.Root() must answer the root's TSID for scheduler sharing to
	// kick in; fakeEntity.Root() defaults to its own TSID, so override via a
	// thin wrapper rather than changing the shared fake's default behavior.
	dep := rootOverride{fakeEntity: dependent, root: root.t}

	past := time.Now().Add(-time.Hour).UnixMilli()
	r.ResumeTimers(context.Background(), root, map[string]persist.TimerEntry{
		"a": {StartMillis: past, FName: "onA"},
	})
	r.ResumeTimers(context.Background(), dep, map[string]persist.TimerEntry{
		"b": {StartMillis: past, FName: "onB"},
	})

	r.mu.RLock()
	n := len(r.schedulers)
	r.mu.RUnlock()
	require.Equal(t, 1, n, "schedulers should be shared by root's TSID")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, 5*time.Millisecond, "both resumed timers should fire")
}

func TestRegistrySuspendTimersStopsAndDropsScheduler(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	r.SetTimerCall(func(ctx context.Context, e persist.Entity, fname string, args []interface{}) error {
		return nil
	})

	root := &fakeEntity{t: tsid.TSID("P1")}
	r.ResumeTimers(context.Background(), root, map[string]persist.TimerEntry{
		"a": {StartMillis: time.Now().Add(time.Hour).UnixMilli()},
	})

	r.mu.RLock()
	_, ok := r.schedulers[root.t]
	r.mu.RUnlock()
	require.True(t, ok, "expected a scheduler to exist for the root after ResumeTimers")

	r.SuspendTimers(root.t)

	r.mu.RLock()
	_, ok = r.schedulers[root.t]
	r.mu.RUnlock()
	require.False(t, ok, "expected SuspendTimers to drop the scheduler entry")
}

func TestRegistryResumeTimersIgnoresEmptySet(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	root := &fakeEntity{t: tsid.TSID("P1")}
	r.ResumeTimers(context.Background(), root, nil)

	r.mu.RLock()
	n := len(r.schedulers)
	r.mu.RUnlock()
	require.Zero(t, n, "an entity with no persisted timers should not get a scheduler")
}

// rootOverride lets a test give a fakeEntity a distinct Root() without
// changing the shared fake's own-TSID default every other test relies on.
type rootOverride struct {
	*fakeEntity
	root tsid.TSID
}

func (r rootOverride) Root() tsid.TSID { return r.root }
