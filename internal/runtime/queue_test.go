package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/persist/memkv"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// alwaysLocal satisfies persist.OwnershipOracle for single-process tests.
type alwaysLocal struct{}

func (alwaysLocal) IsLocal(tsid.TSID) bool { return true }
func (alwaysLocal) Owner(tsid.TSID) string { return "self" }

func noopBehaviorLookup(string) (persist.Behavior, bool) { return nil, false }

func testCache(t *testing.T) *persist.Cache {
	t.Helper()
	return persist.NewCache(zap.NewNop(), memkv.New(), alwaysLocal{},
		func(rec *persist.Record) (persist.Entity, error) { return nil, nil },
		noopBehaviorLookup, nil, nil)
}

func TestQueuePushRunsInFIFOOrder(t *testing.T) {
	q := NewQueue(tsid.TSID("P1"), testCache(t), zap.NewNop())

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		q.Push(ctx, "root", func(ctx context.Context, rc *Context) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}, func(err error, _ interface{}) { wg.Done() }, PushOptions{})
	}

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("FIFO violated: order = %v", order)
		}
	}
}

func TestQueueNestedCallBypassesQueue(t *testing.T) {
	q := NewQueue(tsid.TSID("P1"), testCache(t), zap.NewNop())
	ctx := context.Background()

	outerStarted := make(chan struct{})
	outerFinish := make(chan struct{})
	nestedDone := make(chan struct{})

	q.Push(ctx, "root", func(ctx context.Context, rc *Context) (interface{}, error) {
		close(outerStarted)

		// Pushed from inside the running handler with a tag that extends the
		// in-progress entry's own tag: this must run concurrently rather
		// than wait behind outer's own completion.
		q.Push(ctx, "root:nested", func(ctx context.Context, rc *Context) (interface{}, error) {
			close(nestedDone)
			return nil, nil
		}, nil, PushOptions{})

		<-outerFinish
		return nil, nil
	}, nil, PushOptions{})

	<-outerStarted
	select {
	case <-nestedDone:
	case <-time.After(time.Second):
		t.Fatal("nested call did not bypass the blocked outer entry")
	}
	close(outerFinish)
}

func TestQueueShutdownDrainsAndCallsDone(t *testing.T) {
	q := NewQueue(tsid.TSID("P1"), testCache(t), zap.NewNop())
	ctx := context.Background()

	ran := make(chan struct{})
	q.Push(ctx, "root", func(ctx context.Context, rc *Context) (interface{}, error) {
		close(ran)
		return nil, nil
	}, nil, PushOptions{})

	<-ran
	done := make(chan struct{})
	q.Shutdown(ctx, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not call done after draining")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for queue entries to complete")
	}
}
