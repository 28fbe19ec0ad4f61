// Package memkv is an in-memory persist.Driver for tests and single-process
// development. Grounded on server/store/adapter.Adapter's interface shape
// (narrowed here to persist.Driver's four methods) with the teacher's
// RethinkDB/MySQL adapters as the multi-backend-story reference; the
// storage itself is a plain mutex-guarded map since an in-memory store has
// no idiomatic third-party substitute anywhere in the example pack.
package memkv

import (
	"context"
	"sync"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// Driver is a persist.Driver backed by an in-process map.
type Driver struct {
	mu   sync.RWMutex
	data map[tsid.TSID]*persist.Record
}

// New constructs an empty memkv driver.
func New() *Driver {
	return &Driver{data: make(map[tsid.TSID]*persist.Record)}
}

func (d *Driver) Init(ctx context.Context, config string) error { return nil }
func (d *Driver) Close(ctx context.Context) error                { return nil }

func (d *Driver) Read(ctx context.Context, t tsid.TSID) (*persist.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.data[t]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (d *Driver) Write(ctx context.Context, records []*persist.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range records {
		d.data[r.TSID] = cloneRecord(r)
	}
	return nil
}

func (d *Driver) Delete(ctx context.Context, t tsid.TSID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, t)
	return nil
}

func cloneRecord(r *persist.Record) *persist.Record {
	fields := make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	timers := make(map[string]persist.TimerEntry, len(r.Timers))
	for k, v := range r.Timers {
		timers[k] = v
	}
	return &persist.Record{TSID: r.TSID, Class: r.Class, Deleted: r.Deleted, Fields: fields, Timers: timers}
}

var _ persist.Driver = (*Driver)(nil)
