// Package model implements spec §9's "scripted content as polymorphism"
// design note: an EntityBehavior interface per kind (Location, Player,
// Item, ...), a classTag -> constructor registry, and the concrete base
// entity shape every kind embeds. Grounded on udisondev-la2go's per-kind
// repository/constructor split (internal/db/*_repository.go, one
// constructor family per persisted kind), adapted here to the spec's
// TSID-kind + class-tag dispatch instead of a SQL-table-per-kind split.
package model

import (
	"sync"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// Base is the common entity state every concrete model kind embeds,
// satisfying persist.Entity's bookkeeping methods so each kind only needs
// to implement Root()/ToRecord()/LoadFrom() and its own behavior.
type Base struct {
	mu       sync.RWMutex
	tsidVal  tsid.TSID
	class    string
	deleted  bool
	stale    bool
	fields   map[string]interface{}
}

// NewBase constructs the embeddable entity core.
func NewBase(t tsid.TSID, class string, fields map[string]interface{}) Base {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return Base{tsidVal: t, class: class, fields: fields}
}

func (b *Base) TSID() tsid.TSID { return b.tsidVal }
func (b *Base) Class() string   { return b.class }

func (b *Base) Deleted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.deleted
}

func (b *Base) SetDeleted(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = v
}

func (b *Base) SetStale(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stale = v
}

func (b *Base) Stale() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stale
}

func (b *Base) Fields() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fields
}

func (b *Base) SetField(name string, v interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fields[name] = v
}

func (b *Base) Field(name string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.fields[name]
	return v, ok
}

// loadFieldsFrom copies a record's fields/deleted flag into this base,
// shared by every concrete kind's LoadFrom.
func (b *Base) loadFieldsFrom(rec *persist.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = rec.Deleted
	if rec.Fields != nil {
		b.fields = rec.Fields
	}
}

// toRecordBase builds the common part of a Record; callers fill in nothing
// extra since Fields already carries all domain state.
func (b *Base) toRecordBase() *persist.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &persist.Record{
		TSID:    b.tsidVal,
		Class:   b.class,
		Deleted: b.deleted,
		Fields:  b.fields,
	}
}
