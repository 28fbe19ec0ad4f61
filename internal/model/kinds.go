package model

import (
	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// Location is a top-level entity: a place in the 2-D world, owning its own
// request queue. Grounded on topic.go's TopicCat "grp"-flavored top-level
// entity shape, renamed to the game domain.
type Location struct{ Base }

func NewLocation(t tsid.TSID, class string, fields map[string]interface{}) *Location {
	return &Location{Base: NewBase(t, class, fields)}
}
func (l *Location) Root() tsid.TSID { return l.TSID() }
func (l *Location) ToRecord() *persist.Record {
	rec := l.toRecordBase()
	return rec
}
func (l *Location) LoadFrom(rec *persist.Record) { l.loadFieldsFrom(rec) }

// Group is a top-level player-visible group (e.g. a party/guild-equivalent;
// spec kind "R").
type Group struct{ Base }

func NewGroup(t tsid.TSID, class string, fields map[string]interface{}) *Group {
	return &Group{Base: NewBase(t, class, fields)}
}
func (g *Group) Root() tsid.TSID            { return g.TSID() }
func (g *Group) ToRecord() *persist.Record  { return g.toRecordBase() }
func (g *Group) LoadFrom(rec *persist.Record) { g.loadFieldsFrom(rec) }

// Player is a top-level entity representing one connected (or
// last-disconnected) character; inherits its owner GS from its current
// Location TSID (spec §3 "Ownership").
type Player struct {
	Base
	locationTSID tsid.TSID
}

func NewPlayer(t tsid.TSID, class string, fields map[string]interface{}) *Player {
	return &Player{Base: NewBase(t, class, fields)}
}
func (p *Player) Root() tsid.TSID { return p.TSID() }
func (p *Player) ToRecord() *persist.Record {
	rec := p.toRecordBase()
	rec.Fields["location"] = tsid.ObjRef{TSID: p.locationTSID, ObjRef: true}
	return rec
}
func (p *Player) LoadFrom(rec *persist.Record) {
	p.loadFieldsFrom(rec)
	if ref, ok := rec.Fields["location"].(tsid.ObjRef); ok {
		p.locationTSID = ref.TSID
	}
}
func (p *Player) LocationTSID() tsid.TSID     { return p.locationTSID }
func (p *Player) SetLocationTSID(t tsid.TSID) { p.locationTSID = t }

// dependent is the shared shape for every non-top-level kind (bag, item,
// data container, quest): it knows the TSID of its top-level root so the
// unload walker and ownership inheritance (spec §3 "dependents inherit from
// their root container") don't need a full graph traversal to answer Root().
type dependent struct {
	Base
	root tsid.TSID
}

func (d *dependent) Root() tsid.TSID { return d.root }

// Bag ("B") holds items; Item ("I") is a single stack/instance;
// DataContainer ("D") is an opaque key/value blob; Quest ("Q") is
// quest-progress state. All four share the dependent shape; only their
// class tag and domain fields differ, matching spec §3's "bag of domain
// fields" description — there is no kind-specific behavior the runtime
// needs beyond the EntityBehavior hooks, which dispatch by class tag, not
// by Go type.
type Bag struct{ dependent }
type Item struct{ dependent }
type DataContainer struct{ dependent }
type Quest struct{ dependent }

func NewBag(t tsid.TSID, class string, root tsid.TSID, fields map[string]interface{}) *Bag {
	return &Bag{dependent{Base: NewBase(t, class, fields), root: root}}
}
func NewItem(t tsid.TSID, class string, root tsid.TSID, fields map[string]interface{}) *Item {
	return &Item{dependent{Base: NewBase(t, class, fields), root: root}}
}
func NewDataContainer(t tsid.TSID, class string, root tsid.TSID, fields map[string]interface{}) *DataContainer {
	return &DataContainer{dependent{Base: NewBase(t, class, fields), root: root}}
}
func NewQuest(t tsid.TSID, class string, root tsid.TSID, fields map[string]interface{}) *Quest {
	return &Quest{dependent{Base: NewBase(t, class, fields), root: root}}
}

func (b *Bag) ToRecord() *persist.Record             { return withRoot(b.toRecordBase(), b.root) }
func (b *Bag) LoadFrom(rec *persist.Record)           { b.loadFieldsFrom(rec); b.root = rootOf(rec) }
func (i *Item) ToRecord() *persist.Record             { return withRoot(i.toRecordBase(), i.root) }
func (i *Item) LoadFrom(rec *persist.Record)           { i.loadFieldsFrom(rec); i.root = rootOf(rec) }
func (d *DataContainer) ToRecord() *persist.Record    { return withRoot(d.toRecordBase(), d.root) }
func (d *DataContainer) LoadFrom(rec *persist.Record)  { d.loadFieldsFrom(rec); d.root = rootOf(rec) }
func (q *Quest) ToRecord() *persist.Record            { return withRoot(q.toRecordBase(), q.root) }
func (q *Quest) LoadFrom(rec *persist.Record)          { q.loadFieldsFrom(rec); q.root = rootOf(rec) }

func withRoot(rec *persist.Record, root tsid.TSID) *persist.Record {
	rec.Fields["container"] = tsid.ObjRef{TSID: root, ObjRef: true}
	return rec
}

func rootOf(rec *persist.Record) tsid.TSID {
	if ref, ok := rec.Fields["container"].(tsid.ObjRef); ok {
		return ref.TSID
	}
	return ""
}

// Geometry ("G") is static collision/region data, not itself mutated
// through the request-queue/dirty-tracking pipeline in practice, but still
// a recognized TSID kind per spec §3's Data Model.
type Geometry struct{ Base }

func NewGeometry(t tsid.TSID, class string, fields map[string]interface{}) *Geometry {
	return &Geometry{Base: NewBase(t, class, fields)}
}
func (g *Geometry) Root() tsid.TSID            { return g.TSID() }
func (g *Geometry) ToRecord() *persist.Record  { return g.toRecordBase() }
func (g *Geometry) LoadFrom(rec *persist.Record) { g.loadFieldsFrom(rec) }
