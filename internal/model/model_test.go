package model

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

func TestFactoryDispatchesByTSIDKind(t *testing.T) {
	cases := []struct {
		id   tsid.TSID
		want interface{}
	}{
		{"L1", &Location{}},
		{"R1", &Group{}},
		{"P1", &Player{}},
		{"B1", &Bag{}},
		{"I1", &Item{}},
		{"D1", &DataContainer{}},
		{"Q1", &Quest{}},
		{"G1", &Geometry{}},
	}
	for _, c := range cases {
		e, err := Factory(&persist.Record{TSID: c.id, Class: "x", Fields: map[string]interface{}{}})
		if err != nil {
			t.Fatalf("Factory(%s): %v", c.id, err)
		}
		if e.TSID() != c.id {
			t.Fatalf("Factory(%s) TSID = %s", c.id, e.TSID())
		}
	}
}

func TestFactoryRejectsInvalidTSID(t *testing.T) {
	if _, err := Factory(&persist.Record{TSID: "", Class: "x"}); err == nil {
		t.Fatal("expected an empty TSID to be rejected")
	}
	if _, err := Factory(&persist.Record{TSID: "X1", Class: "x"}); err == nil {
		t.Fatal("expected an unrecognized kind letter to be rejected")
	}
}

func TestPlayerRoundTripsLocationObjRef(t *testing.T) {
	p := NewPlayer(tsid.TSID("P1"), "player", map[string]interface{}{"name": "Alice"})
	p.SetLocationTSID(tsid.TSID("L1"))

	rec := p.ToRecord()
	ref, ok := rec.Fields["location"].(tsid.ObjRef)
	if !ok || ref.TSID != tsid.TSID("L1") || !ref.ObjRef {
		t.Fatalf("ToRecord location field = %+v", rec.Fields["location"])
	}

	loaded := NewPlayer(tsid.TSID("P1"), "player", nil)
	loaded.LoadFrom(rec)
	if loaded.LocationTSID() != tsid.TSID("L1") {
		t.Fatalf("LoadFrom did not restore LocationTSID, got %q", loaded.LocationTSID())
	}
}

func TestDependentRoundTripsContainerObjRef(t *testing.T) {
	item := NewItem(tsid.TSID("I1"), "sword", tsid.TSID("B1"), map[string]interface{}{})
	rec := item.ToRecord()
	ref, ok := rec.Fields["container"].(tsid.ObjRef)
	if !ok || ref.TSID != tsid.TSID("B1") {
		t.Fatalf("ToRecord container field = %+v", rec.Fields["container"])
	}

	loaded, err := Factory(rec)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	if loaded.Root() != tsid.TSID("B1") {
		t.Fatalf("Factory-built item Root() = %q, want B1", loaded.Root())
	}
}

func TestTopLevelKindsRootToThemselves(t *testing.T) {
	loc := NewLocation(tsid.TSID("L1"), "x", nil)
	if loc.Root() != tsid.TSID("L1") {
		t.Fatalf("Location.Root() = %q", loc.Root())
	}
	grp := NewGroup(tsid.TSID("R1"), "x", nil)
	if grp.Root() != tsid.TSID("R1") {
		t.Fatalf("Group.Root() = %q", grp.Root())
	}
}

func TestBaseFieldAccessorsAreConcurrencySafe(t *testing.T) {
	b := NewBase(tsid.TSID("L1"), "x", nil)
	b.SetField("hp", 10)
	v, ok := b.Field("hp")
	if !ok || v != 10 {
		t.Fatalf("Field(hp) = %v, %v", v, ok)
	}
	if _, ok := b.Field("missing"); ok {
		t.Fatal("expected a lookup of an absent field to report false")
	}
}

func TestRegistryLookupAndOverwrite(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("player"); ok {
		t.Fatal("expected an empty registry to have no behaviors")
	}
	first := NoopBehavior{}
	r.Register("player", first)
	got, ok := r.Lookup("player")
	if !ok || got != persist.Behavior(first) {
		t.Fatalf("Lookup after Register = %v, %v", got, ok)
	}
}

func TestRegisterDefaultsAssignsStartingLocationOnCreate(t *testing.T) {
	r := NewRegistry()
	log := zaptest.NewLogger(t)
	RegisterDefaults(r, log, "L1")

	beh, ok := r.Lookup("player")
	if !ok {
		t.Fatal("expected a default player behavior to be registered")
	}
	p := NewPlayer(tsid.TSID("P1"), "player", nil)
	if err := beh.OnCreate(p); err != nil {
		t.Fatalf("OnCreate: %v", err)
	}
	if p.LocationTSID() != tsid.TSID("L1") {
		t.Fatalf("expected the default location to be assigned, got %q", p.LocationTSID())
	}

	// A player created with a location already set must keep it.
	p2 := NewPlayer(tsid.TSID("P2"), "player", nil)
	p2.SetLocationTSID(tsid.TSID("L2"))
	if err := beh.OnCreate(p2); err != nil {
		t.Fatalf("OnCreate: %v", err)
	}
	if p2.LocationTSID() != tsid.TSID("L2") {
		t.Fatalf("OnCreate overwrote an already-set location: %q", p2.LocationTSID())
	}
}
