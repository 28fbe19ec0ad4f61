// Package tsid defines the entity identifier used throughout the runtime.
package tsid

import "strings"

// Kind is the entity category encoded in a TSID's first character.
type Kind byte

// Entity kinds. Only Location, Group and Player are top-level: they own a
// request queue. The rest are dependents reached through a root.
const (
	KindLocation Kind = 'L'
	KindGroup    Kind = 'R'
	KindPlayer   Kind = 'P'
	KindBag      Kind = 'B'
	KindItem     Kind = 'I'
	KindData     Kind = 'D'
	KindQuest    Kind = 'Q'
	KindGeometry Kind = 'G'
)

// TSID is a globally unique, immutable entity identifier. Its first byte
// encodes Kind.
type TSID string

// Kind returns the entity kind encoded in t, or 0 if t is empty.
func (t TSID) Kind() Kind {
	if len(t) == 0 {
		return 0
	}
	return Kind(t[0])
}

// TopLevel reports whether t names a top-level entity (one with its own
// request queue): a Location, Group or Player.
func (t TSID) TopLevel() bool {
	switch t.Kind() {
	case KindLocation, KindGroup, KindPlayer:
		return true
	default:
		return false
	}
}

// Dependent reports whether t is a dependent kind unloaded as part of its
// top-level root's unload walk (bags, items, data containers, quests).
func (t TSID) Dependent() bool {
	switch t.Kind() {
	case KindBag, KindItem, KindData, KindQuest:
		return true
	default:
		return false
	}
}

func (t TSID) String() string { return string(t) }

// Valid reports whether t is a non-empty TSID with a recognized kind byte.
func (t TSID) Valid() bool {
	if len(t) < 2 {
		return false
	}
	switch t.Kind() {
	case KindLocation, KindGroup, KindPlayer, KindBag, KindItem, KindData, KindQuest, KindGeometry:
		return true
	default:
		return false
	}
}

// ObjRef is the on-the-wire shape of a lazily-referenced entity: a stub
// carrying only the TSID, persisted in place of an in-graph pointer to break
// cycles (item -> container -> location -> items -> item, etc).
type ObjRef struct {
	TSID   TSID `json:"tsid"`
	ObjRef bool `json:"objref"`
}

// IsObjRefBlob reports whether a decoded raw-record field map looks like an
// ObjRef stub: exactly the {tsid, objref:true} shape.
func IsObjRefBlob(m map[string]interface{}) bool {
	if m == nil {
		return false
	}
	ref, ok := m["objref"].(bool)
	if !ok || !ref {
		return false
	}
	_, ok = m["tsid"].(string)
	return ok
}

// Canonicalize rewrites the deprecated duplicate identifier fields
// ("id"/"class_id") in a raw decoded record into their canonical forms
// ("tsid"/"class_tsid"), per spec's backward-compatible read rule. Only the
// canonical keys are ever written back out; this is read-path only.
func Canonicalize(rec map[string]interface{}) {
	if _, hasTsid := rec["tsid"]; !hasTsid {
		if id, ok := rec["id"]; ok {
			rec["tsid"] = id
		}
	}
	if _, hasClassTsid := rec["class_tsid"]; !hasClassTsid {
		if cid, ok := rec["class_id"]; ok {
			rec["class_tsid"] = cid
		}
	}
	delete(rec, "id")
	delete(rec, "class_id")
}

// Prefix trims a session-relative shorthand the way the teacher's topic
// names work (kept here since GS-relative addressing uses the same idea for
// "this GS's" vs "fully qualified" TSIDs in logs).
func Prefix(s string, p string) bool {
	return strings.HasPrefix(s, p)
}
