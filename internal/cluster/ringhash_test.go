package cluster

import "testing"

func TestRingGetDeterministic(t *testing.T) {
	r := New(20, nil)
	r.Set([]string{"gs-02", "gs-01", "gs-03"})

	if got := r.Nodes(); len(got) != 3 || got[0] != "gs-01" {
		t.Fatalf("Set must sort nodes, got %v", got)
	}

	owner := r.Get("L100")
	for i := 0; i < 50; i++ {
		if got := r.Get("L100"); got != owner {
			t.Fatalf("Get(%q) is not a pure function: got %q then %q", "L100", owner, got)
		}
	}
}

func TestRingGetEmpty(t *testing.T) {
	r := New(20, nil)
	if got := r.Get("L100"); got != "" {
		t.Fatalf("Get on an empty ring should return \"\", got %q", got)
	}
}

func TestRingCollisionFree(t *testing.T) {
	r := New(20, nil)
	r.Set([]string{"gs-01", "gs-02", "gs-03"})
	if !r.CollisionFree() {
		t.Fatal("distinct node names should not collide under crc32 with 20 replicas")
	}
}

func TestRingSignatureReflectsMembership(t *testing.T) {
	a := New(20, nil)
	a.Set([]string{"gs-01", "gs-02"})
	b := New(20, nil)
	b.Set([]string{"gs-01", "gs-02"})
	if a.Signature() != b.Signature() {
		t.Fatal("identical membership should produce identical signatures")
	}

	c := New(20, nil)
	c.Set([]string{"gs-01", "gs-02", "gs-03"})
	if a.Signature() == c.Signature() {
		t.Fatal("different membership should produce different signatures")
	}
}
