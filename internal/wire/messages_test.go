package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIsMoveEnd(t *testing.T) {
	for _, typ := range []string{TypeSignpostMoveEnd, TypeFollowMoveEnd, TypeDoorMoveEnd, TypeTeleportMoveEnd} {
		if !IsMoveEnd(typ) {
			t.Errorf("IsMoveEnd(%q) = false, want true", typ)
		}
	}
	for _, typ := range []string{TypeLoginStart, TypePing, "some_opaque_type"} {
		if IsMoveEnd(typ) {
			t.Errorf("IsMoveEnd(%q) = true, want false", typ)
		}
	}
}

func TestInboundUnmarshalKeepsRaw(t *testing.T) {
	data := []byte(`{"type":"move_to","msg_id":5,"x":10,"y":20}`)
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if in.Type != "move_to" || in.MsgID != 5 {
		t.Fatalf("decoded = %+v", in)
	}
	var extra struct {
		X, Y int
	}
	if err := json.Unmarshal(in.Raw, &extra); err != nil {
		t.Fatalf("Unmarshal(Raw): %v", err)
	}
	if extra.X != 10 || extra.Y != 20 {
		t.Fatalf("Raw round-trip lost fields: %+v", extra)
	}
}

func TestNewAckAndAckError(t *testing.T) {
	ack := NewAck(TypeLoginEnd, 3)
	if !ack.Success || ack.MsgID != 3 || ack.Type != TypeLoginEnd || ack.Error != "" {
		t.Fatalf("NewAck = %+v", ack)
	}

	ackErr := NewAckError(TypeLoginStart, 4, errTest("bad token"))
	if ackErr.Success || ackErr.Error != "bad token" {
		t.Fatalf("NewAckError = %+v", ackErr)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

func TestServerMessageMarshalFlattensExtras(t *testing.T) {
	msg := NewPrepareToReconnect("10.0.0.2:9101", []byte{1, 2, 3})
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["type"] != TypeServerMessage || decoded["action"] != ActionPrepareToReconnect {
		t.Fatalf("decoded = %v", decoded)
	}
	if _, ok := decoded["hostport"]; !ok {
		t.Fatal("extras were not flattened into the top-level object")
	}
}

func TestNewTokenExpiryIsUnixSeconds(t *testing.T) {
	expires := time.Now().Add(time.Hour).Round(time.Second)
	msg := NewToken([]byte("tok"), expires)
	if msg.Extras["expires"] != expires.Unix() {
		t.Fatalf("expires = %v, want %d", msg.Extras["expires"], expires.Unix())
	}
}

func TestNewPcLogout(t *testing.T) {
	pl := NewPcLogout("P1", "Alice")
	if pl.Type != TypePcLogout || pl.Pc.TSID != "P1" || pl.Pc.Label != "Alice" {
		t.Fatalf("NewPcLogout = %+v", pl)
	}
}
