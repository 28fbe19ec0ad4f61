// Package wire defines the client/server message shapes carried over a
// Session (spec §4.6, §6), grounded on
// github.com/tinode/chat/server/datamodel.go's MsgClient*/MsgServer*
// catalog and NoErr/Err* constructor style — narrowed to the message set
// spec §6 names directly: "every message is an object with at least
// type: string and optionally msg_id: number", ping/login_start/
// login_end/relogin_start/relogin_end/logout/the move-end family inbound,
// server_message/pc_logout outbound.
package wire

import (
	"encoding/json"
	"time"
)

// Known inbound/outbound type strings (spec §6's exact vocabulary).
const (
	TypePing            = "ping"
	TypeLoginStart      = "login_start"
	TypeLoginEnd        = "login_end"
	TypeReloginStart    = "relogin_start"
	TypeReloginEnd      = "relogin_end"
	TypeLogout          = "logout"
	TypeSignpostMoveEnd = "signpost_move_end"
	TypeFollowMoveEnd   = "follow_move_end"
	TypeDoorMoveEnd     = "door_move_end"
	TypeTeleportMoveEnd = "teleport_move_end"
	TypeServerMessage   = "server_message"
	TypePcLogout        = "pc_logout"
)

// moveEndTypes is consulted by the session pump to recognize any member of
// the move-end family without hardcoding four separate switch arms at every
// call site.
var moveEndTypes = map[string]bool{
	TypeSignpostMoveEnd: true,
	TypeFollowMoveEnd:   true,
	TypeDoorMoveEnd:     true,
	TypeTeleportMoveEnd: true,
}

// IsMoveEnd reports whether typ is one of the move-end family spec §6 lists.
func IsMoveEnd(typ string) bool { return moveEndTypes[typ] }

// server_message actions (spec §6).
const (
	ActionClose              = "CLOSE"
	ActionToken              = "TOKEN"
	ActionPrepareToReconnect = "PREPARE_TO_RECONNECT"
)

// Inbound is the decoded shape of every received frame: "type" plus an
// optional msg_id and token, with anything script-dispatch-specific left in
// Raw for the entity behavior to decode on its own terms.
type Inbound struct {
	Type  string          `json:"type"`
	MsgID int64           `json:"msg_id,omitempty"`
	Token []byte          `json:"token,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the raw frame alongside the common fields,
// so opaque types (spec §6: "all other types are opaque to the runtime and
// forwarded to the script dispatcher") don't need a second round-trip.
func (m *Inbound) UnmarshalJSON(data []byte) error {
	type alias Inbound
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Inbound(a)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Ack is the generic {type, msg_id, success[, error]} acknowledgement sent
// in reply to ping, login_start/login_end, relogin_start/relogin_end —
// spec §6.9's "Happy login" scenario: "two messages received by the
// client, login_start ack and login_end ack".
type Ack struct {
	Type    string `json:"type"`
	MsgID   int64  `json:"msg_id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Ts      int64  `json:"ts"`
}

func NewAck(typ string, msgID int64) Ack {
	return Ack{Type: typ, MsgID: msgID, Success: true, Ts: time.Now().Unix()}
}

func NewAckError(typ string, msgID int64, err error) Ack {
	return Ack{Type: typ, MsgID: msgID, Success: false, Error: err.Error(), Ts: time.Now().Unix()}
}

func NewPingReply(msgID int64) Ack { return NewAck(TypePing, msgID) }

// ServerMessage is {type:"server_message", action:..., ...extras}.
type ServerMessage struct {
	Type   string                 `json:"type"`
	Action string                 `json:"action"`
	Extras map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extras into the top-level object, matching spec
// §6's "{type:'server_message', action:..., ...extras}" shape literally.
func (m *ServerMessage) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"type": m.Type, "action": m.Action}
	for k, v := range m.Extras {
		out[k] = v
	}
	return json.Marshal(out)
}

func NewClose(reason string) *ServerMessage {
	return &ServerMessage{Type: TypeServerMessage, Action: ActionClose, Extras: map[string]interface{}{"reason": reason}}
}

func NewToken(token []byte, expires time.Time) *ServerMessage {
	return &ServerMessage{Type: TypeServerMessage, Action: ActionToken, Extras: map[string]interface{}{
		"token": token, "expires": expires.Unix(),
	}}
}

func NewPrepareToReconnect(hostport string, token []byte) *ServerMessage {
	return &ServerMessage{Type: TypeServerMessage, Action: ActionPrepareToReconnect, Extras: map[string]interface{}{
		"hostport": hostport, "token": token,
	}}
}

// PcLogout is {type:"pc_logout", pc:{tsid,label}}, broadcast to the
// remaining players in a location when one of them disconnects.
type PcLogout struct {
	Type string      `json:"type"`
	Pc   PcReference `json:"pc"`
}

type PcReference struct {
	TSID  string `json:"tsid"`
	Label string `json:"label"`
}

func NewPcLogout(tsidStr, label string) PcLogout {
	return PcLogout{Type: TypePcLogout, Pc: PcReference{TSID: tsidStr, Label: label}}
}
