// Package session implements the Session & Message Pump (spec §4.6):
// per-connection framing, the login state machine, and inter-GS hand-off.
// Grounded on github.com/tinode/chat/server/session.go's Session struct
// (send/stop channels, queueOut's buffered-with-timeout send, cleanUp) and
// on cluster.go's reconnect/dial idiom for the legacy length-prefixed
// binary framing variant spec §6 also requires alongside WebSocket/JSON.
package session

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

// ErrTooLarge is returned by a Socket's ReadMessage when an incoming frame
// exceeds the configured maximum (spec §6's net.maxMsgSize).
var ErrTooLarge = errors.New("session: frame exceeds configured maximum size")

// Socket abstracts the two wire variants spec §6 names: "length-prefixed
// frames...binary" and "a short-lived variant [that] replaces binary
// payloads with UTF-8 JSON text frames; framing becomes whatever the
// transport (e.g. WebSocket) provides."
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// WSSocket adapts a *websocket.Conn to Socket, grounded on session.go's
// `ws *websocket.Conn` field — the teacher dials the same library for its
// WebSocket transport.
type WSSocket struct {
	Conn *websocket.Conn
}

func (s *WSSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.Conn.ReadMessage()
	return data, err
}

func (s *WSSocket) WriteMessage(data []byte) error {
	return s.Conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WSSocket) Close() error { return s.Conn.Close() }

var _ Socket = (*WSSocket)(nil)

// FramedSocket implements the legacy length-prefixed binary variant: a
// 4-byte big-endian unsigned length followed by that many bytes of
// payload.
type FramedSocket struct {
	Conn       net.Conn
	MaxMsgSize int
}

func (s *FramedSocket) ReadMessage() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.Conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if s.MaxMsgSize > 0 && int(n) > s.MaxMsgSize {
		return nil, ErrTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.Conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *FramedSocket) WriteMessage(data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := s.Conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := s.Conn.Write(data)
	return err
}

func (s *FramedSocket) Close() error { return s.Conn.Close() }

var _ Socket = (*FramedSocket)(nil)
