package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsServer accepts client WebSocket connections and spins up one Session
// per connection, grounded on session.go's sessionStore + the teacher's
// http.ListenAndServe wiring (retrieved only partially, so the listener
// itself follows plain net/http + gorilla/websocket idiom).
type wsServer struct {
	http *http.Server
	next uint64
}

func newWSServer(addr string, deps session.Deps, log *zap.Logger) (*wsServer, error) {
	s := &wsServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("gameserver: websocket upgrade failed", zap.Error(err))
			return
		}
		id := strconv.FormatUint(atomic.AddUint64(&s.next, 1), 10)
		sess := session.New(id, &session.WSSocket{Conn: conn}, deps)
		go sess.Run(context.Background())
	})
	s.http = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("gameserver: websocket server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *wsServer) Close() error {
	return s.http.Close()
}
