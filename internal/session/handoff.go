package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/runtime"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
	"github.com/ElevenGiants/eleven-server/internal/wire"
)

// GsMoveCheck implements spec §4.6's inter-GS hand-off: when the player's
// queued destination entity is owned by a different GS, the session can't
// keep driving it locally. It sends PREPARE_TO_RECONNECT, marks the
// session as moving (buffering further sends into msgCache), then schedules
// an unload entry with WaitPers=true whose completion sends the CLOSE that
// tells the client to reconnect elsewhere and drops this session.
//
// Callers invoke this from the script dispatcher's move-end handlers once
// they've determined the destination TSID; GsMoveCheck itself decides
// whether a hand-off is actually needed.
func (s *Session) GsMoveCheck(ctx context.Context, newLocTsid tsid.TSID) {
	if newLocTsid == "" || s.deps.ClusterMap.IsLocal(newLocTsid) {
		return
	}

	owner := s.deps.ClusterMap.Owner(newLocTsid)
	ep, ok := s.deps.ClusterMap.GSConfig(owner)
	if !ok {
		s.log.Warn("session: hand-off target owner has no known endpoint", zap.String("owner", owner))
		return
	}

	s.mu.Lock()
	pc := s.pc
	pcTsid := s.pcTsid
	s.mu.Unlock()
	if pc == nil {
		return
	}

	token, _, err := s.deps.Auth.GetToken(pcTsid, 0)
	if err != nil {
		s.log.Warn("session: failed to mint hand-off token", zap.Error(err))
		return
	}

	// PREPARE_TO_RECONNECT must reach the client before isMovingGs flips,
	// or it lands in msgCache instead of sendCh and never goes out.
	s.sendJSON(wire.NewPrepareToReconnect(ep.HostPort, token), wire.TypeServerMessage)

	s.mu.Lock()
	s.isMovingGs = true
	s.mu.Unlock()

	s.deps.Queues.QueueFor(pcTsid).Push(ctx, string(pcTsid)+":gsmove",
		func(ctx context.Context, rc *runtime.Context) (interface{}, error) {
			rc.SetUnload(pc)
			rc.SetPostPersCallback(func() {
				// isMovingGs is already true by this point, so the normal
				// send() path would route this into msgCache, which is
				// never flushed on a departing session — bypass it so the
				// client actually sees the CLOSE instead of a bare socket
				// drop.
				s.sendJSONBypassMoving(wire.NewClose("CONNECT_TO_ANOTHER_SERVER"), wire.TypeServerMessage)
				s.teardown(ctx)
			})
			return struct{}{}, nil
		}, nil, runtime.PushOptions{Session: s, WaitPers: true})
}
