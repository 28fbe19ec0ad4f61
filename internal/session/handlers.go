package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/runtime"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
	"github.com/ElevenGiants/eleven-server/internal/wire"
)

const preloginQueue = "_PRELOGIN"

// dispatchRaw decodes one frame and enqueues it (spec §4.6 "Inbound
// pipeline"): before a player is attached, everything runs through the
// shared _PRELOGIN global queue; afterward, through the player's own queue.
func (s *Session) dispatchRaw(ctx context.Context, raw []byte) {
	var in wire.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		s.log.Debug("session: malformed frame", zap.Error(err))
		return
	}

	// ping is answered inline, bypassing the queue entirely (spec §6).
	if in.Type == wire.TypePing {
		s.sendJSON(wire.NewPingReply(in.MsgID), wire.TypePing)
		return
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	if pc == nil {
		s.deps.Queues.GlobalQueue(preloginQueue).Push(ctx, s.id, func(ctx context.Context, rc *runtime.Context) (interface{}, error) {
			return s.preRequestProc(ctx, rc, in)
		}, func(err error, _ interface{}) {
			if err != nil {
				s.log.Debug("session: prelogin request failed", zap.Error(err))
			}
		}, runtime.PushOptions{Session: s})
		return
	}

	s.deps.Queues.QueueFor(s.pcTsid).Push(ctx, string(s.pcTsid), func(ctx context.Context, rc *runtime.Context) (interface{}, error) {
		result, err := s.preRequestProc(ctx, rc, in)
		if err != nil || result != nil {
			return result, err
		}
		result, err = s.deps.Dispatch(ctx, rc, pc, &in)
		if err != nil {
			return nil, err
		}
		s.postRequestProc(ctx, rc, pc, in.Type)
		return result, nil
	}, func(err error, _ interface{}) {
		if err != nil {
			// Spec §7: "Any error during script dispatch sends a CLOSE
			// server message to the player (if connected), logs with
			// request type, and destroys the socket."
			s.log.Warn("session: request failed", zap.String("type", in.Type), zap.Error(err))
			s.sendJSON(wire.NewClose("internal error"), wire.TypeServerMessage)
			s.teardown(ctx)
		}
	}, runtime.PushOptions{Session: s})
}

// preRequestProc is the type-specific phase spec §4.6 runs before script
// dispatch: authenticate on login_start/relogin_start, teardown on
// logout, refuse unauthenticated access to anything else. A non-nil
// return short-circuits dispatch.
func (s *Session) preRequestProc(ctx context.Context, rc *runtime.Context, in wire.Inbound) (interface{}, error) {
	switch in.Type {
	case wire.TypeLoginStart:
		return nil, s.handleLoginStart(ctx, rc, in, false)
	case wire.TypeReloginStart:
		return nil, s.handleLoginStart(ctx, rc, in, true)
	case wire.TypeLoginEnd:
		return s.handleLoginEnd(ctx, rc, in, false), nil
	case wire.TypeReloginEnd:
		return s.handleLoginEnd(ctx, rc, in, true), nil
	case wire.TypeLogout:
		s.handleLogout(ctx, rc, in)
		return struct{}{}, nil
	}

	s.mu.Lock()
	authed := s.state == StateLoggedIn
	s.mu.Unlock()
	if !authed {
		s.sendJSON(wire.NewAckError(in.Type, in.MsgID, errAuthRequired), in.Type)
		return struct{}{}, nil
	}
	return nil, nil
}

var errAuthRequired = jsonError("authentication required")

type jsonError string

func (e jsonError) Error() string { return string(e) }

// handleLoginStart implements the NEW/LOGGED_IN -> AUTHENTICATING edge
// (spec §4.6): authenticate yields a player TSID; if it's not owned by
// this GS the client had stale connect info and the session is closed
// without attempting to fix it.
func (s *Session) handleLoginStart(ctx context.Context, rc *runtime.Context, in wire.Inbound, isRelogin bool) error {
	s.mu.Lock()
	s.state = StateAuthenticating
	s.mu.Unlock()

	pt, _, err := s.deps.Auth.Authenticate(in.Token)
	if err != nil {
		s.sendJSON(wire.NewAckError(in.Type, in.MsgID, err), in.Type)
		s.teardown(ctx)
		return err
	}

	if !s.deps.ClusterMap.IsLocal(pt) {
		s.log.Info("session: login for non-local player, closing", zap.String("tsid", string(pt)))
		s.teardown(ctx)
		return nil
	}

	e, err := rc.Get(ctx, pt, false)
	if err != nil {
		s.sendJSON(wire.NewAckError(in.Type, in.MsgID, err), in.Type)
		s.teardown(ctx)
		return err
	}

	s.mu.Lock()
	s.pc = e
	s.pcTsid = pt
	s.mu.Unlock()

	s.sendJSON(wire.NewAck(in.Type, in.MsgID), in.Type)
	s.scheduleTokenRefresh()
	return nil
}

// handleLoginEnd implements AUTHENTICATING -> LOGGED_IN (spec §4.6): join
// the player's location (making it visible to whoever else is already
// there, spec §8 scenario 1), fire onLogin or onRelogin, ack, then flush
// whatever accumulated in preLoginBuffer.
func (s *Session) handleLoginEnd(ctx context.Context, rc *runtime.Context, in wire.Inbound, isRelogin bool) interface{} {
	s.mu.Lock()
	s.state = StateLoggedIn
	pc := s.pc
	s.mu.Unlock()

	if pc != nil {
		s.locationEntry(ctx, rc, pc)
		s.runLoginHook(pc, isRelogin)
	}

	s.sendJSON(wire.NewAck(in.Type, in.MsgID), in.Type)
	s.flushPreLoginBuffer()
	return struct{}{}
}

// runLoginHook dispatches to the attached player's scripted OnLogin or
// OnRelogin hook, if any class behavior is registered for it.
func (s *Session) runLoginHook(pc persist.Entity, isRelogin bool) {
	beh, ok := s.behaviorFor(pc)
	if !ok {
		return
	}
	var err error
	if isRelogin {
		err = beh.OnRelogin(pc)
	} else {
		err = beh.OnLogin(pc)
	}
	if err != nil {
		s.log.Warn("session: login hook failed", zap.Bool("relogin", isRelogin), zap.Error(err))
	}
}

func (s *Session) behaviorFor(pc persist.Entity) (persist.Behavior, bool) {
	if s.deps.Behaviors == nil {
		return nil, false
	}
	return s.deps.Behaviors(pc.Class())
}

// locationEntry implements spec §4.6 phase 3's location-entry housekeeping:
// look up the player's current location, mark it dirty so any pending
// change flushes with this request, and — if the location is owned by
// this GS — join the roster so the rest of the location can see the
// player arrive and hear about it when they leave. Returns the location
// TSID (possibly non-local, possibly empty) so callers like postRequestProc
// can decide whether a hand-off is needed.
func (s *Session) locationEntry(ctx context.Context, rc *runtime.Context, pc persist.Entity) tsid.TSID {
	lp, ok := pc.(located)
	if !ok {
		return ""
	}
	loc := lp.LocationTSID()
	if loc == "" {
		return ""
	}
	if !s.deps.ClusterMap.IsLocal(loc) {
		return loc
	}

	locEntity, err := rc.Get(ctx, loc, false)
	if err != nil || locEntity == nil {
		return loc
	}
	rc.SetDirty(locEntity, false)

	if s.deps.Roster != nil {
		s.mu.Lock()
		prev := s.rosterLoc
		s.rosterLoc = loc
		s.mu.Unlock()
		if prev != "" && prev != loc {
			s.deps.Roster.Leave(prev, s)
		}
		s.deps.Roster.Join(loc, s)
	}
	return loc
}

// handleLogout implements the explicit-logout LOGGED_IN -> DISCONNECTED
// edge (spec §4.6): ack, then let teardown run the same onDisconnect/
// pc_logout/unload sequence it already runs for a bare socket drop while
// still logged in, so the two paths can't double-disconnect the player.
func (s *Session) handleLogout(ctx context.Context, rc *runtime.Context, in wire.Inbound) {
	s.sendJSON(wire.NewAck(in.Type, in.MsgID), in.Type)
	s.teardown(ctx)
}

// disconnectPlayer runs the shared onDisconnect/pc_logout/unload sequence
// used by both explicit logout and socket-drop-while-attached (spec §4.6).
// located is the narrow slice of model.Player's surface disconnectPlayer
// needs, kept local so session doesn't have to import package model.
type located interface {
	LocationTSID() tsid.TSID
}

func (s *Session) disconnectPlayer(ctx context.Context, pc persist.Entity) {
	s.mu.Lock()
	loc := s.rosterLoc
	s.rosterLoc = ""
	s.mu.Unlock()

	if s.deps.Roster != nil && loc != "" {
		s.deps.Roster.Leave(loc, s)
		// pc_logout is a best-effort visibility notice (spec §4.6); a
		// marshal failure here must not block the unload below.
		data, err := json.Marshal(wire.NewPcLogout(string(pc.TSID()), playerLabel(pc)))
		if err != nil {
			s.log.Warn("session: failed to marshal pc_logout", zap.Error(err))
		} else {
			s.deps.Roster.Broadcast(loc, wire.TypePcLogout, data, s)
		}
	}

	s.deps.Queues.QueueFor(pc.TSID()).Push(ctx, string(pc.TSID())+":disconnect",
		func(ctx context.Context, rc *runtime.Context) (interface{}, error) {
			if beh, ok := s.behaviorFor(pc); ok {
				if err := beh.OnDisconnect(pc); err != nil {
					s.log.Warn("session: onDisconnect hook failed", zap.Error(err))
				}
			}
			if lp, ok := pc.(located); ok && lp.LocationTSID() != "" {
				// Dirty-mark the location so the lost occupant is
				// reflected in whatever the location itself persists.
				if locEntity, err := rc.Get(ctx, lp.LocationTSID(), false); err == nil && locEntity != nil {
					rc.SetDirty(locEntity, false)
				}
			}
			rc.SetUnload(pc)
			return struct{}{}, nil
		}, nil, runtime.PushOptions{Session: s})
}

// playerLabel returns the attached player's display label for the
// pc_logout broadcast, or "" if it has none.
func playerLabel(pc persist.Entity) string {
	label, _ := pc.Fields()["label"].(string)
	return label
}

// postRequestProc is spec §4.6's third phase: location-entry housekeeping
// on move-end, run after a successful dispatch (login/relogin already ran
// locationEntry directly from handleLoginEnd, since preRequestProc
// short-circuits dispatch for those two types and this hook never sees
// them). If the move landed the player on a location owned by another GS,
// this is also where inter-GS hand-off gets triggered.
func (s *Session) postRequestProc(ctx context.Context, rc *runtime.Context, pc persist.Entity, reqType string) {
	if !wire.IsMoveEnd(reqType) {
		return
	}
	loc := s.locationEntry(ctx, rc, pc)
	if loc != "" {
		s.GsMoveCheck(ctx, loc)
	}
}

// scheduleTokenRefresh arranges to push a fresh TOKEN server message at
// ~90% of the configured token lifetime, repeating for as long as the
// session stays connected (spec §4.6: "Token refresh... periodically send
// a refreshed auth token").
func (s *Session) scheduleTokenRefresh() {
	lifespan := s.deps.Auth.GetTokenLifespan()
	if lifespan <= 0 {
		return
	}
	wait := time.Duration(float64(lifespan) * 0.9)

	s.mu.Lock()
	if s.tokenRefresh != nil {
		s.tokenRefresh.Stop()
	}
	s.tokenRefresh = time.AfterFunc(wait, s.refreshToken)
	s.mu.Unlock()
}

func (s *Session) refreshToken() {
	s.mu.Lock()
	pcTsid := s.pcTsid
	closed := s.closed
	s.mu.Unlock()
	if closed || pcTsid == "" {
		return
	}

	token, expires, err := s.deps.Auth.GetToken(pcTsid, 0)
	if err != nil {
		s.log.Warn("session: token refresh failed", zap.Error(err))
		return
	}
	s.sendJSON(wire.NewToken(token, expires), wire.TypeServerMessage)
	s.scheduleTokenRefresh()
}
