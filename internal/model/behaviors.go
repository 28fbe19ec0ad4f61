package model

import (
	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// locationBehavior logs the lifecycle of a location, grounded on hub.go's
// topicInit: a topic is always paired with a one-time "just initialized"
// log line the first time it's instantiated versus every subsequent load.
type locationBehavior struct{ log *zap.Logger }

func (b locationBehavior) OnCreate(e persist.Entity) error {
	b.log.Info("location created", zap.String("tsid", string(e.TSID())), zap.String("class", e.Class()))
	return nil
}

func (b locationBehavior) OnLoad(e persist.Entity) error {
	b.log.Debug("location loaded", zap.String("tsid", string(e.TSID())))
	return nil
}

func (b locationBehavior) OnLogin(persist.Entity) error      { return nil }
func (b locationBehavior) OnRelogin(persist.Entity) error    { return nil }
func (b locationBehavior) OnDisconnect(persist.Entity) error { return nil }

// playerBehavior assigns a starting location on first creation if the
// caller didn't supply one, so a freshly-made player is never left without
// somewhere to be.
type playerBehavior struct {
	log             *zap.Logger
	defaultLocation string
}

func (b playerBehavior) OnCreate(e persist.Entity) error {
	p, ok := e.(*Player)
	if !ok {
		return nil
	}
	if p.LocationTSID() == "" && b.defaultLocation != "" {
		p.SetLocationTSID(tsid.TSID(b.defaultLocation))
	}
	b.log.Info("player created", zap.String("tsid", string(e.TSID())))
	return nil
}

func (b playerBehavior) OnLoad(e persist.Entity) error { return nil }

// OnLogin and OnRelogin mark the player's arrival in the access log; the
// rest of login-end housekeeping (location entry, roster join) lives in
// the session pump, which calls these after that's done.
func (b playerBehavior) OnLogin(e persist.Entity) error {
	b.log.Info("player logged in", zap.String("tsid", string(e.TSID())))
	return nil
}

func (b playerBehavior) OnRelogin(e persist.Entity) error {
	b.log.Info("player relogged in", zap.String("tsid", string(e.TSID())))
	return nil
}

func (b playerBehavior) OnDisconnect(e persist.Entity) error {
	b.log.Info("player disconnected", zap.String("tsid", string(e.TSID())))
	return nil
}

// RegisterDefaults installs the built-in behaviors every deployment needs
// regardless of game-specific scripted content — equivalent to the
// teacher's always-present "me" and "fnd" topic handling alongside
// plugin-provided topic types.
func RegisterDefaults(r *Registry, log *zap.Logger, defaultLocation string) {
	r.Register("location", locationBehavior{log: log})
	r.Register("player", playerBehavior{log: log, defaultLocation: defaultLocation})
}
