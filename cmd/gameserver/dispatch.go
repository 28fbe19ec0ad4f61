package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/cluster"
	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/runtime"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// rpcDispatcher implements cluster.Dispatcher, the inbound side of an RPC
// proxy's sendRequest(owner, "obj", [fname, args]) calls (spec §4.5). It
// resolves the target TSID's own request queue so a remote field read or
// write serializes exactly like a locally-originated one.
type rpcDispatcher struct {
	queues *runtime.Registry
	cache  *persist.Cache
	log    *zap.Logger
}

func dispatcherFor(cm *cluster.Map, cache *persist.Cache, queues *runtime.Registry, log *zap.Logger) cluster.Dispatcher {
	return &rpcDispatcher{queues: queues, cache: cache, log: log}
}

func (d *rpcDispatcher) Dispatch(ctx context.Context, req cluster.Request) (interface{}, error) {
	switch req.Channel {
	case "obj":
		return d.dispatchObj(ctx, req)
	case "gs":
		return d.dispatchGS(ctx, req)
	default:
		return nil, errors.Newf("dispatch: unknown RPC channel %q", req.Channel)
	}
}

// dispatchObj serves the method names Remote.Call issues today (GetFields,
// GetClass, SetField); anything else fails loudly rather than silently
// no-op'ing, since an RPC proxy only ever calls methods its own code sends.
func (d *rpcDispatcher) dispatchObj(ctx context.Context, req cluster.Request) (interface{}, error) {
	if len(req.Args) == 0 {
		return nil, errors.New("dispatch: obj call missing target tsid")
	}
	target := tsid.TSID(req.Args[0].(string))

	type result struct {
		val interface{}
		err error
	}
	out := make(chan result, 1)
	d.queues.QueueFor(target).Push(ctx, string(target)+":rpc:"+req.FName,
		func(ctx context.Context, rc *runtime.Context) (interface{}, error) {
			e, err := rc.Get(ctx, target, true)
			if err != nil {
				return nil, err
			}
			switch req.FName {
			case "GetFields":
				return e.Fields(), nil
			case "GetClass":
				return e.Class(), nil
			case "SetField":
				if len(req.Args) < 3 {
					return nil, errors.New("dispatch: SetField missing name/value")
				}
				name, _ := req.Args[1].(string)
				e.Fields()[name] = req.Args[2]
				rc.SetDirty(e, false)
				return struct{}{}, nil
			default:
				return nil, errors.Newf("dispatch: unknown obj method %q", req.FName)
			}
		},
		func(err error, val interface{}) { out <- result{val, err} },
		runtime.PushOptions{})

	select {
	case r := <-out:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchGS serves named static APIs reached through rpcproxy.RedirWrap,
// plus the health-check ping ClusterStatus issues against every peer.
func (d *rpcDispatcher) dispatchGS(ctx context.Context, req cluster.Request) (interface{}, error) {
	switch req.FName {
	case "Ping":
		return "pong", nil
	default:
		return nil, errors.Newf("dispatch: unknown gs API %q", req.FName)
	}
}

// timerCallFor builds the runtime.TimerCall a Scheduler invokes for every
// fired timer (spec §9's gsTimers): push the call onto the entity's root
// queue just like any other request, resolve the target through that
// queue's own Context so it observes the same dirty-tracking and proxy
// rules as a client-driven call, then dispatch by class the same way
// Behavior.OnLoad/OnCreate already do.
func timerCallFor(queues *runtime.Registry, behaviors persist.BehaviorLookup, log *zap.Logger) runtime.TimerCall {
	return func(ctx context.Context, e persist.Entity, fname string, args []interface{}) error {
		type result struct{ err error }
		out := make(chan result, 1)
		root := e.Root()
		queues.QueueFor(root).Push(ctx, string(root)+":timer:"+fname,
			func(ctx context.Context, rc *runtime.Context) (interface{}, error) {
				target, err := rc.Get(ctx, e.TSID(), true)
				if err != nil {
					return nil, err
				}
				beh, ok := behaviors(target.Class())
				if !ok {
					return nil, nil
				}
				tb, ok := beh.(persist.TimerBehavior)
				if !ok {
					log.Debug("runtime: fired timer has no OnTimer handler",
						zap.String("class", target.Class()), zap.String("fname", fname))
					return nil, nil
				}
				return nil, tb.OnTimer(target, fname, args)
			},
			func(err error, _ interface{}) { out <- result{err} },
			runtime.PushOptions{})

		select {
		case r := <-out:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
