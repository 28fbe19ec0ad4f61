// Command gameserver runs one cluster member process. Grounded on
// github.com/tinode/chat's main.go/shutdown.go split — signal handling and
// ordered drain (transport, then queues, then persistence) lifted from
// shutdown.go's listenAndServe — reassembled with a cobra entrypoint in
// teranos-QNTX's cmd/qntx/main.go style.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/authn"
	"github.com/ElevenGiants/eleven-server/internal/cluster"
	"github.com/ElevenGiants/eleven-server/internal/config"
	"github.com/ElevenGiants/eleven-server/internal/metrics"
	"github.com/ElevenGiants/eleven-server/internal/model"
	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/persist/memkv"
	"github.com/ElevenGiants/eleven-server/internal/persist/pgdriver"
	"github.com/ElevenGiants/eleven-server/internal/rpcproxy"
	"github.com/ElevenGiants/eleven-server/internal/runtime"
	"github.com/ElevenGiants/eleven-server/internal/script"
	"github.com/ElevenGiants/eleven-server/internal/session"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "gameserver",
		Short: "Run one game-server cluster member",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML/TOML/JSON config file")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return errors.Wrap(err, "gameserver: logger init")
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("gameserver: config", zap.Error(err))
	}

	cm := cluster.NewMap()
	var endpoints []cluster.Endpoint
	for name, gs := range cfg.Net.GameServers {
		port := cfg.Net.RPC.BasePort
		if len(gs.Ports) > 0 {
			port = gs.Ports[0]
		}
		endpoints = append(endpoints, cluster.Endpoint{
			Name:     name,
			Host:     gs.Host,
			Port:     port,
			HostPort: net.JoinHostPort(gs.Host, strconv.Itoa(port)),
		})
	}
	if err := cm.Init(endpoints, ""); err != nil {
		log.Fatal("gameserver: cluster map init", zap.Error(err))
	}
	self, _ := cm.GSConfig(cm.Self())
	log = log.With(zap.String("gsid", cm.Self()))

	authBackend, err := authn.Init(authn.Config{
		Key:       cfg.Auth.Token.Key,
		SerialNum: cfg.Auth.Token.SerialNum,
		ExpireIn:  cfg.Auth.Token.ExpireIn,
	})
	if err != nil {
		log.Fatal("gameserver: auth backend init", zap.Error(err))
	}

	driver, err := buildDriver(log, cfg.Pers)
	if err != nil {
		log.Fatal("gameserver: persistence driver init", zap.Error(err))
	}

	transport := cluster.NewTransport(cm.Self(), log)

	reg := model.NewRegistry()
	model.RegisterDefaults(reg, log, "")

	cache := persist.NewCache(log, driver, cm, model.Factory, reg.Lookup,
		rpcproxy.NewRemoteFactory(transport, cm), rpcproxy.NewObjRef)

	queues := runtime.NewRegistry(cache, log)
	queues.SetTimerCall(timerCallFor(queues, reg.Lookup, log))
	cache.SetLoadHook(queues.ResumeTimers)
	cache.SetUnloadHook(func(e persist.Entity) {
		if e.TSID() == e.Root() {
			queues.SuspendTimers(e.TSID())
		}
	})

	var sink metrics.Sink = metrics.Noop{}
	if cfg.Mon.Statsd.Enabled {
		sink = metrics.NewPrometheus(prometheus.DefaultRegisterer)
	}

	transport.SetDispatcher(dispatcherFor(cm, cache, queues, log))
	if err := transport.Start(net.JoinHostPort(self.Host, strconv.Itoa(cfg.Net.RPC.BasePort))); err != nil {
		log.Fatal("gameserver: rpc transport start", zap.Error(err))
	}

	dispatch := script.NewDispatcher()
	roster := session.NewRoster()

	sessionDeps := session.Deps{
		Log:        log,
		Auth:       authBackend,
		ClusterMap: cm,
		Transport:  transport,
		Cache:      cache,
		Queues:     queues,
		Dispatch:   dispatch.Dispatch,
		Metrics:    sink,
		MaxMsgSize: cfg.Net.MaxMsgSize,
		Roster:     roster,
		Behaviors:  reg.Lookup,
	}

	listenPort := self.Port
	if listenPort == 0 {
		listenPort = cfg.Net.RPC.BasePort + 1
	}
	wsServer, err := newWSServer(net.JoinHostPort(self.Host, strconv.Itoa(listenPort)), sessionDeps, log)
	if err != nil {
		log.Fatal("gameserver: websocket listener start", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := signalHandler(log)
	<-stop

	log.Info("gameserver: shutting down")
	wsServer.Close()
	transport.Shutdown()
	queues.Shutdown(ctx)
	if err := cache.Shutdown(ctx); err != nil {
		log.Error("gameserver: cache shutdown", zap.Error(err))
	}
	return nil
}

func buildDriver(log *zap.Logger, pb config.PersistenceBackend) (persist.Driver, error) {
	switch pb.Module {
	case "", "memkv":
		return memkv.New(), nil
	case "postgres":
		d := pgdriver.New(log)
		if err := d.Init(context.Background(), pb.Config); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, errors.Newf("gameserver: unknown persistence backend %q", pb.Module)
	}
}

// signalHandler mirrors shutdown.go's signalHandler: wait for exactly one
// termination signal, log it, and release the returned channel.
func signalHandler(log *zap.Logger) <-chan struct{} {
	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		log.Info("gameserver: signal received, shutting down", zap.String("signal", sig.String()))
		close(stop)
	}()
	return stop
}
