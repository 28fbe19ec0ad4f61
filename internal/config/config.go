// Package config loads the game server's configuration, grounded on
// teranos-QNTX/am/load.go's viper initialization pattern (env-var binding
// with a dotted-key replacer, defaults applied before the file is read, a
// cached singleton Viper instance) — narrowed to the single config file +
// environment precedence spec §6 specifies, since this module has no
// multi-tier system/user/project file hierarchy to merge.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// GameServer describes one cluster member's listen endpoint, keyed by host
// in spec §6 ("net.gameServers[host].{host,ports[]}").
type GameServer struct {
	Host  string `mapstructure:"host"`
	Ports []int  `mapstructure:"ports"`
}

// Net holds the cluster membership and framing limits.
type Net struct {
	GameServers map[string]GameServer `mapstructure:"gameServers"`
	RPC         struct {
		BasePort int `mapstructure:"basePort"`
	} `mapstructure:"rpc"`
	MaxMsgSize int `mapstructure:"maxMsgSize"`
}

// PersistenceBackend names the persist.Driver to construct and its
// driver-specific config blob (spec §6 "pers.backEnd.{module,config}").
type PersistenceBackend struct {
	Module string `mapstructure:"module"`
	Config string `mapstructure:"config"`
}

// Auth mirrors spec §6's "auth.backEnd" — the authn.Config blob, plus which
// backend module is active (only "token" exists today, but the key is kept
// generic in case a second scheme is added later).
type Auth struct {
	BackEnd string `mapstructure:"backEnd"`
	Token   struct {
		Key       []byte        `mapstructure:"key"`
		SerialNum int           `mapstructure:"serial_num"`
		ExpireIn  time.Duration `mapstructure:"expire_in"`
	} `mapstructure:"token"`
}

// Statsd mirrors spec §6's "mon.statsd.{enabled,host,port,prefix}".
type Statsd struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Prefix  string `mapstructure:"prefix"`
}

type Mon struct {
	Statsd Statsd `mapstructure:"statsd"`
}

// Config is the fully-resolved configuration tree for one GS process.
type Config struct {
	Net  Net                `mapstructure:"net"`
	Pers PersistenceBackend `mapstructure:"pers"`
	Auth Auth               `mapstructure:"auth"`
	Mon  Mon                `mapstructure:"mon"`
}

// Load reads configuration from, in ascending precedence: built-in
// defaults, the file at path (if non-empty and present), then environment
// variables prefixed GS_ with "." replaced by "_" — e.g. GS_NET_RPC_BASEPORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: reading %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("net.rpc.basePort", 9100)
	v.SetDefault("net.maxMsgSize", 1<<20)
	v.SetDefault("pers.backEnd.module", "memkv")
	v.SetDefault("auth.backEnd", "token")
	v.SetDefault("auth.token.expire_in", 24*time.Hour)
	v.SetDefault("mon.statsd.enabled", false)
	v.SetDefault("mon.statsd.prefix", "gs")
}

func (c *Config) validate() error {
	if len(c.Net.GameServers) == 0 {
		return errors.New("config: net.gameServers must list at least one game server")
	}
	if c.Net.RPC.BasePort <= 0 {
		return errors.New("config: net.rpc.basePort must be positive")
	}
	return nil
}
