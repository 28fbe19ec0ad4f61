// Package cluster implements the deterministic TSID -> owner-GS mapping
// (spec §4.1) and the inter-GS RPC transport (spec §4.5), grounded on
// github.com/tinode/chat/server/cluster.go's ClusterNode/Cluster/ring
// machinery.
package cluster

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// Endpoint is one configured game-server peer.
type Endpoint struct {
	Name     string // GS id, e.g. "gs-01" or "<host>-<NN>"
	Host     string
	Port     int
	HostPort string // host:port advertised to clients for hand-off
}

const ringReplicas = 20

// ConfigError marks a startup-time configuration failure per spec §7 —
// recovery is fail-fast.
var ErrConfig = errors.New("cluster: configuration error")

// Map resolves TSID ownership across a static, sorted set of GS endpoints.
// Once Init succeeds, Map is pure: owner/isLocal never mutate state (spec
// §4.1 "Mapping is pure — no state change — once initialized").
type Map struct {
	self      string
	endpoints map[string]Endpoint
	ring      *Ring
}

// NewMap builds an uninitialized Map; call Init before use.
func NewMap() *Map {
	return &Map{endpoints: make(map[string]Endpoint), ring: New(ringReplicas, nil)}
}

// Init enumerates configured endpoints, resolves this process's GS id, and
// builds the ring. masterName is the directly-configured id for the master
// process; if empty, the id is derived as "<host>-<NN>" and must match the
// GSID environment variable (spec §6: "GS id resolution uses GSID env var
// for workers").
func (m *Map) Init(endpoints []Endpoint, masterName string) error {
	if len(endpoints) == 0 {
		return errors.Wrap(ErrConfig, "no game servers configured")
	}
	m.endpoints = make(map[string]Endpoint, len(endpoints))
	names := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e.Name == "" {
			return errors.Wrap(ErrConfig, "game server endpoint missing name")
		}
		m.endpoints[e.Name] = e
		names = append(names, e.Name)
	}
	m.ring.Set(names)
	if !m.ring.CollisionFree() {
		return errors.Wrap(ErrConfig, "two configured game servers hash identically")
	}

	if masterName != "" {
		m.self = masterName
	} else if gsid := os.Getenv("GSID"); gsid != "" {
		m.self = gsid
	} else {
		host, err := os.Hostname()
		if err != nil {
			return errors.Wrap(ErrConfig, "cannot resolve local hostname for GS id derivation")
		}
		m.self = deriveWorkerName(host, names)
	}

	if _, ok := m.endpoints[m.self]; !ok {
		return errors.Wrapf(ErrConfig, "local host has no matching GS id %q among configured servers", m.self)
	}
	return nil
}

// deriveWorkerName picks "<host>-<NN>" for the lowest NN not already taken,
// matching spec §4.1's "<host>-<NN> for workers" shape when GSID isn't set
// directly but a same-host sibling naming convention is in play.
func deriveWorkerName(host string, configured []string) string {
	for n := 1; n <= len(configured)+1; n++ {
		candidate := fmt.Sprintf("%s-%02d", host, n)
		found := false
		for _, c := range configured {
			if c == candidate {
				found = true
				break
			}
		}
		if found {
			return candidate
		}
	}
	return host
}

// Self returns this process's own GS id.
func (m *Map) Self() string { return m.self }

// Owner returns the GS id owning t, per spec's
// owner(tsid) = gs[hash(tsid) mod N] over the sorted endpoint-name list.
func (m *Map) Owner(t tsid.TSID) string {
	return m.ring.Get(string(t))
}

// IsLocal reports whether t is owned by this process.
func (m *Map) IsLocal(t tsid.TSID) bool {
	return m.Owner(t) == m.self
}

// GSConfig returns the endpoint configuration for gsid.
func (m *Map) GSConfig(gsid string) (Endpoint, bool) {
	e, ok := m.endpoints[gsid]
	return e, ok
}

// ForEachGS calls fn for every configured GS, in sorted order.
func (m *Map) ForEachGS(fn func(Endpoint)) {
	names := m.ring.Nodes()
	for _, n := range names {
		fn(m.endpoints[n])
	}
}

// ForEachLocalGS calls fn only for this process's own endpoint — present
// for symmetry with ForEachGS and for code that wants to treat "the set of
// local GS ids" uniformly even though there is exactly one per process.
func (m *Map) ForEachLocalGS(fn func(Endpoint)) {
	if e, ok := m.endpoints[m.self]; ok {
		fn(e)
	}
}

// PeerNames returns every configured GS id other than this process's own,
// sorted, for dialing peer RPC connections.
func (m *Map) PeerNames() []string {
	var out []string
	for _, n := range m.ring.Nodes() {
		if n != m.self {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (e Endpoint) String() string {
	return strings.TrimSuffix(fmt.Sprintf("%s(%s)", e.Name, e.HostPort), "()")
}
