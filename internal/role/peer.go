package role

import (
	"strings"

	"github.com/srg/quickble/internal/registry"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ConnState is the connection state of a remote peer.
type ConnState int

const (
	Discovered ConnState = iota
	Connecting
	Connected
	Disconnecting
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DiscoveryState tracks GATT discovery on a connected peripheral (client role).
type DiscoveryState int

const (
	ServicesUnknown DiscoveryState = iota
	ServicesDiscovering
	ServicesDiscovered
)

func (s DiscoveryState) String() string {
	switch s {
	case ServicesUnknown:
		return "unknown"
	case ServicesDiscovering:
		return "discovering"
	case ServicesDiscovered:
		return "discovered"
	default:
		return "invalid"
	}
}

// Peer is a remote device known to a role: a discovered peripheral for the client,
// a connected central for the server.
type Peer struct {
	ID        int
	Address   string
	Name      string
	RSSI      int
	Services  []string
	State     ConnState
	Discovery DiscoveryState

	subscriptions map[string]struct{}
	// linked is set once the current connection attempt has been reported as established.
	linked bool
}

// PeerInfo is a copy of a Peer handed outside the loop.
type PeerInfo struct {
	ID        int
	Address   string
	Name      string
	RSSI      int
	Services  []string
	State     ConnState
	Discovery DiscoveryState
}

func (p *Peer) info() PeerInfo {
	return PeerInfo{
		ID:        p.ID,
		Address:   p.Address,
		Name:      p.Name,
		RSSI:      p.RSSI,
		Services:  append([]string(nil), p.Services...),
		State:     p.State,
		Discovery: p.Discovery,
	}
}

func (p *Peer) Subscribed(key string) bool {
	_, ok := p.subscriptions[key]
	return ok
}

func (p *Peer) subscribe(key string, on bool) {
	if on {
		p.subscriptions[key] = struct{}{}
	} else {
		delete(p.subscriptions, key)
	}
}

func (p *Peer) Live() bool {
	return p.State == Connecting || p.State == Connected
}

// NormalizeAddress upper-cases and trims a device address.
func NormalizeAddress(a string) string {
	return strings.ToUpper(strings.TrimSpace(a))
}

// peerTable keeps peers in first-seen order and assigns each a role-local identity.
type peerTable struct {
	byAddr *orderedmap.OrderedMap[string, *Peer]
	ids    *registry.Arena[string]
}

func newPeerTable() *peerTable {
	return &peerTable{
		byAddr: orderedmap.New[string, *Peer](),
		ids:    registry.NewArena[string](),
	}
}

func (t *peerTable) get(addr string) *Peer {
	p, _ := t.byAddr.Get(NormalizeAddress(addr))
	return p
}

// ensure returns the peer for addr, creating it in state initial. created reports a new entry.
func (t *peerTable) ensure(addr, name string, initial ConnState) (p *Peer, created bool) {
	a := NormalizeAddress(addr)
	if p, ok := t.byAddr.Get(a); ok {
		if name != "" {
			p.Name = name
		}
		return p, false
	}
	p = &Peer{
		ID:            t.ids.Insert(a),
		Address:       a,
		Name:          name,
		State:         initial,
		subscriptions: make(map[string]struct{}),
	}
	t.byAddr.Set(a, p)
	return p, true
}

func (t *peerTable) remove(addr string) {
	a := NormalizeAddress(addr)
	if p, ok := t.byAddr.Get(a); ok {
		t.ids.Remove(p.ID)
		t.byAddr.Delete(a)
	}
}

func (t *peerTable) each(fn func(p *Peer)) {
	for pair := t.byAddr.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Value)
	}
}

func (t *peerTable) list() []PeerInfo {
	out := make([]PeerInfo, 0, t.byAddr.Len())
	t.each(func(p *Peer) { out = append(out, p.info()) })
	return out
}

func (t *peerTable) len() int { return t.byAddr.Len() }

func (t *peerTable) clear() {
	t.each(func(p *Peer) { t.ids.Remove(p.ID) })
	t.byAddr = orderedmap.New[string, *Peer]()
}
