package dispatch

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/kami"
	chainutils "github.com/tensorplex-labs/arena/internal/utils/chain_utils"
)

// AddressBook resolves a node identity to its base URL.
type AddressBook interface {
	Address(identity string) (string, bool)
}

// Directory is the node registry refreshed from the ledger.
type Directory struct {
	mu    sync.RWMutex
	addrs map[string]string
	uids  map[string]int64
}

func NewDirectory() *Directory {
	return &Directory{addrs: map[string]string{}, uids: map[string]int64{}}
}

// Update replaces the directory with nodes and returns how many have a usable address.
func (d *Directory) Update(nodes []kami.Node) int {
	addrs := make(map[string]string, len(nodes))
	uids := make(map[string]int64, len(nodes))
	for _, n := range nodes {
		uids[n.Hotkey] = n.UID
		addr, err := chainutils.NodeAddress(n.IP, n.Port)
		if err != nil {
			log.Trace().Err(err).Str("hotkey", n.Hotkey).Msg("node has no usable address")
			continue
		}
		addrs[n.Hotkey] = addr
	}

	d.mu.Lock()
	d.addrs, d.uids = addrs, uids
	d.mu.Unlock()
	return len(addrs)
}

// Set registers a single address.
func (d *Directory) Set(identity, addr string, uid int64) {
	d.mu.Lock()
	d.addrs[identity] = addr
	d.uids[identity] = uid
	d.mu.Unlock()
}

func (d *Directory) Address(identity string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.addrs[identity]
	return a, ok
}

func (d *Directory) UID(identity string) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.uids[identity]
	return u, ok
}

// UIDs returns a copy of the identity to uid map.
func (d *Directory) UIDs() map[string]int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int64, len(d.uids))
	for k, v := range d.uids {
		out[k] = v
	}
	return out
}
