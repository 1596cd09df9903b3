package chainutils

import "github.com/tensorplex-labs/arena/internal/kami"

func FindNode(nodes []kami.Node, hotkey string) (kami.Node, bool) {
	for _, n := range nodes {
		if n.Hotkey == hotkey {
			return n, true
		}
	}
	return kami.Node{}, false
}

// UIDsByHotkey maps every registered hotkey to its uid.
func UIDsByHotkey(nodes []kami.Node) map[string]int64 {
	out := make(map[string]int64, len(nodes))
	for _, n := range nodes {
		out[n.Hotkey] = n.UID
	}
	return out
}
